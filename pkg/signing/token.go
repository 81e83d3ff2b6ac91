package signing

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// tokenVersion prefixes the compact encoding so the format can evolve.
const tokenVersion = "v1"

// EncodeToken renders an envelope as a single URL-safe string suitable for a
// path segment: v1.<signed>.<kid>.<exp>.<sig>.
func EncodeToken(env *Envelope) string {
	return strings.Join([]string{
		tokenVersion,
		env.Signed,
		base64.RawURLEncoding.EncodeToString([]byte(env.KID)),
		strconv.FormatInt(env.Exp, 10),
		env.Sig,
	}, ".")
}

// DecodeToken parses the compact form back into an envelope. Any structural
// problem is a malformed-token error.
func DecodeToken(token string) (*Envelope, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 5 || parts[0] != tokenVersion {
		return nil, &VerificationError{Reason: "malformed"}
	}

	kid, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, &VerificationError{Reason: "malformed"}
	}
	exp, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return nil, &VerificationError{Reason: "malformed"}
	}

	return &Envelope{
		Signed: parts[1],
		KID:    string(kid),
		Exp:    exp,
		Sig:    parts[4],
	}, nil
}
