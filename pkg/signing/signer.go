package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Envelope is a self-describing capability token. Signed carries the
// base64url-encoded normalized path (plus any signed query parameters), so
// verification never needs a lookup table.
type Envelope struct {
	Signed string `json:"signed"`
	KID    string `json:"kid"`
	Exp    int64  `json:"exp"`
	Sig    string `json:"sig"`
}

// VerificationError carries a machine-readable reason for a rejected token.
// Reasons: malformed, expired, decode, path-traversal, unknown-kid, forged.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("token rejected: %s", e.Reason)
}

// Claims is the verified content of an envelope.
type Claims struct {
	Path  string
	Query url.Values
}

// Signer issues and verifies envelopes against a KeyRing. Issue and Rotate
// share one mutex so issuance never observes a half-completed rotation.
type Signer struct {
	mu   sync.Mutex
	ring *KeyRing
	now  func() time.Time
}

// NewSigner creates a signer over the given ring. now may be nil (wall clock).
func NewSigner(ring *KeyRing, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{ring: ring, now: now}
}

// Ring returns the current key ring.
func (s *Signer) Ring() *KeyRing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring
}

// Rotate swaps in a new ring with newKID as the active key. In-flight tokens
// signed by the previous active key keep verifying until they expire.
func (s *Signer) Rotate(newKID, newSecret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.ring.Rotate(newKID, newSecret)
	if err != nil {
		return err
	}
	s.ring = next
	return nil
}

// Issue signs a capability for path with the current active key. The query
// parameters are bound into the signature and travel inside the Signed field.
// TTL floors at one second.
func (s *Signer) Issue(path, method string, query url.Values, ttl time.Duration) (*Envelope, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = "GET"
	}

	ttlSecs := int64(ttl / time.Second)
	if ttlSecs < 1 {
		ttlSecs = 1
	}

	s.mu.Lock()
	key := s.ring.Active()
	exp := s.now().Unix() + ttlSecs
	s.mu.Unlock()

	signed := normalized
	if enc := canonicalQuery(query); enc != "" {
		signed += "?" + enc
	}

	sig := sign(key.Secret, method, normalized, query, exp)
	return &Envelope{
		Signed: base64.RawURLEncoding.EncodeToString([]byte(signed)),
		KID:    key.KID,
		Exp:    exp,
		Sig:    sig,
	}, nil
}

// Verify checks an envelope and returns its claims. Checks run in a fixed
// order, each with its own reason: malformed, expired, decode/path-traversal,
// unknown-kid, forged. Expiry is checked before the signature so an expired
// token is rejected without touching key material.
func (s *Signer) Verify(env *Envelope, method string) (*Claims, error) {
	if env == nil || env.Signed == "" || env.KID == "" || env.Sig == "" {
		return nil, &VerificationError{Reason: "malformed"}
	}
	if method == "" {
		method = "GET"
	}

	s.mu.Lock()
	ring := s.ring
	now := s.now()
	s.mu.Unlock()

	if env.Exp <= now.Unix() {
		return nil, &VerificationError{Reason: "expired"}
	}

	raw, err := base64.RawURLEncoding.DecodeString(env.Signed)
	if err != nil {
		return nil, &VerificationError{Reason: "decode"}
	}
	path := string(raw)
	var query url.Values
	if i := strings.IndexByte(path, '?'); i >= 0 {
		query, err = url.ParseQuery(path[i+1:])
		if err != nil {
			return nil, &VerificationError{Reason: "decode"}
		}
		path = path[:i]
	}
	normalized, err := normalizePath(path)
	if err != nil {
		return nil, err
	}

	key, ok := ring.Lookup(env.KID)
	if !ok {
		return nil, &VerificationError{Reason: "unknown-kid"}
	}

	expected := sign(key.Secret, method, normalized, query, env.Exp)
	if !hmac.Equal([]byte(expected), []byte(env.Sig)) {
		return nil, &VerificationError{Reason: "forged"}
	}

	return &Claims{Path: normalized, Query: query}, nil
}

// sign computes base64url(HMAC-SHA256) over the canonical string
// METHOD\nPATH\nsorted(query)\nEXP.
func sign(secret, method, path string, query url.Values, exp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d", method, path, canonicalQuery(query), exp)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// canonicalQuery encodes query parameters sorted by key, values sorted within
// a key.
func canonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// normalizePath collapses duplicate slashes, strips the leading slash, and
// rejects traversal outright. Traversal is rejected even at issuance time.
func normalizePath(path string) (string, error) {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", &VerificationError{Reason: "decode"}
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." || seg == "." {
			return "", &VerificationError{Reason: "path-traversal"}
		}
	}
	return path, nil
}
