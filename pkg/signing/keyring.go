// Package signing implements stateless HMAC capability tokens with key
// rotation. Any process holding the same KeyRing can verify tokens issued by
// any other process holding it; there is no server-side token registry.
package signing

import (
	"fmt"
	"strings"
)

// KeyState marks whether a key may sign new tokens or only verify old ones.
type KeyState string

const (
	// KeyActive keys sign and verify. A ring has exactly one.
	KeyActive KeyState = "active"
	// KeyRetired keys verify only, giving in-flight tokens a grace window
	// after rotation.
	KeyRetired KeyState = "retired"
)

const minSecretLen = 32

// Key is one signing secret with its identity and lifecycle state.
type Key struct {
	KID    string   `yaml:"kid" json:"kid"`
	Secret string   `yaml:"secret" json:"-"`
	State  KeyState `yaml:"state" json:"state"`
}

// RotationError reports a key ring configuration or rotation failure.
type RotationError struct {
	Reason string
}

func (e *RotationError) Error() string {
	return fmt.Sprintf("key ring: %s", e.Reason)
}

// KeyRing is an immutable ordered set of keys with exactly one active key.
// Mutation happens only through Rotate, which produces a new ring.
type KeyRing struct {
	keys   []Key
	byKID  map[string]Key
	active Key
}

// NewKeyRing validates the configured keys and builds a ring. It fails fast:
// the exactly-one-active-key invariant is enforced at construction time, not
// checked at verification time.
func NewKeyRing(keys []Key) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, &RotationError{Reason: "no keys configured"}
	}

	ring := &KeyRing{byKID: make(map[string]Key, len(keys))}
	activeCount := 0
	for _, k := range keys {
		k.KID = strings.TrimSpace(k.KID)
		k.Secret = strings.TrimSpace(k.Secret)
		if k.KID == "" {
			return nil, &RotationError{Reason: "empty kid"}
		}
		if len(k.Secret) < minSecretLen {
			return nil, &RotationError{Reason: fmt.Sprintf("secret for kid %q shorter than %d chars", k.KID, minSecretLen)}
		}
		if _, dup := ring.byKID[k.KID]; dup {
			return nil, &RotationError{Reason: fmt.Sprintf("duplicate kid %q", k.KID)}
		}
		switch k.State {
		case KeyActive:
			activeCount++
			ring.active = k
		case KeyRetired:
		default:
			return nil, &RotationError{Reason: fmt.Sprintf("unknown state %q for kid %q", k.State, k.KID)}
		}
		ring.byKID[k.KID] = k
		ring.keys = append(ring.keys, k)
	}
	if activeCount != 1 {
		return nil, &RotationError{Reason: fmt.Sprintf("expected exactly one active key, got %d", activeCount)}
	}

	return ring, nil
}

// Active returns the key used for issuing new tokens.
func (r *KeyRing) Active() Key { return r.active }

// Lookup finds a key by kid, active or retired.
func (r *KeyRing) Lookup(kid string) (Key, bool) {
	k, ok := r.byKID[kid]
	return k, ok
}

// Rotate demotes the current active key to retired and inserts the new key as
// active, producing a new immutable ring. The previous ring is unchanged.
func (r *KeyRing) Rotate(newKID, newSecret string) (*KeyRing, error) {
	newKID = strings.TrimSpace(newKID)
	if newKID == r.active.KID {
		return nil, &RotationError{Reason: "duplicate-active"}
	}

	keys := make([]Key, 0, len(r.keys)+1)
	for _, k := range r.keys {
		if k.State == KeyActive {
			k.State = KeyRetired
		}
		keys = append(keys, k)
	}
	keys = append(keys, Key{KID: newKID, Secret: newSecret, State: KeyActive})

	return NewKeyRing(keys)
}
