package models

import (
	gocrypto "crypto"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harrylevesque/keybar/internal/crypto"
)

// Authorization is the owner's decision about a device.
type Authorization uint8

const (
	// AuthorizationUnset means the owner has not decided yet.
	AuthorizationUnset Authorization = iota
	// AuthorizationRevoked means the owner explicitly denied the device.
	AuthorizationRevoked
	// AuthorizationGranted is the only state that lets a device authenticate.
	AuthorizationGranted
)

// AuthorizationFromBool maps an explicit owner decision onto the enum.
func AuthorizationFromBool(decision bool) Authorization {
	if decision {
		return AuthorizationGranted
	}
	return AuthorizationRevoked
}

func (a Authorization) String() string {
	switch a {
	case AuthorizationUnset:
		return "unset"
	case AuthorizationRevoked:
		return "false"
	case AuthorizationGranted:
		return "true"
	default:
		return fmt.Sprintf("Authorization(%d)", uint8(a))
	}
}

// MarshalText renders the state as "unset", "false" or "true".
func (a Authorization) MarshalText() ([]byte, error) {
	switch a {
	case AuthorizationUnset, AuthorizationRevoked, AuthorizationGranted:
		return []byte(a.String()), nil
	default:
		return nil, fmt.Errorf("invalid authorization state %d", uint8(a))
	}
}

func (a *Authorization) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unset", "":
		*a = AuthorizationUnset
	case "false":
		*a = AuthorizationRevoked
	case "true":
		*a = AuthorizationGranted
	default:
		return fmt.Errorf("invalid authorization state %q", string(b))
	}
	return nil
}

// Device is a registered public key bound to a user. Its ID doubles as the
// key-id clients send with every signed request.
type Device struct {
	ID         uuid.UUID     `json:"id"`
	OwnerID    uuid.UUID     `json:"owner_id"`
	Name       string        `json:"name"`
	PublicKey  string        `json:"public_key"`
	Authorized Authorization `json:"authorized"`
	CreatedAt  time.Time     `json:"created_at"`
}

// KeyID is the wire form of the device id: 32 lowercase hex characters.
func (d *Device) KeyID() string { return KeyID(d.ID) }

// IsAuthorized reports whether the owner granted access.
func (d *Device) IsAuthorized() bool { return d.Authorized == AuthorizationGranted }

// Fingerprint is a short digest of the public key for out-of-band comparison.
func (d *Device) Fingerprint() string { return crypto.Fingerprint(d.PublicKey) }

// LoadedPublicKey parses the stored key material.
func (d *Device) LoadedPublicKey() (gocrypto.PublicKey, error) {
	return crypto.LoadPublicKey(d.PublicKey)
}

// KeyID formats a device id the way it travels in X-Device-Id.
func KeyID(id uuid.UUID) string { return hex.EncodeToString(id[:]) }

// ParseKeyID accepts only the 32 character hex form.
func ParseKeyID(s string) (uuid.UUID, error) {
	if len(s) != 32 {
		return uuid.Nil, fmt.Errorf("key id must be 32 hex characters, got %d", len(s))
	}
	var id uuid.UUID
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return uuid.Nil, fmt.Errorf("key id: %w", err)
	}
	return id, nil
}
