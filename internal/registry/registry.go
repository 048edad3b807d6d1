// Package registry owns the device lifecycle: enrollment, the owner's
// authorization decision, lookup and removal.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/harrylevesque/keybar/internal/crypto"
	"github.com/harrylevesque/keybar/internal/models"
	"github.com/harrylevesque/keybar/internal/utils"
)

// MaxNameLength bounds the free-form device label.
const MaxNameLength = 255

var (
	ErrNotFound     = errors.New("device not found")
	ErrDuplicateKey = errors.New("public key already registered")
	ErrInvalidName  = errors.New("invalid device name")
)

// Store persists devices. Insert must enforce public key uniqueness
// atomically and SetAuthorized must be a single field update.
type Store interface {
	Insert(ctx context.Context, d *models.Device) error
	SetAuthorized(ctx context.Context, id uuid.UUID, state models.Authorization) error
	SetName(ctx context.Context, id uuid.UUID, name string) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
	GetByPublicKey(ctx context.Context, publicKey string) (*models.Device, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Device, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Close() error
}

// Registry is the device service used by the API, the admin commands and
// the authenticator.
type Registry struct {
	store Store
	log   *utils.Logger
	now   func() time.Time
}

func New(store Store, log *utils.Logger) *Registry {
	if log == nil {
		log = utils.Discard()
	}
	return &Registry{store: store, log: log.With("component", "registry"), now: time.Now}
}

// Create enrolls a new device for ownerID. The key is stored in canonical
// form and the device starts out pending.
func (r *Registry) Create(ctx context.Context, ownerID uuid.UUID, publicKey, name string) (*models.Device, error) {
	canonical, err := crypto.CanonicalPublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	name, err = cleanName(name)
	if err != nil {
		return nil, err
	}

	d := &models.Device{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Name:       name,
		PublicKey:  canonical,
		Authorized: models.AuthorizationUnset,
		CreatedAt:  r.now().UTC().Truncate(time.Microsecond),
	}
	if err := r.store.Insert(ctx, d); err != nil {
		return nil, err
	}
	r.log.Info("device enrolled", "device_id", d.KeyID(), "owner_id", ownerID, "fingerprint", d.Fingerprint())
	return d, nil
}

// Authorize records the owner's explicit decision. Repeating a decision is
// a no-op.
func (r *Registry) Authorize(ctx context.Context, id uuid.UUID, decision bool) error {
	state := models.AuthorizationFromBool(decision)
	if err := r.store.SetAuthorized(ctx, id, state); err != nil {
		return err
	}
	r.log.Info("device authorization changed", "device_id", models.KeyID(id), "authorized", state.String())
	return nil
}

func (r *Registry) LookupByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	return r.store.GetByID(ctx, id)
}

// LookupByPublicKey finds the device holding the given key in any accepted
// encoding.
func (r *Registry) LookupByPublicKey(ctx context.Context, material string) (*models.Device, error) {
	canonical, err := crypto.CanonicalPublicKey(material)
	if err != nil {
		return nil, err
	}
	return r.store.GetByPublicKey(ctx, canonical)
}

func (r *Registry) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Device, error) {
	return r.store.ListByOwner(ctx, ownerID)
}

func (r *Registry) Rename(ctx context.Context, id uuid.UUID, name string) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	return r.store.SetName(ctx, id, name)
}

func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.log.Info("device deleted", "device_id", models.KeyID(id))
	return nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if !utf8.ValidString(name) || utf8.RuneCountInString(name) > MaxNameLength {
		return "", fmt.Errorf("%w: must be valid UTF-8 and at most %d characters", ErrInvalidName, MaxNameLength)
	}
	return name, nil
}
