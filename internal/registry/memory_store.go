package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/harrylevesque/keybar/internal/models"
)

// MemoryStore keeps devices in process memory. Every read returns a copy.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*models.Device
	byKey map[string]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[uuid.UUID]*models.Device),
		byKey: make(map[string]uuid.UUID),
	}
}

func (m *MemoryStore) Insert(_ context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[d.PublicKey]; ok {
		return ErrDuplicateKey
	}
	if _, ok := m.byID[d.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *d
	m.byID[d.ID] = &cp
	m.byKey[d.PublicKey] = d.ID
	return nil
}

func (m *MemoryStore) SetAuthorized(_ context.Context, id uuid.UUID, state models.Authorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	d.Authorized = state
	return nil
}

func (m *MemoryStore) SetName(_ context.Context, id uuid.UUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	d.Name = name
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetByPublicKey(_ context.Context, publicKey string) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[publicKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]*models.Device, error) {
	m.mu.RLock()
	out := make([]*models.Device, 0)
	for _, d := range m.byID {
		if d.OwnerID == ownerID {
			cp := *d
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()
	sortDevices(out)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byKey, d.PublicKey)
	delete(m.byID, id)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// sortDevices orders by creation time, then id, matching the SQL store.
func sortDevices(ds []*models.Device) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].ID.String() < ds[j].ID.String()
	})
}
