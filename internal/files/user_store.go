package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrylevesque/keybar/internal/crypto"
	"github.com/harrylevesque/keybar/internal/models"
	"github.com/harrylevesque/keybar/internal/utils"
)

const userFileExt = ".json.enc"

var (
	ErrUserNotFound = models.ErrUserNotFound
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidEmail = errors.New("invalid email address")
)

// UserStore keeps users as encrypted JSON files, one per user, named
// <id>.json.enc. Each file is sealed with a key derived from the master key
// and the user id. All files are decrypted once at open and served from
// memory afterwards.
type UserStore struct {
	dir        string
	masterKey  []byte
	iterations int
	log        *utils.Logger
	now        func() time.Time

	mu      sync.RWMutex
	byID    map[uuid.UUID]*models.User
	byEmail map[string]uuid.UUID
}

// OpenUserStore loads every user file in dir, creating dir if needed.
func OpenUserStore(dir string, masterKey []byte, iterations int, log *utils.Logger) (*UserStore, error) {
	if len(masterKey) != MasterKeySize {
		return nil, crypto.ErrInvalidKeyLength
	}
	if iterations < crypto.MinKDFIterations {
		return nil, fmt.Errorf("kdf iterations must be at least %d", crypto.MinKDFIterations)
	}
	if log == nil {
		log = utils.Discard()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	s := &UserStore{
		dir:        dir,
		masterKey:  masterKey,
		iterations: iterations,
		log:        log.With("component", "users"),
		now:        time.Now,
		byID:       make(map[uuid.UUID]*models.User),
		byEmail:    make(map[string]uuid.UUID),
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*"+userFileExt))
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		u, err := s.readUserFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		s.byID[u.ID] = u
		s.byEmail[u.Email] = u.ID
	}
	s.log.Info("user store opened", "dir", dir, "users", len(s.byID))
	return s, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return email, nil
}

// Create adds an active user. Emails are unique, case-insensitively.
func (s *UserStore) Create(ctx context.Context, email, name string) (*models.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, email)
	}
	u := &models.User{
		ID:         uuid.New(),
		Email:      email,
		Name:       strings.TrimSpace(name),
		IsActive:   true,
		DateJoined: s.now().UTC().Truncate(time.Second),
	}
	if err := s.writeUserFile(u); err != nil {
		return nil, err
	}
	s.byID[u.ID] = u
	s.byEmail[email] = u.ID
	s.log.Info("user created", "user_id", u.ID, "email", email)
	cp := *u
	return &cp, nil
}

// SetActive enables or disables a user. Devices of an inactive user fail
// authentication.
func (s *UserStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.update(id, func(u *models.User) { u.IsActive = active })
}

// SetSuperuser grants or drops the right to manage every user's devices.
func (s *UserStore) SetSuperuser(ctx context.Context, id uuid.UUID, superuser bool) error {
	return s.update(id, func(u *models.User) { u.IsSuperuser = superuser })
}

func (s *UserStore) update(id uuid.UUID, fn func(*models.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	next := *u
	fn(&next)
	if err := s.writeUserFile(&next); err != nil {
		return err
	}
	s.byID[id] = &next
	s.log.Info("user updated", "user_id", id, "active", next.IsActive, "superuser", next.IsSuperuser)
	return nil
}

// LookupUser returns the user with the given id.
func (s *UserStore) LookupUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// LookupByEmail returns the user registered under email.
func (s *UserStore) LookupByEmail(ctx context.Context, email string) (*models.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrUserNotFound
	}
	s.mu.RLock()
	id, ok := s.byEmail[email]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return s.LookupUser(ctx, id)
}

// List returns all users ordered by join date, then email.
func (s *UserStore) List(ctx context.Context) []*models.User {
	s.mu.RLock()
	out := make([]*models.User, 0, len(s.byID))
	for _, u := range s.byID {
		cp := *u
		out = append(out, &cp)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DateJoined.Equal(out[j].DateJoined) {
			return out[i].DateJoined.Before(out[j].DateJoined)
		}
		return out[i].Email < out[j].Email
	})
	return out
}

func (s *UserStore) path(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+userFileExt)
}

// writeUserFile seals u and replaces its file atomically.
func (s *UserStore) writeUserFile(u *models.User) error {
	plain, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return err
	}
	enc, err := crypto.Encrypt(plain, s.masterKey, u.ID[:], s.iterations)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".user-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(enc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(u.ID))
}

func (s *UserStore) readUserFile(path string) (*models.User, error) {
	id, err := uuid.Parse(strings.TrimSuffix(filepath.Base(path), userFileExt))
	if err != nil {
		return nil, fmt.Errorf("unexpected user file name: %w", err)
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.Decrypt(blob, s.masterKey, id[:], s.iterations)
	if err != nil {
		return nil, err
	}
	var u models.User
	if err := json.Unmarshal(plain, &u); err != nil {
		return nil, err
	}
	if u.ID != id {
		return nil, fmt.Errorf("user file %s holds id %s", id, u.ID)
	}
	return &u, nil
}
