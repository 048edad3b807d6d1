package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUserNotFound is returned by user lookups for an unknown id or email.
var ErrUserNotFound = errors.New("user not found")

// User owns devices. The core only needs a stable id, an email handle and
// the capability flags.
type User struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name,omitempty"`
	IsActive    bool      `json:"is_active"`
	IsSuperuser bool      `json:"is_superuser"`
	DateJoined  time.Time `json:"date_joined"`
}

// DisplayName returns the user's name, falling back to the email.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

func (u *User) String() string { return u.Email }
