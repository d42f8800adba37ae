// Package auth implements the credential and token service, the login
// attempt limiter and the security audit log.
package auth

import (
	"errors"
	"time"
)

// Principal is an authenticated account. PasswordHash never leaves the
// process; it is excluded from every serialised form.
type Principal struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

var (
	// ErrEmailTaken is returned by Register and UpdateProfile when the
	// case-folded email already belongs to another principal.
	ErrEmailTaken = errors.New("email already registered")
	// ErrWeakPassword is returned when a password is too short or matches
	// the common-password blocklist.
	ErrWeakPassword = errors.New("password does not meet minimum requirements")
	// ErrRateLimited is returned by the limiter when a client key has
	// exhausted its attempts inside the window.
	ErrRateLimited = errors.New("too many attempts, try again later")
	// ErrNotFound is returned when a principal lookup by id misses.
	ErrNotFound = errors.New("principal not found")
)

// Passwords rejected regardless of length. Kept deliberately small; the
// length check does most of the work.
var weakPasswords = map[string]struct{}{
	"password":   {},
	"password1":  {},
	"12345678":   {},
	"123456789":  {},
	"qwerty123":  {},
	"letmein123": {},
	"iloveyou1":  {},
	"admin1234":  {},
}
