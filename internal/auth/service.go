package auth

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Service implements registration, authentication and profile updates on
// top of the principal store. Wrong credentials are reported as absence,
// never as a distinguishable error.
type Service struct {
	store     *PrincipalStore
	audit     *Audit
	cost      int
	minLength int
}

// NewService creates the credential service. audit may be nil, in which
// case no security events are emitted by the service itself.
func NewService(store *PrincipalStore, audit *Audit, bcryptCost, minPasswordLength int) *Service {
	if bcryptCost < bcrypt.MinCost {
		bcryptCost = bcrypt.DefaultCost
	}
	if minPasswordLength < 8 {
		minPasswordLength = 8
	}
	return &Service{store: store, audit: audit, cost: bcryptCost, minLength: minPasswordLength}
}

// HashPassword produces a self-describing bcrypt hash at the configured cost.
func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored hash. bcrypt's
// comparison is constant-time with respect to the hash.
func (s *Service) VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CheckPasswordPolicy validates a candidate password against the minimum
// length and the weak-password blocklist.
func (s *Service) CheckPasswordPolicy(password string) error {
	if len(password) < s.minLength {
		return fmt.Errorf("%w: shorter than %d characters", ErrWeakPassword, s.minLength)
	}
	if _, weak := weakPasswords[strings.ToLower(password)]; weak {
		return fmt.Errorf("%w: too common", ErrWeakPassword)
	}
	return nil
}

// Register creates a new active principal. Fails with ErrEmailTaken or
// ErrWeakPassword.
func (s *Service) Register(name, email, password string) (*Principal, error) {
	if err := s.CheckPasswordPolicy(password); err != nil {
		return nil, err
	}
	hash, err := s.HashPassword(password)
	if err != nil {
		return nil, err
	}
	p, err := s.store.Create(name, email, hash)
	if err != nil {
		return nil, err
	}
	s.audit.Log(Event{Kind: EventRegister, PrincipalID: &p.ID, Subject: p.Email, Success: true})
	return p, nil
}

// Authenticate returns the principal for a valid email/password pair, or
// nil for unknown email, wrong password or an inactive account. A
// login_failed event is written before any failed return.
func (s *Service) Authenticate(email, password string, meta EventMeta) (*Principal, error) {
	p, err := s.store.GetByEmail(email)
	if err != nil {
		return nil, err
	}
	if p == nil || !s.VerifyPassword(p.PasswordHash, password) || !p.IsActive {
		ev := Event{Kind: EventLoginFailed, Subject: strings.ToLower(strings.TrimSpace(email)), Success: false, ClientKey: meta.ClientKey, UserAgent: meta.UserAgent}
		if p != nil {
			ev.PrincipalID = &p.ID
		}
		s.audit.Log(ev)
		return nil, nil
	}
	s.audit.Log(Event{Kind: EventLoginSuccess, PrincipalID: &p.ID, Subject: p.Email, Success: true, ClientKey: meta.ClientKey, UserAgent: meta.UserAgent})
	return p, nil
}

// ProfileUpdate carries the optional fields of an UpdateProfile call.
// Changing the password requires CurrentPassword to verify first.
type ProfileUpdate struct {
	Name            string
	Email           string
	CurrentPassword string
	NewPassword     string
}

// UpdateProfile applies the requested changes to a principal. Email changes
// keep the uniqueness invariant; password changes re-verify the current
// password and re-hash.
func (s *Service) UpdateProfile(id int64, upd ProfileUpdate, meta EventMeta) (*Principal, error) {
	p, err := s.store.GetByID(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	if upd.NewPassword != "" {
		verified, err := s.Authenticate(p.Email, upd.CurrentPassword, meta)
		if err != nil {
			return nil, err
		}
		if verified == nil {
			return nil, fmt.Errorf("current password verification failed")
		}
		if err := s.CheckPasswordPolicy(upd.NewPassword); err != nil {
			return nil, err
		}
		hash, err := s.HashPassword(upd.NewPassword)
		if err != nil {
			return nil, err
		}
		p.PasswordHash = hash
		s.audit.Log(Event{Kind: EventPasswordChange, PrincipalID: &p.ID, Subject: p.Email, Success: true, ClientKey: meta.ClientKey, UserAgent: meta.UserAgent})
	}
	if upd.Name != "" {
		p.Name = upd.Name
	}
	if upd.Email != "" {
		p.Email = upd.Email
	}
	if err := s.store.Update(p); err != nil {
		return nil, err
	}
	s.audit.Log(Event{Kind: EventProfileUpdate, PrincipalID: &p.ID, Subject: p.Email, Success: true, ClientKey: meta.ClientKey, UserAgent: meta.UserAgent})
	return p, nil
}

// GetPrincipal returns the principal with the given id, or ErrNotFound.
func (s *Service) GetPrincipal(id int64) (*Principal, error) {
	p, err := s.store.GetByID(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}
