package auth

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PrincipalStore persists principals in the shared database.
type PrincipalStore struct {
	db *sql.DB
}

// NewPrincipalStore creates a store backed by the given database.
func NewPrincipalStore(db *sql.DB) *PrincipalStore {
	return &PrincipalStore{db: db}
}

// Create inserts a new principal. Emails are stored case-folded; a
// collision returns ErrEmailTaken.
func (s *PrincipalStore) Create(name, email, passwordHash string) (*Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO principals (name, email, password_hash, is_active, created_at) VALUES (?, ?, ?, 1, ?)`,
		name, email, passwordHash, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert principal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("principal id: %w", err)
	}
	return &Principal{ID: id, Name: name, Email: email, IsActive: true, CreatedAt: now, PasswordHash: passwordHash}, nil
}

// GetByEmail returns the principal for the case-folded email, or nil when
// no such principal exists.
func (s *PrincipalStore) GetByEmail(email string) (*Principal, error) {
	return s.scanOne(s.db.QueryRow(
		`SELECT id, name, email, password_hash, is_active, created_at FROM principals WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)),
	))
}

// GetByID returns the principal with the given id, or nil when missing.
func (s *PrincipalStore) GetByID(id int64) (*Principal, error) {
	return s.scanOne(s.db.QueryRow(
		`SELECT id, name, email, password_hash, is_active, created_at FROM principals WHERE id = ?`, id,
	))
}

// Update rewrites the mutable fields of an existing principal.
func (s *PrincipalStore) Update(p *Principal) error {
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	_, err := s.db.Exec(
		`UPDATE principals SET name = ?, email = ?, password_hash = ?, is_active = ? WHERE id = ?`,
		p.Name, p.Email, p.PasswordHash, p.IsActive, p.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("update principal: %w", err)
	}
	return nil
}

func (s *PrincipalStore) scanOne(row *sql.Row) (*Principal, error) {
	var p Principal
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.PasswordHash, &p.IsActive, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	return &p, nil
}

// Both sqlite drivers report constraint failures as plain errors; matching
// the message keeps the store portable across them.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
