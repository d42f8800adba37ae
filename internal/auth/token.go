package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenKind distinguishes the two issued lifetimes.
type TokenKind string

const (
	TokenAccess   TokenKind = "access"
	TokenRemember TokenKind = "remember"
)

type tokenClaims struct {
	Kind TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and validates signed bearer tokens. The signing key is
// process-wide; tokens are stateless and carry only the principal id and
// their validity window.
type TokenIssuer struct {
	secret      []byte
	accessTTL   time.Duration
	rememberTTL time.Duration
}

// NewTokenIssuer creates a token issuer with the given signing key and
// lifetimes.
func NewTokenIssuer(secret string, accessTTL, rememberTTL time.Duration) *TokenIssuer {
	if accessTTL <= 0 {
		accessTTL = 2 * time.Hour
	}
	if rememberTTL <= 0 {
		rememberTTL = 30 * 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), accessTTL: accessTTL, rememberTTL: rememberTTL}
}

// Mint issues a signed token for the principal. remember selects the long
// lifetime; the two kinds differ only in expiry.
func (t *TokenIssuer) Mint(p *Principal, remember bool) (string, error) {
	kind, ttl := TokenAccess, t.accessTTL
	if remember {
		kind, ttl = TokenRemember, t.rememberTTL
	}
	now := time.Now().UTC()
	claims := tokenClaims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse validates a bearer token and returns the principal id it names.
// Expired or tampered tokens fail.
func (t *TokenIssuer) Parse(raw string) (int64, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("token subject: %w", err)
	}
	return id, nil
}
