// Package token issues and verifies the stateless bearer tokens handed out at sign-in.
package token

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ovaphlow/pitchfork/service-account/internal/access"
	"github.com/ovaphlow/pitchfork/service-account/internal/user/entity"
)

// TTL is the absolute lifetime of an issued token.
const TTL = 24 * time.Hour

// ErrInvalidToken covers every verification failure (malformed, forged, expired).
// Callers must not learn which one it was.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the JWT payload: sub carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Issuer signs and verifies HS256 tokens with a process-wide secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer returns an Issuer for secret. The secret is required.
func NewIssuer(secret string) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	return &Issuer{secret: []byte(secret), now: time.Now}, nil
}

// WithClock returns a copy of i that reads time from now. Used in tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	c := *i
	c.now = now
	return &c
}

// Issue creates a token for userID/role expiring TTL after issuance.
func (i *Issuer) Issue(userID int64, role entity.Role) (string, error) {
	if !role.Valid() {
		return "", errors.New("cannot issue token for invalid role")
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TTL)),
		},
		Role: role.String(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.secret)
}

// Verify checks signature, algorithm and expiry and returns the embedded actor.
func (i *Issuer) Verify(raw string) (access.Actor, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !tok.Valid {
		return access.Actor{}, ErrInvalidToken
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return access.Actor{}, ErrInvalidToken
	}
	role, err := entity.ParseRole(claims.Role)
	if err != nil {
		return access.Actor{}, ErrInvalidToken
	}
	return access.Actor{ID: id, Role: role}, nil
}
