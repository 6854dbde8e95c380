// Package auth issues login tokens for accounts created by the claim flow.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clinicore/patient-claiming/internal/claiming"
)

// JWTIssuer signs HMAC session tokens. It is the in-process default for the
// claiming service's auth collaborator; deployments fronted by a dedicated
// auth service swap in their own implementation.
type JWTIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTIssuer builds an issuer with the given signing secret and token TTL.
func NewJWTIssuer(secret string, ttl time.Duration) (*JWTIssuer, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

var _ claiming.SessionIssuer = (*JWTIssuer)(nil)

// IssueSession returns a signed token for the freshly linked account.
func (i *JWTIssuer) IssueSession(_ context.Context, account *claiming.UserAccount) (string, error) {
	if account == nil || account.ID == "" {
		return "", errors.New("auth: account required")
	}
	issuedAt := i.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   account.ID,
		Issuer:    "clinicore",
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(i.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign session token: %w", err)
	}
	return signed, nil
}
