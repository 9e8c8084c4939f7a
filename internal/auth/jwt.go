package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is how long an issued client token stays valid
const TokenTTL = 24 * time.Hour

// ErrAuthDisabled is returned by Issue when no secret is configured
var ErrAuthDisabled = errors.New("authentication is disabled")

// ClientClaims represents the claims in a UI client token
type ClientClaims struct {
	ClientName string `json:"client_name"`
	jwt.RegisteredClaims
}

// Issuer signs and validates client tokens. With an empty secret the API is
// open and every token is accepted as an anonymous client.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer for the given HS256 secret
func NewIssuer(secret string) *Issuer {
	return &Issuer{
		secret: []byte(secret),
		ttl:    TokenTTL,
		now:    time.Now,
	}
}

// Enabled reports whether tokens are required
func (i *Issuer) Enabled() bool {
	return len(i.secret) > 0
}

// Issue generates a signed token for a client
func (i *Issuer) Issue(clientName string) (string, time.Time, error) {
	if !i.Enabled() {
		return "", time.Time{}, ErrAuthDisabled
	}

	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := &ClientClaims{
		ClientName: clientName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientName,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate validates a token and returns its claims
func (i *Issuer) Validate(tokenString string) (*ClientClaims, error) {
	if !i.Enabled() {
		return &ClientClaims{ClientName: "anonymous"}, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &ClientClaims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*ClientClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}
