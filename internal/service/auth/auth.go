package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid credential")

// Principal identifies the authenticated user behind a credential.
type Principal struct {
	UserID string
}

// Verifier resolves a bearer credential to a principal. It is consulted
// once per connection handshake; credentials are not re-checked for the
// lifetime of a connection.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// JWTVerifier validates HMAC-signed bearer tokens carrying the user id
// in the subject claim.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier builds a verifier around a shared HMAC secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token, returning the principal.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrInvalidToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: subject}, nil
}

// Issue signs a token for the user, used by development tooling and tests.
func (v *JWTVerifier) Issue(userID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
