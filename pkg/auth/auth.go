// Package auth holds the narrow identity collaborators: bearer-token
// resolution and credential checking for login endpoints.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/txn2/gatehouse/pkg/endpoint"
)

var ErrBadCredentials = errors.New("invalid login or password")

// JWTResolver verifies HS256 bearer tokens and turns their claims into
// an identity.
type JWTResolver struct {
	SigningKey []byte
	Issuer     string
}

// Resolve verifies the Authorization header value ("Bearer <token>")
// and extracts the identity. Verification failures map onto
// endpoint.ErrUnauthenticated so dispatchers render them uniformly.
func (r *JWTResolver) Resolve(authorization string) (endpoint.Identity, error) {
	raw, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return endpoint.Identity{}, endpoint.ErrUnauthenticated
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.SigningKey, nil
	})
	if err != nil || !token.Valid {
		return endpoint.Identity{}, endpoint.ErrUnauthenticated
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return endpoint.Identity{}, endpoint.ErrUnauthenticated
	}
	if r.Issuer != "" {
		iss, _ := claims["iss"].(string)
		if iss != r.Issuer {
			return endpoint.Identity{}, fmt.Errorf("%w: wrong issuer", endpoint.ErrForbidden)
		}
	}

	uid, ok := claims["uid"].(float64)
	if !ok {
		return endpoint.Identity{}, endpoint.ErrUnauthenticated
	}
	login, _ := claims["login"].(string)
	return endpoint.Identity{UserID: int64(uid), Login: login}, nil
}

// CredentialChecker compares a submitted password against stored
// bcrypt hashes.
type CredentialChecker struct{}

// Check returns ErrBadCredentials when the password does not match the
// hash. The error is deliberately the same for unknown-user probes.
func (CredentialChecker) Check(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}

// Hash produces a bcrypt hash for storage.
func (CredentialChecker) Hash(password string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(out), nil
}
