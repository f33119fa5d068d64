package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tas-knowledge-base/config"
)

// Claims are the claims carried by an HMAC-signed service token.
type Claims struct {
	Service string   `json:"service"`
	Scopes  []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates admin credentials for the HTTP surface. Two forms
// are accepted: the static X-API-KEY header, and Bearer service tokens signed
// with the shared HMAC secret (for machine-to-machine callers that should not
// hold the root key).
type Authenticator struct {
	apiKey      []byte
	tokenSecret []byte
	tokenTTL    time.Duration
}

func NewAuthenticator(cfg *config.AuthConfig) *Authenticator {
	return &Authenticator{
		apiKey:      []byte(cfg.APIKey),
		tokenSecret: []byte(cfg.TokenSecret),
		tokenTTL:    time.Duration(cfg.TokenTTLHours) * time.Hour,
	}
}

// CheckAPIKey reports whether the presented key matches. Comparison is
// constant time.
func (a *Authenticator) CheckAPIKey(presented string) bool {
	if len(a.apiKey) == 0 || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare(a.apiKey, []byte(presented)) == 1
}

// IssueServiceToken mints an HMAC-signed token for a named caller.
func (a *Authenticator) IssueServiceToken(service string, scopes []string) (string, error) {
	if len(a.tokenSecret) == 0 {
		return "", errors.New("service tokens are not configured")
	}
	if service == "" {
		return "", errors.New("service name is required")
	}

	now := time.Now()
	claims := Claims{
		Service: service,
		Scopes:  scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   service,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.tokenSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a Bearer token string and returns its claims.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	if len(a.tokenSecret) == 0 {
		return nil, errors.New("service tokens are not configured")
	}

	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.tokenSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Service == "" {
		return nil, errors.New("token missing service claim")
	}

	return claims, nil
}
