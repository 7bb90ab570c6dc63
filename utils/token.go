package utils

import (
	"errors"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// AccessTokenClaims is the subset of the POS user token the agent inspects.
type AccessTokenClaims struct {
	Role string `json:"role"`
	jwt.StandardClaims
}

// ParseAccessTokenClaims reads claims without verifying the signature; the cloud
// verifies it. Non-JWT tokens return an error.
func ParseAccessTokenClaims(token string) (*AccessTokenClaims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, errors.New("token is empty")
	}
	claims := &AccessTokenClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// AccessTokenExpired reports whether token is empty or past its exp claim at now.
// Opaque (non-JWT) tokens are not judged here and count as unexpired.
func AccessTokenExpired(token string, now time.Time) bool {
	if strings.TrimSpace(token) == "" {
		return true
	}
	claims, err := ParseAccessTokenClaims(token)
	if err != nil {
		return false
	}
	if claims.ExpiresAt == 0 {
		return false
	}
	return now.Unix() >= claims.ExpiresAt
}
