package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the access token payload issued by the store backend.
type Claims struct {
	UserID  string   `json:"user_id"`
	Email   string   `json:"email,omitempty"`
	Role    string   `json:"role,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	IsAdmin bool     `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// DeriveRole picks the effective role from the claims: an explicit role
// claim wins, then a roles list, then the is_admin flag.
func DeriveRole(c *Claims) Role {
	switch strings.ToLower(strings.TrimSpace(c.Role)) {
	case string(RoleAdmin):
		return RoleAdmin
	case string(RoleCustomer):
		return RoleCustomer
	}
	for _, r := range c.Roles {
		if strings.EqualFold(r, string(RoleAdmin)) {
			return RoleAdmin
		}
	}
	if c.IsAdmin {
		return RoleAdmin
	}
	return RoleCustomer
}

// ParseToken turns a bearer token into a Session. With an empty secret the
// signature is not checked, which is what a browser holding the token can
// do; the cart API verifies it again on every call.
func ParseToken(token, secret string) (*Session, error) {
	claims := &Claims{}
	if secret == "" {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
			return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
		}
	} else {
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}

	s := &Session{
		UserID: userID,
		Email:  claims.Email,
		Role:   DeriveRole(claims),
		Token:  token,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// IssueToken signs an HS256 access token for userID valid for ttl.
func IssueToken(secret, userID, email string, role Role, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		Email:  email,
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
