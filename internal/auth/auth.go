// Package auth implements login, bearer-token issuing, and validation.
// Tokens are HS256-signed with the controller's token secret and carry
// the user's roles and resolved permissions; REST middleware checks
// them as guards before service invocation.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"cloudpasture.io/corral/internal/domain"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/store"
)

// Claims are the token claims.
type Claims struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Authenticator issues and validates bearer tokens.
type Authenticator struct {
	st          *store.Store
	signingKey  []byte
	tokenTTL    time.Duration
	agentSecret string
}

// New creates an Authenticator.
func New(st *store.Store, signingKey []byte, tokenTTL time.Duration, agentSecret string) *Authenticator {
	return &Authenticator{
		st:          st,
		signingKey:  signingKey,
		tokenTTL:    tokenTTL,
		agentSecret: agentSecret,
	}
}

// Login verifies credentials and issues a token with a fixed expiry.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, time.Time, *domain.User, error) {
	user, err := a.st.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", time.Time{}, nil, apperrors.Unauthorized(
				apperrors.CodeUnauthorized, "invalid username or password")
		}
		return "", time.Time{}, nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", time.Time{}, nil, apperrors.Unauthorized(
			apperrors.CodeUnauthorized, "invalid username or password")
	}

	perms, err := a.st.PermissionsForRoles(ctx, user.Roles)
	if err != nil {
		return "", time.Time{}, nil, err
	}

	token, expiresAt, err := a.generateToken(user, perms)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	return token, expiresAt, user, nil
}

func (a *Authenticator) generateToken(user *domain.User, perms []string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(a.tokenTTL)

	claims := Claims{
		UserID:      user.ID,
		Username:    user.Username,
		Roles:       user.Roles,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "corral",
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses and verifies a bearer token.
func (a *Authenticator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.Unauthorized(apperrors.CodeTokenExpired, "token expired")
		}
		return nil, apperrors.Unauthorized(apperrors.CodeUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperrors.Unauthorized(apperrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// ValidateAgentSecret checks the shared secret an agent presents at
// registration. RPC auth is deliberately separate from user tokens.
func (a *Authenticator) ValidateAgentSecret(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(secret), []byte(a.agentSecret)) == 1
}

// SeedAdmin installs default roles and the initial admin user.
func (a *Authenticator) SeedAdmin(ctx context.Context, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return a.st.SeedDefaults(ctx, string(hash))
}
