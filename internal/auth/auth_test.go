package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudpasture.io/corral/internal/domain"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/store"
)

func newAuthenticator(t *testing.T, ttl time.Duration) *Authenticator {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	a := New(st, []byte(strings.Repeat("s", 32)), ttl, "agent-secret")
	require.NoError(t, a.SeedAdmin(context.Background(), "correct-horse"))
	return a
}

func TestLoginAndValidate(t *testing.T) {
	a := newAuthenticator(t, time.Hour)

	token, expiresAt, user, err := a.Login(context.Background(), "admin", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := a.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Contains(t, claims.Permissions, domain.PermAdmin)
}

func TestLoginWrongPassword(t *testing.T) {
	a := newAuthenticator(t, time.Hour)

	_, _, _, err := a.Login(context.Background(), "admin", "wrong")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeUnauthorized, appErr.Code)
}

func TestLoginUnknownUser(t *testing.T) {
	a := newAuthenticator(t, time.Hour)

	_, _, _, err := a.Login(context.Background(), "ghost", "whatever")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	// Unknown user and wrong password are indistinguishable.
	assert.Equal(t, apperrors.CodeUnauthorized, appErr.Code)
}

func TestValidateExpiredToken(t *testing.T) {
	a := newAuthenticator(t, -time.Minute)

	token, _, _, err := a.Login(context.Background(), "admin", "correct-horse")
	require.NoError(t, err)

	_, err = a.Validate(token)
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeTokenExpired, appErr.Code)
}

func TestValidateGarbageToken(t *testing.T) {
	a := newAuthenticator(t, time.Hour)
	_, err := a.Validate("not.a.token")
	assert.Error(t, err)
}

func TestValidateAgentSecret(t *testing.T) {
	a := newAuthenticator(t, time.Hour)
	assert.True(t, a.ValidateAgentSecret("agent-secret"))
	assert.False(t, a.ValidateAgentSecret("wrong"))
	assert.False(t, a.ValidateAgentSecret(""))
}
