package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_TOKEN_SECRET", strings.Repeat("x", 32))
	t.Setenv("DATABASE_URL", "corral-test.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "corral-test.db", cfg.Database.URL)
	assert.Equal(t, "sqlite", cfg.Database.Driver())
	assert.Equal(t, "24h0m0s", cfg.Auth.TokenTTL.String())
	assert.Equal(t, "30s", cfg.RPC.RequestTimeout.String())
	assert.Equal(t, "1m30s", cfg.RPC.OfflineAfter.String())
	assert.Equal(t, "1m0s", cfg.Reconciler.Interval.String())
	assert.Equal(t, 3, cfg.Reconciler.MaxRetries)
	assert.NotEmpty(t, cfg.Auth.AgentSecret)
}

func TestDatabaseDriverSelection(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"postgres://u:p@localhost/corral", "pgx"},
		{"postgresql://u:p@localhost/corral", "pgx"},
		{"corral.db", "sqlite"},
		{"/var/lib/corral/corral.db", "sqlite"},
	}
	for _, tt := range tests {
		cfg := DatabaseConfig{URL: tt.url}
		assert.Equal(t, tt.want, cfg.Driver(), tt.url)
	}
}

func TestValidateRejectsShortSecret(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.TokenSecret = "short"
	cfg.Database.URL = "x.db"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsHeartbeatInversion(t *testing.T) {
	t.Setenv("AUTH_TOKEN_SECRET", strings.Repeat("x", 32))
	t.Setenv("DATABASE_URL", "corral-test.db")
	t.Setenv("RPC_OFFLINE_AFTER", "10s")
	t.Setenv("RPC_HEARTBEAT_INTERVAL", "30s")

	_, err := Load()
	assert.Error(t, err)
}
