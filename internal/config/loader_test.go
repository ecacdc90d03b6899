package config

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, "memory", cfg.Cache.Backend)
				require.Equal(t, 600, cfg.Cache.TTLSeconds)
				require.Equal(t, "./queries", cfg.Queries.Dir)
				require.False(t, cfg.Cache.Guard.Enabled)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				content := "server:\n  listen:\n    port: 9090\ncache:\n  ttlSeconds: 120\n  privateActions:\n    - myChallenges\n"
				require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 120, cfg.Cache.TTLSeconds)
				require.Equal(t, []string{"myChallenges"}, cfg.Cache.PrivateActions)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("APICORE_SERVER__LISTEN__PORT", "9091")
				t.Setenv("APICORE_CACHE__GUARD__ENABLED", "true")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.True(t, cfg.Cache.Guard.Enabled)
			},
		},
		{
			name: "loads json files",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.json")
				require.NoError(t, os.WriteFile(path, []byte(`{"auth":{"clientId":"cid"}}`), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "cid", cfg.Auth.ClientID)
			},
		},
		{
			name: "rejects unknown cache backend",
			setup: func(t *testing.T) []string {
				t.Setenv("APICORE_CACHE__BACKEND", "memcached")
				return nil
			},
			wantErr: true,
		},
		{
			name: "redis backend requires an address",
			setup: func(t *testing.T) []string {
				t.Setenv("APICORE_CACHE__BACKEND", "redis")
				return nil
			},
			wantErr: true,
		},
		{
			name: "missing file fails",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "absent.yaml")}
			},
			wantErr: true,
		},
		{
			name: "default database must be configured when databases exist",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				content := "databases:\n  warehouse:\n    host: db.local\n    name: wh\n"
				require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			cfg, err := NewLoader("APICORE", files...).Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}

func TestAuthSecretBytes(t *testing.T) {
	secret := []byte("signing-secret")
	auth := AuthConfig{ClientSecret: base64.StdEncoding.EncodeToString(secret)}
	decoded, err := auth.SecretBytes()
	require.NoError(t, err)
	require.Equal(t, secret, decoded)

	_, err = AuthConfig{}.SecretBytes()
	require.Error(t, err)

	_, err = AuthConfig{ClientSecret: "not base64 !!"}.SecretBytes()
	require.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	db := DatabaseConfig{Host: "db.local", User: "api", Password: "pw", Name: "core", MaxConns: 8}
	require.Equal(t, "host=db.local port=5432 dbname=core user=api password=pw pool_max_conns=8", db.DSN())
}
