package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("STORAGE_DIR", filepath.Join(dir, "files"))
	t.Setenv("CHUNK_DIR", filepath.Join(dir, "chunks"))
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.EqualValues(t, 5<<20, cfg.DefaultChunkSize)
	assert.EqualValues(t, 10<<20, cfg.MaxChunkSize)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, "owner", cfg.DedupScope)
	assert.False(t, cfg.VerifyChunksOnMerge)
	assert.True(t, cfg.PipelineVerifyChecksum)
	assert.Equal(t, 7*24*time.Hour, cfg.DeletedRetention)
	assert.Equal(t, map[string]string{"dev-api-key-123456": "dev-user"}, cfg.APIKeys)
	assert.DirExists(t, cfg.ChunkDir)
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHUNK_SIZE_DEFAULT", "1MiB")
	t.Setenv("CHUNK_SIZE_MAX", "8 MB")
	t.Setenv("UPLOAD_SESSION_TTL", "2h")
	t.Setenv("API_KEYS", "alice:key-a, key-b")
	t.Setenv("DEDUP_SCOPE", "global")
	t.Setenv("VERIFY_CHUNKS_ON_MERGE", "yes")
	t.Setenv("SCANNER_MOCK_SIGNATURES", "BADBYTES,EVIL")

	cfg, err := Load()
	require.NoError(t, err)

	assert.EqualValues(t, 1<<20, cfg.DefaultChunkSize)
	assert.EqualValues(t, 8<<20, cfg.MaxChunkSize)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
	assert.Equal(t, map[string]string{"key-a": "alice", "key-b": "key-b"}, cfg.APIKeys)
	assert.Equal(t, "global", cfg.DedupScope)
	assert.True(t, cfg.VerifyChunksOnMerge)
	assert.Equal(t, []string{"BADBYTES", "EVIL"}, cfg.ScannerSignatures)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"bad int":         {"UPLOAD_MAX_CHUNKS", "many"},
		"bad size":        {"CHUNK_SIZE_MAX", "10 parsecs"},
		"bad duration":    {"SCAN_TIMEOUT", "soon"},
		"bad dedup scope": {"DEDUP_SCOPE", "tenant"},
		"bad auth mode":   {"AUTH_MODE", "oauth"},
		"bad scanner":     {"SCANNER_DRIVER", "sophos"},
		"bad api key":     {"API_KEYS", ":orphan"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidateChunkSizes(t *testing.T) {
	cfg := &Config{DefaultChunkSize: 20 << 20, MaxChunkSize: 10 << 20, DedupScope: "global", AuthMode: "none", ScannerDriver: "mock"}
	assert.Error(t, cfg.Validate())

	cfg.DefaultChunkSize = 5 << 20
	assert.NoError(t, cfg.Validate())
}

func TestPostgresDSN(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: 5433, DBUser: "u", DBPassword: "p@ss", DBName: "vault", DBSSLMode: "require"}
	assert.Equal(t, "postgres://u:p%40ss@db:5433/vault?sslmode=require", cfg.PostgresDSN())
}
