package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropvault/internal/config"
	"dropvault/internal/storage/local"
	"dropvault/internal/storage/r2"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	st, err := Open(ctx, &config.Config{StorageDriver: "local", StorageDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &local.Storage{}, st)

	st, err = Open(ctx, &config.Config{StorageDriver: "r2", R2AccountID: "acc", R2Bucket: "b"})
	require.NoError(t, err)
	assert.IsType(t, &r2.Storage{}, st)

	_, err = Open(ctx, &config.Config{StorageDriver: "ftp"})
	assert.Error(t, err)
}
