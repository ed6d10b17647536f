package migrations

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbmigrations "dropvault/db/migrations"
)

func TestLoadMigrationFilesSortsAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("SELECT 2;")},
		"0001_a.up.sql":   {Data: []byte("SELECT 1;")},
		"0001_a.down.sql": {Data: []byte("SELECT 0;")},
		"README.md":       {Data: []byte("docs")},
	}

	files, err := loadMigrationFiles(fsys)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "0001_a.up.sql", files[0].Name)
	assert.Equal(t, "0002_b.up.sql", files[1].Name)
}

func TestLoadMigrationFilesRejectsEmpty(t *testing.T) {
	_, err := loadMigrationFiles(fstest.MapFS{"0001_a.up.sql": {Data: []byte("  \n")}})
	assert.Error(t, err)
}

func TestEmbeddedMigrationsCreateCoreTables(t *testing.T) {
	files, err := loadMigrationFiles(dbmigrations.UpFiles)
	require.NoError(t, err)
	require.NotEmpty(t, files)

	sql := files[0].SQL
	for _, table := range []string{"upload_sessions", "upload_chunks", "files", "security_incidents"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.Contains(t, sql, "PRIMARY KEY (upload_id, chunk_index)")
}
