package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropvault/internal/repository"
)

func newSession(id string, total int, now time.Time) *repository.UploadSession {
	return &repository.UploadSession{
		ID:          id,
		OwnerID:     "owner-1",
		FileName:    "a.bin",
		FileHash:    "hash",
		TotalChunks: total,
		Status:      repository.SessionStatusInitiated,
		ExpiresAt:   now.Add(time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSessionRepositoryAddChunkConcurrent(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository()
	now := time.Now().UTC()
	_, err := repo.Create(ctx, newSession("s1", 64, now))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				_, err := repo.AddChunk(ctx, "s1", idx, now)
				assert.NoError(t, err)
			}(i)
		}
	}
	wg.Wait()

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.UploadedChunks, 64)
	assert.True(t, got.IsComplete())
	assert.Equal(t, repository.SessionStatusUploading, got.Status)
	assert.Empty(t, got.MissingChunks())
}

func TestSessionRepositoryAddChunkRejectsClosedSession(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository()
	now := time.Now().UTC()
	_, err := repo.Create(ctx, newSession("s1", 2, now))
	require.NoError(t, err)

	_, err = repo.Transition(ctx, "s1", []repository.SessionStatus{repository.SessionStatusInitiated}, repository.SessionStatusMerging, repository.SessionUpdate{})
	require.NoError(t, err)

	_, err = repo.AddChunk(ctx, "s1", 0, now)
	assert.ErrorIs(t, err, repository.ErrStatusConflict)

	_, err = repo.Transition(ctx, "s1", []repository.SessionStatus{repository.SessionStatusUploading}, repository.SessionStatusDone, repository.SessionUpdate{})
	assert.ErrorIs(t, err, repository.ErrStatusConflict)
}

func TestSessionRepositoryFindResumableAndExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository()
	now := time.Now().UTC()

	_, err := repo.Create(ctx, newSession("live", 3, now))
	require.NoError(t, err)
	stale := newSession("stale", 3, now.Add(-2*time.Hour))
	stale.ExpiresAt = now.Add(-time.Minute)
	_, err = repo.Create(ctx, stale)
	require.NoError(t, err)

	got, err := repo.FindResumable(ctx, "owner-1", "", "hash", now)
	require.NoError(t, err)
	assert.Equal(t, "live", got.ID)

	_, err = repo.FindResumable(ctx, "owner-2", "", "hash", now)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	expired, err := repo.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].ID)
}

func TestChunkRepositoryUpsertReturnsPreviousPath(t *testing.T) {
	ctx := context.Background()
	repo := NewChunkRepository()

	prev, err := repo.Upsert(ctx, &repository.UploadChunk{UploadID: "u", ChunkIndex: 1, StoragePath: "p1"})
	require.NoError(t, err)
	assert.Empty(t, prev)

	prev, err = repo.Upsert(ctx, &repository.UploadChunk{UploadID: "u", ChunkIndex: 1, StoragePath: "p2"})
	require.NoError(t, err)
	assert.Equal(t, "p1", prev)

	_, err = repo.Upsert(ctx, &repository.UploadChunk{UploadID: "u", ChunkIndex: 0, StoragePath: "p0"})
	require.NoError(t, err)

	chunks, err := repo.List(ctx, "u")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, "p2", chunks[1].StoragePath)

	require.NoError(t, repo.DeleteByUpload(ctx, "u"))
	chunks, err = repo.List(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestFileRepositoryDedupAndTransitions(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository()

	_, err := repo.Create(ctx, &repository.FileRecord{ID: "f1", OwnerID: "a", Checksum: "c", Status: repository.FileStatusPending})
	require.NoError(t, err)

	found, err := repo.FindByChecksum(ctx, "c", "")
	require.NoError(t, err)
	assert.Equal(t, "f1", found.ID)

	_, err = repo.FindByChecksum(ctx, "c", "b")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	err = repo.TransitionStatus(ctx, "f1", []repository.FileStatus{repository.FileStatusScanning}, repository.FileStatusReady)
	assert.ErrorIs(t, err, repository.ErrStatusConflict)

	require.NoError(t, repo.TransitionStatus(ctx, "f1", []repository.FileStatus{repository.FileStatusPending}, repository.FileStatusScanning))
	require.NoError(t, repo.SetScanResult(ctx, "f1", repository.FileStatusScanning, repository.FileStatusQuarantined, repository.ScanResult{Threats: []string{"x"}}))

	_, err = repo.FindByChecksum(ctx, "c", "")
	assert.ErrorIs(t, err, repository.ErrNotFound, "quarantined files never satisfy dedup")

	require.NoError(t, repo.SoftDelete(ctx, "f1", time.Now().UTC()))
	assert.ErrorIs(t, repo.SoftDelete(ctx, "f1", time.Now().UTC()), repository.ErrStatusConflict)

	list, err := repo.List(ctx, repository.ListFilesParams{})
	require.NoError(t, err)
	assert.Empty(t, list)
}
