package sweeper

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropvault/internal/logging"
	"dropvault/internal/repository"
	"dropvault/internal/repository/memory"
	"dropvault/internal/storage"
	"dropvault/internal/storage/local"
)

type fakeExpirer struct {
	mu    sync.Mutex
	calls int
	n     int
	err   error
}

func (f *fakeExpirer) ExpireStale(context.Context, int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.n, f.err
}

func (f *fakeExpirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type brokenDeleter struct{}

func (brokenDeleter) Delete(context.Context, string) error { return errors.New("bucket offline") }

func seed(t *testing.T, files *memory.FileRepository, blobs storage.Storage, id string, status repository.FileStatus, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	key := "files/" + id
	_, err := blobs.Write(ctx, key, bytes.NewReader([]byte(id)))
	require.NoError(t, err)
	initial := status
	if status == repository.FileStatusDeleted {
		initial = repository.FileStatusReady
	}
	_, err = files.Create(ctx, &repository.FileRecord{
		ID:          id,
		OwnerID:     "alice",
		StoragePath: key,
		SizeBytes:   int64(len(id)),
		Checksum:    id,
		Status:      initial,
	})
	require.NoError(t, err)
	if status == repository.FileStatusDeleted {
		require.NoError(t, files.SoftDelete(ctx, id, time.Now().UTC()))
	}
	files.Backdate(id, time.Now().UTC().Add(-age))
}

func exists(t *testing.T, blobs storage.Stater, key string) bool {
	t.Helper()
	_, err := blobs.Stat(context.Background(), key)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestPurgeDeletedHonoursRetention(t *testing.T) {
	files := memory.NewFileRepository()
	blobs := local.New(t.TempDir(), "")
	seed(t, files, blobs, "old", repository.FileStatusDeleted, 8*24*time.Hour)
	seed(t, files, blobs, "recent", repository.FileStatusDeleted, time.Hour)
	seed(t, files, blobs, "ready", repository.FileStatusReady, 30*24*time.Hour)

	s := New(&fakeExpirer{}, files, blobs, Config{DeletedRetention: 7 * 24 * time.Hour}, logging.Discard())
	n, err := s.PurgeDeleted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = files.GetByID(context.Background(), "old")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.False(t, exists(t, blobs, "files/old"))

	assert.True(t, exists(t, blobs, "files/recent"))
	assert.True(t, exists(t, blobs, "files/ready"))

	// 再次执行不会有任何效果
	n, err = s.PurgeDeleted(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPurgeAbandonedOnlyTouchesStalePending(t *testing.T) {
	files := memory.NewFileRepository()
	blobs := local.New(t.TempDir(), "")
	seed(t, files, blobs, "stuck", repository.FileStatusPending, 2*time.Hour)
	seed(t, files, blobs, "fresh", repository.FileStatusPending, time.Minute)
	seed(t, files, blobs, "scanning", repository.FileStatusScanning, 2*time.Hour)

	s := New(&fakeExpirer{}, files, blobs, Config{PendingAbandonAfter: time.Hour}, logging.Discard())
	n, err := s.PurgeAbandoned(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = files.GetByID(context.Background(), "stuck")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.False(t, exists(t, blobs, "files/stuck"))

	for _, id := range []string{"fresh", "scanning"} {
		_, err := files.GetByID(context.Background(), id)
		assert.NoError(t, err, id)
	}
}

func TestBlobDeleteFailureKeepsRecord(t *testing.T) {
	files := memory.NewFileRepository()
	blobs := local.New(t.TempDir(), "")
	seed(t, files, blobs, "old", repository.FileStatusDeleted, 30*24*time.Hour)

	s := New(&fakeExpirer{}, files, brokenDeleter{}, Config{}, logging.Discard())
	n, err := s.PurgeDeleted(context.Background())
	assert.Error(t, err)
	assert.Zero(t, n)

	record, err := files.GetByID(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, repository.FileStatusDeleted, record.Status)
}

func TestRunOnceAggregatesErrors(t *testing.T) {
	files := memory.NewFileRepository()
	blobs := local.New(t.TempDir(), "")
	seed(t, files, blobs, "stuck", repository.FileStatusPending, 2*time.Hour)

	expirer := &fakeExpirer{n: 2, err: errors.New("db down")}
	s := New(expirer, files, blobs, Config{}, logging.Discard())

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, 1, expirer.count())

	// 会话清理失败不影响文件清理
	_, err = files.GetByID(context.Background(), "stuck")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRunStopsOnCancel(t *testing.T) {
	expirer := &fakeExpirer{}
	s := New(expirer, memory.NewFileRepository(), local.New(t.TempDir(), ""), Config{Interval: 10 * time.Millisecond}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return expirer.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
