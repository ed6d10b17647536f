package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropvault/internal/logging"
	"dropvault/internal/repository"
	"dropvault/internal/repository/memory"
	"dropvault/internal/storage"
)

type mockReader struct {
	key  string
	data string
	err  error
}

func (m *mockReader) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	m.key = key
	if m.err != nil {
		return nil, m.err
	}
	return io.NopCloser(strings.NewReader(m.data)), nil
}

func seedFile(t *testing.T, repo *memory.FileRepository, id, owner string, status repository.FileStatus) {
	t.Helper()
	_, err := repo.Create(context.Background(), &repository.FileRecord{
		ID:           id,
		OwnerID:      owner,
		OriginalName: id + ".txt",
		MimeType:     "text/plain",
		SizeBytes:    5,
		StoragePath:  "files/" + id,
		Checksum:     strings.Repeat("a", 64),
		Status:       status,
	})
	require.NoError(t, err)
}

func TestFileService_OpenFileOnlyServesReadyFiles(t *testing.T) {
	repo := memory.NewFileRepository()
	reader := &mockReader{data: "hello"}
	svc := NewFileService(repo, reader, logging.Discard())

	seedFile(t, repo, "ready", "alice", repository.FileStatusReady)
	seedFile(t, repo, "infected", "alice", repository.FileStatusQuarantined)
	seedFile(t, repo, "scanning", "alice", repository.FileStatusScanning)

	record, body, err := svc.OpenFile(context.Background(), alice, "ready")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "files/ready", reader.key)
	assert.Equal(t, "ready", record.ID)

	for _, id := range []string{"infected", "scanning"} {
		_, _, err := svc.OpenFile(context.Background(), alice, id)
		assert.True(t, errors.Is(err, ErrInvalidState), id)
	}

	_, _, err = svc.OpenFile(context.Background(), bob, "ready")
	assert.True(t, errors.Is(err, ErrForbidden))

	_, _, err = svc.OpenFile(context.Background(), alice, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileService_OpenFileStorageErrors(t *testing.T) {
	repo := memory.NewFileRepository()
	seedFile(t, repo, "ready", "alice", repository.FileStatusReady)

	svc := NewFileService(repo, &mockReader{err: storage.ErrNotFound}, logging.Discard())
	_, _, err := svc.OpenFile(context.Background(), alice, "ready")
	assert.True(t, errors.Is(err, ErrNotFound))

	svc = NewFileService(repo, &mockReader{err: errors.New("timeout")}, logging.Discard())
	_, _, err = svc.OpenFile(context.Background(), alice, "ready")
	assert.True(t, errors.Is(err, ErrStorage))
}

func TestCheckAccess(t *testing.T) {
	assert.NoError(t, CheckAccess(&repository.FileRecord{ID: "f", Status: repository.FileStatusReady}))
	for _, status := range []repository.FileStatus{
		repository.FileStatusPending,
		repository.FileStatusScanning,
		repository.FileStatusQuarantined,
		repository.FileStatusDeleted,
	} {
		assert.Error(t, CheckAccess(&repository.FileRecord{ID: "f", Status: status}), status)
	}
}

func TestFileService_ListFiles(t *testing.T) {
	repo := memory.NewFileRepository()
	svc := NewFileService(repo, &mockReader{}, logging.Discard())
	seedFile(t, repo, "a1", "alice", repository.FileStatusReady)
	seedFile(t, repo, "a2", "alice", repository.FileStatusQuarantined)
	seedFile(t, repo, "b1", "bob", repository.FileStatusReady)

	all, err := svc.ListFiles(context.Background(), alice, ListFilesInput{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ready, err := svc.ListFiles(context.Background(), alice, ListFilesInput{Status: "ready"})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "a1", ready[0].ID)

	empty, err := svc.ListFiles(context.Background(), Owner{UserID: "carol"}, ListFilesInput{})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = svc.ListFiles(context.Background(), alice, ListFilesInput{Status: "bogus"})
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = svc.ListFiles(context.Background(), alice, ListFilesInput{Limit: 1000})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestFileService_DeleteFile(t *testing.T) {
	repo := memory.NewFileRepository()
	svc := NewFileService(repo, &mockReader{}, logging.Discard())
	seedFile(t, repo, "f1", "alice", repository.FileStatusReady)

	assert.True(t, errors.Is(svc.DeleteFile(context.Background(), bob, "f1"), ErrForbidden))
	require.NoError(t, svc.DeleteFile(context.Background(), alice, "f1"))
	require.NoError(t, svc.DeleteFile(context.Background(), alice, "f1"))

	record, err := repo.GetByID(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, repository.FileStatusDeleted, record.Status)
	require.NotNil(t, record.DeletedAt)
	assert.WithinDuration(t, time.Now(), *record.DeletedAt, time.Minute)

	_, _, err = svc.OpenFile(context.Background(), alice, "f1")
	assert.True(t, errors.Is(err, ErrInvalidState))
}
