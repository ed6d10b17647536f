// Package memory 提供进程内的仓储实现，供测试与单机开发模式使用。
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"dropvault/internal/repository"
)

// SessionRepository 实现 repository.SessionRepository。
type SessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*repository.UploadSession
}

// NewSessionRepository 创建空的会话仓储。
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{sessions: make(map[string]*repository.UploadSession)}
}

func (r *SessionRepository) Create(_ context.Context, session *repository.UploadSession) (*repository.UploadSession, error) {
	if session == nil {
		return nil, fmt.Errorf("upload session is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return nil, fmt.Errorf("upload session %s already exists", session.ID)
	}
	stored := session.Clone()
	if stored.UploadedChunks == nil {
		stored.UploadedChunks = []int{}
	}
	r.sessions[stored.ID] = stored
	return stored.Clone(), nil
}

func (r *SessionRepository) Get(_ context.Context, id string) (*repository.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *SessionRepository) FindResumable(_ context.Context, ownerID, workspaceID, fileHash string, now time.Time) (*repository.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *repository.UploadSession
	for _, s := range r.sessions {
		if s.OwnerID != ownerID || s.WorkspaceID != workspaceID || s.FileHash != fileHash {
			continue
		}
		if !s.Status.AcceptsChunks() || !s.ExpiresAt.After(now) {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best.Clone(), nil
}

func (r *SessionRepository) AddChunk(_ context.Context, id string, index int, now time.Time) (*repository.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !s.Status.AcceptsChunks() {
		return nil, repository.ErrStatusConflict
	}
	if index < 0 || index >= s.TotalChunks {
		return nil, fmt.Errorf("chunk index %d out of range", index)
	}
	if pos, found := slices.BinarySearch(s.UploadedChunks, index); !found {
		s.UploadedChunks = slices.Insert(s.UploadedChunks, pos, index)
	}
	s.Status = repository.SessionStatusUploading
	s.UpdatedAt = now
	return s.Clone(), nil
}

func (r *SessionRepository) Transition(_ context.Context, id string, from []repository.SessionStatus, to repository.SessionStatus, update repository.SessionUpdate) (*repository.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !slices.Contains(from, s.Status) {
		return nil, repository.ErrStatusConflict
	}

	s.Status = to
	s.ErrorMessage = update.ErrorMessage
	s.Retryable = update.Retryable
	if update.FileID != "" {
		s.FileID = update.FileID
	}
	if update.StoragePath != "" {
		s.StoragePath = update.StoragePath
	}
	if update.StorageURL != "" {
		s.StorageURL = update.StorageURL
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		s.CompletedAt = &t
	}
	s.UpdatedAt = time.Now().UTC()
	return s.Clone(), nil
}

func (r *SessionRepository) ListExpired(_ context.Context, now time.Time, limit int) ([]repository.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []repository.UploadSession
	for _, s := range r.sessions {
		if !s.ExpiresAt.Before(now) || !expirable(s) {
			continue
		}
		out = append(out, *s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func expirable(s *repository.UploadSession) bool {
	switch s.Status {
	case repository.SessionStatusInitiated, repository.SessionStatusUploading, repository.SessionStatusMerging:
		return true
	case repository.SessionStatusFailed:
		return s.Retryable
	}
	return false
}

// ChunkRepository 实现 repository.ChunkRepository。
type ChunkRepository struct {
	mu     sync.Mutex
	chunks map[string]map[int]repository.UploadChunk
}

// NewChunkRepository 创建空的分片仓储。
func NewChunkRepository() *ChunkRepository {
	return &ChunkRepository{chunks: make(map[string]map[int]repository.UploadChunk)}
}

func (r *ChunkRepository) Upsert(_ context.Context, chunk *repository.UploadChunk) (string, error) {
	if chunk == nil {
		return "", fmt.Errorf("upload chunk is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	byIndex, ok := r.chunks[chunk.UploadID]
	if !ok {
		byIndex = make(map[int]repository.UploadChunk)
		r.chunks[chunk.UploadID] = byIndex
	}

	var previous string
	stored := *chunk
	if old, exists := byIndex[chunk.ChunkIndex]; exists {
		previous = old.StoragePath
		stored.CreatedAt = old.CreatedAt
	}
	byIndex[chunk.ChunkIndex] = stored
	return previous, nil
}

func (r *ChunkRepository) List(_ context.Context, uploadID string) ([]repository.UploadChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]repository.UploadChunk, 0, len(r.chunks[uploadID]))
	for _, c := range r.chunks[uploadID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (r *ChunkRepository) DeleteByUpload(_ context.Context, uploadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.chunks, uploadID)
	return nil
}
