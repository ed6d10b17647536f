package repository

import (
	"context"
	"slices"
	"time"
)

// SessionStatus 是分片上传会话的状态机取值。
type SessionStatus string

const (
	SessionStatusInitiated SessionStatus = "initiated"
	SessionStatusUploading SessionStatus = "uploading"
	SessionStatusMerging   SessionStatus = "merging"
	SessionStatusDone      SessionStatus = "done"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusExpired   SessionStatus = "expired"
)

// AcceptsChunks 表示该状态下允许继续上传分片。
func (s SessionStatus) AcceptsChunks() bool {
	return s == SessionStatusInitiated || s == SessionStatusUploading
}

// UploadSession 跟踪一次可恢复上传的元数据、分片集合与状态。
type UploadSession struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"owner_id"`
	WorkspaceID    string        `json:"workspace_id,omitempty"`
	FileName       string        `json:"file_name"`
	MimeType       string        `json:"mime_type"`
	FileSize       int64         `json:"file_size"`
	ChunkSize      int64         `json:"chunk_size"`
	TotalChunks    int           `json:"total_chunks"`
	FileHash       string        `json:"file_hash"`
	UploadedChunks []int         `json:"uploaded_chunks"`
	Status         SessionStatus `json:"status"`
	FileID         string        `json:"file_id,omitempty"`
	StoragePath    string        `json:"storage_path,omitempty"`
	StorageURL     string        `json:"storage_url,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	Retryable      bool          `json:"retryable"`
	ExpiresAt      time.Time     `json:"expires_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// MissingChunks 返回 [0, TotalChunks) 中尚未上传的索引，升序。
func (s *UploadSession) MissingChunks() []int {
	have := make(map[int]struct{}, len(s.UploadedChunks))
	for _, idx := range s.UploadedChunks {
		have[idx] = struct{}{}
	}
	missing := make([]int, 0, s.TotalChunks-len(have))
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := have[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// IsComplete 表示所有分片均已到达。
func (s *UploadSession) IsComplete() bool {
	return s.TotalChunks > 0 && len(s.MissingChunks()) == 0
}

// Progress 返回 0-100 的整数进度。
func (s *UploadSession) Progress() int {
	if s.TotalChunks <= 0 {
		return 0
	}
	return len(s.UploadedChunks) * 100 / s.TotalChunks
}

// ChunkLength 返回第 index 个分片应有的字节数：除最后一片外都等于 ChunkSize，
// 最后一片是剩余部分。
func (s *UploadSession) ChunkLength(index int) int64 {
	if index < 0 || index >= s.TotalChunks || s.ChunkSize <= 0 {
		return 0
	}
	if rest := s.FileSize - int64(index)*s.ChunkSize; rest < s.ChunkSize {
		return rest
	}
	return s.ChunkSize
}

// HasChunk 判断某个索引是否已上传。
func (s *UploadSession) HasChunk(index int) bool {
	_, found := slices.BinarySearch(s.UploadedChunks, index)
	return found
}

// Clone 返回深拷贝，内存实现用它隔离调用方。
func (s *UploadSession) Clone() *UploadSession {
	out := *s
	out.UploadedChunks = slices.Clone(s.UploadedChunks)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// SessionUpdate 描述状态迁移时一并写入的字段；零值字段保持不变，ErrorMessage 与 Retryable 总会被覆盖。
type SessionUpdate struct {
	ErrorMessage string
	Retryable    bool
	FileID       string
	StoragePath  string
	StorageURL   string
	CompletedAt  *time.Time
}

// SessionRepository 持久化上传会话。
type SessionRepository interface {
	Create(ctx context.Context, session *UploadSession) (*UploadSession, error)
	Get(ctx context.Context, id string) (*UploadSession, error)
	// FindResumable 返回同一 owner、workspace 与文件哈希下仍可续传且未过期的最新会话。
	FindResumable(ctx context.Context, ownerID, workspaceID, fileHash string, now time.Time) (*UploadSession, error)
	// AddChunk 原子地把 index 加入分片集合，并把 initiated 推进到 uploading。
	// 会话已不接受分片时返回 ErrStatusConflict。
	AddChunk(ctx context.Context, id string, index int, now time.Time) (*UploadSession, error)
	// Transition 仅当当前状态属于 from 时迁移到 to。
	Transition(ctx context.Context, id string, from []SessionStatus, to SessionStatus, update SessionUpdate) (*UploadSession, error)
	// ListExpired 返回 expires_at 早于 now 且仍未终结的会话。
	ListExpired(ctx context.Context, now time.Time, limit int) ([]UploadSession, error)
}

// UploadChunk 是单个已校验分片的记录，(UploadID, ChunkIndex) 唯一。
type UploadChunk struct {
	UploadID    string    `json:"upload_id"`
	ChunkIndex  int       `json:"chunk_index"`
	ChunkHash   string    `json:"chunk_hash"`
	Size        int64     `json:"size"`
	StoragePath string    `json:"storage_path"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChunkRepository 持久化分片记录。
type ChunkRepository interface {
	// Upsert 写入或覆盖记录，返回被替换的旧存储路径（没有则为空）。
	Upsert(ctx context.Context, chunk *UploadChunk) (string, error)
	// List 按 ChunkIndex 升序返回。
	List(ctx context.Context, uploadID string) ([]UploadChunk, error)
	DeleteByUpload(ctx context.Context, uploadID string) error
}
