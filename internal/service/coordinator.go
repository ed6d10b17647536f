package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dropvault/internal/checksum"
	"dropvault/internal/chunkstore"
	"dropvault/internal/lock"
	"dropvault/internal/metrics"
	"dropvault/internal/repository"
	"dropvault/internal/storage"
)

const (
	cancelledMessage = "cancelled"
	expiredMessage   = "upload session expired"
	maxFileNameLen   = 255
)

// Owner 标识发起请求的用户与可选的工作区。
type Owner struct {
	UserID      string
	WorkspaceID string
}

// PostProcessor 接收合并完成的文件，安排异步校验与扫描。
type PostProcessor interface {
	EnqueueVerify(ctx context.Context, fileID string) error
}

// CoordinatorConfig 是上传协调器的可调参数。
type CoordinatorConfig struct {
	DefaultChunkSize    int64
	MaxChunkSize        int64
	MaxFileSize         int64
	MaxChunks           int
	SessionTTL          time.Duration
	// DedupScope 为 "owner" 时只在同一用户的文件中秒传；"global" 跨用户共享，
	// 命中的文件仍归原上传者所有，只适合所有调用方同属一个租户的部署。
	DedupScope          string
	VerifyChunksOnMerge bool
	Now                 func() time.Time
}

// CoordinatorDeps 汇总协调器依赖的存储与基础设施。
type CoordinatorDeps struct {
	Sessions repository.SessionRepository
	Chunks   repository.ChunkRepository
	Files    repository.FileRepository
	Store    *chunkstore.Store
	Blobs    storage.Storage
	Post     PostProcessor
	Locks    lock.Locker
}

// UploadCoordinator 负责分片上传会话的完整生命周期：初始化、分片接收、合并与取消。
type UploadCoordinator struct {
	sessions repository.SessionRepository
	chunks   repository.ChunkRepository
	files    repository.FileRepository
	store    *chunkstore.Store
	blobs    storage.Storage
	post     PostProcessor
	locks    lock.Locker
	log      logrus.FieldLogger
	cfg      CoordinatorConfig
}

// NewUploadCoordinator 创建协调器，未设置的参数使用默认值。
func NewUploadCoordinator(deps CoordinatorDeps, cfg CoordinatorConfig, log logrus.FieldLogger) *UploadCoordinator {
	if cfg.DefaultChunkSize <= 0 {
		cfg.DefaultChunkSize = 5 << 20
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 10 << 20
	}
	if cfg.DefaultChunkSize > cfg.MaxChunkSize {
		cfg.DefaultChunkSize = cfg.MaxChunkSize
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.DedupScope == "" {
		cfg.DedupScope = "owner"
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Locks == nil {
		deps.Locks = lock.NewMemory()
	}
	return &UploadCoordinator{
		sessions: deps.Sessions,
		chunks:   deps.Chunks,
		files:    deps.Files,
		store:    deps.Store,
		blobs:    deps.Blobs,
		post:     deps.Post,
		locks:    deps.Locks,
		log:      log.WithField("component", "upload_coordinator"),
		cfg:      cfg,
	}
}

// InitInput 是初始化上传的请求参数。
type InitInput struct {
	FileName    string
	MimeType    string
	FileSize    int64
	TotalChunks int
	FileHash    string
	ChunkSize   int64
	// WorkspaceID 可选；身份已带工作区时必须一致，否则以此为准。
	WorkspaceID string
}

// InitResult 描述新建、续传或秒传三种结果之一。
type InitResult struct {
	UploadID       string     `json:"upload_id,omitempty"`
	ChunkSize      int64      `json:"chunk_size,omitempty"`
	TotalChunks    int        `json:"total_chunks,omitempty"`
	UploadedChunks []int      `json:"uploaded_chunks"`
	MissingChunks  []int      `json:"missing_chunks"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Resumed        bool       `json:"resumed"`
	IsDuplicate    bool       `json:"is_duplicate"`
	ExistingFileID string     `json:"existing_file_id,omitempty"`
	FileURL        string     `json:"file_url,omitempty"`
}

// ChunkInput 是单个分片的上传请求。
type ChunkInput struct {
	UploadID string
	Index    int
	Hash     string
	Data     []byte
}

// ChunkResult 是接收分片后的进度。
type ChunkResult struct {
	UploadID      string                   `json:"upload_id"`
	ChunkIndex    int                      `json:"chunk_index"`
	UploadedCount int                      `json:"uploaded_count"`
	TotalChunks   int                      `json:"total_chunks"`
	MissingChunks []int                    `json:"missing_chunks"`
	Progress      int                      `json:"progress"`
	IsComplete    bool                     `json:"is_complete"`
	Status        repository.SessionStatus `json:"status"`
}

// StatusResult 是会话的只读投影。
type StatusResult struct {
	UploadID       string                   `json:"upload_id"`
	FileName       string                   `json:"file_name"`
	FileSize       int64                    `json:"file_size"`
	ChunkSize      int64                    `json:"chunk_size"`
	TotalChunks    int                      `json:"total_chunks"`
	UploadedChunks []int                    `json:"uploaded_chunks"`
	MissingChunks  []int                    `json:"missing_chunks"`
	Progress       int                      `json:"progress"`
	IsComplete     bool                     `json:"is_complete"`
	Status         repository.SessionStatus `json:"status"`
	FileID         string                   `json:"file_id,omitempty"`
	ErrorMessage   string                   `json:"error_message,omitempty"`
	Retryable      bool                     `json:"retryable"`
	ExpiresAt      time.Time                `json:"expires_at"`
}

// CompleteResult 是合并完成后的文件信息。
type CompleteResult struct {
	UploadID         string                `json:"upload_id,omitempty"`
	FileID           string                `json:"file_id"`
	FileURL          string                `json:"file_url,omitempty"`
	SizeBytes        int64                 `json:"size_bytes"`
	ChecksumVerified bool                  `json:"checksum_verified"`
	Deduplicated     bool                  `json:"deduplicated"`
	Status           repository.FileStatus `json:"status"`
}

// Init 校验请求，优先秒传，其次续传，否则创建新会话。
func (c *UploadCoordinator) Init(ctx context.Context, owner Owner, in InitInput) (*InitResult, error) {
	owner, err := resolveWorkspace(owner, in.WorkspaceID)
	if err != nil {
		return nil, err
	}
	hash, chunkSize, err := c.validateInit(owner, &in)
	if err != nil {
		return nil, err
	}
	log := c.log.WithFields(logrus.Fields{"owner_id": owner.UserID, "file_hash": hash})

	existing, err := c.files.FindByChecksum(ctx, hash, c.dedupOwner(owner))
	switch {
	case err == nil:
		metrics.DedupHitsTotal.WithLabelValues("init").Inc()
		metrics.UploadSessionsTotal.WithLabelValues("deduplicated").Inc()
		log.WithField("file_id", existing.ID).Info("upload satisfied by existing file")
		return &InitResult{
			UploadedChunks: []int{},
			MissingChunks:  []int{},
			IsDuplicate:    true,
			ExistingFileID: existing.ID,
			FileURL:        existing.StorageURL,
		}, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}

	now := c.cfg.Now()
	resumable, err := c.sessions.FindResumable(ctx, owner.UserID, owner.WorkspaceID, hash, now)
	switch {
	case err == nil:
		metrics.UploadSessionsTotal.WithLabelValues("resumed").Inc()
		log.WithField("upload_id", resumable.ID).Info("resuming upload session")
		res := initResult(resumable)
		res.Resumed = true
		return res, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("resume lookup: %w", err)
	}

	session := &repository.UploadSession{
		ID:             uuid.NewString(),
		OwnerID:        owner.UserID,
		WorkspaceID:    owner.WorkspaceID,
		FileName:       in.FileName,
		MimeType:       in.MimeType,
		FileSize:       in.FileSize,
		ChunkSize:      chunkSize,
		TotalChunks:    in.TotalChunks,
		FileHash:       hash,
		UploadedChunks: []int{},
		Status:         repository.SessionStatusInitiated,
		ExpiresAt:      now.Add(c.cfg.SessionTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := c.sessions.Create(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("create upload session: %w", err)
	}
	metrics.UploadSessionsTotal.WithLabelValues("initiated").Inc()
	log.WithFields(logrus.Fields{
		"upload_id":    created.ID,
		"total_chunks": created.TotalChunks,
		"file_size":    created.FileSize,
	}).Info("upload session created")
	return initResult(created), nil
}

func (c *UploadCoordinator) validateInit(owner Owner, in *InitInput) (string, int64, error) {
	if owner.UserID == "" {
		return "", 0, validationf("owner is required")
	}
	in.FileName = strings.TrimSpace(in.FileName)
	in.MimeType = strings.TrimSpace(in.MimeType)
	switch {
	case in.FileName == "":
		return "", 0, validationf("file_name is required")
	case utf8.RuneCountInString(in.FileName) > maxFileNameLen:
		return "", 0, validationf("file_name exceeds %d characters", maxFileNameLen)
	case in.MimeType == "":
		return "", 0, validationf("mime_type is required")
	case in.FileSize <= 0:
		return "", 0, validationf("file_size must be positive")
	case c.cfg.MaxFileSize > 0 && in.FileSize > c.cfg.MaxFileSize:
		return "", 0, validationf("file_size exceeds limit of %d bytes", c.cfg.MaxFileSize)
	}

	hash, ok := checksum.Normalize(in.FileHash)
	if !ok {
		return "", 0, validationf("file_hash must be a 64 character hex SHA-256 digest")
	}

	chunkSize := in.ChunkSize
	if chunkSize == 0 {
		chunkSize = c.cfg.DefaultChunkSize
	}
	if chunkSize < 0 || chunkSize > c.cfg.MaxChunkSize {
		return "", 0, validationf("chunk_size must be between 1 and %d bytes", c.cfg.MaxChunkSize)
	}

	expected := int((in.FileSize + chunkSize - 1) / chunkSize)
	switch {
	case in.TotalChunks <= 0:
		return "", 0, validationf("total_chunks must be positive")
	case in.TotalChunks != expected:
		return "", 0, validationf("total_chunks must be %d for file_size %d and chunk_size %d", expected, in.FileSize, chunkSize)
	case c.cfg.MaxChunks > 0 && in.TotalChunks > c.cfg.MaxChunks:
		return "", 0, validationf("total_chunks exceeds limit of %d", c.cfg.MaxChunks)
	}
	return hash, chunkSize, nil
}

func resolveWorkspace(owner Owner, requested string) (Owner, error) {
	requested = strings.TrimSpace(requested)
	switch {
	case requested == "":
	case owner.WorkspaceID == "":
		owner.WorkspaceID = requested
	case owner.WorkspaceID != requested:
		return owner, &Error{Kind: KindForbidden, Message: fmt.Sprintf("workspace %s does not match the authenticated workspace", requested)}
	}
	return owner, nil
}

func (c *UploadCoordinator) dedupOwner(owner Owner) string {
	if c.cfg.DedupScope == "global" {
		return ""
	}
	return owner.UserID
}

func initResult(s *repository.UploadSession) *InitResult {
	expires := s.ExpiresAt
	uploaded := append([]int{}, s.UploadedChunks...)
	return &InitResult{
		UploadID:       s.ID,
		ChunkSize:      s.ChunkSize,
		TotalChunks:    s.TotalChunks,
		UploadedChunks: uploaded,
		MissingChunks:  s.MissingChunks(),
		ExpiresAt:      &expires,
	}
}

// UploadChunk 校验分片哈希后落盘并登记。哈希不一致的分片既不落盘也不登记。
func (c *UploadCoordinator) UploadChunk(ctx context.Context, owner Owner, in ChunkInput) (*ChunkResult, error) {
	session, err := c.loadOwned(ctx, owner, in.UploadID)
	if err != nil {
		return nil, err
	}
	if err := c.checkAcceptsChunks(session); err != nil {
		return nil, err
	}
	if in.Index < 0 || in.Index >= session.TotalChunks {
		return nil, validationf("chunk_index %d out of range [0, %d)", in.Index, session.TotalChunks)
	}
	expected, ok := checksum.Normalize(in.Hash)
	if !ok {
		return nil, validationf("chunk hash must be a 64 character hex SHA-256 digest")
	}
	if len(in.Data) == 0 {
		return nil, validationf("chunk body is empty")
	}
	if want := session.ChunkLength(in.Index); int64(len(in.Data)) != want {
		return nil, validationf("chunk %d must be %d bytes, got %d", in.Index, want, len(in.Data))
	}

	log := c.log.WithFields(logrus.Fields{"upload_id": session.ID, "chunk_index": in.Index})

	actual := checksum.Sum(in.Data)
	if !checksum.Equal(actual, expected) {
		metrics.IntegrityFailuresTotal.WithLabelValues(ScopeChunk).Inc()
		log.WithFields(logrus.Fields{"expected": expected, "actual": actual}).Warn("chunk hash mismatch")
		return nil, chunkIntegrity(in.Index, expected, actual)
	}

	// 落盘不持锁，只有登记需要互斥
	path, err := c.store.Put(ctx, session.ID, in.Index, in.Data)
	if err != nil {
		return nil, storageErr("store chunk", err)
	}

	updated, previous, err := c.registerChunk(ctx, session.ID, in.Index, actual, int64(len(in.Data)), path)
	if err != nil {
		if discardErr := c.store.Discard(path); discardErr != nil {
			log.WithError(discardErr).Warn("discard staged chunk")
		}
		return nil, err
	}
	if previous != "" && previous != path {
		if err := c.store.Discard(previous); err != nil {
			log.WithError(err).Warn("discard superseded chunk")
		}
	}

	metrics.ChunkBytesTotal.Add(float64(len(in.Data)))
	log.WithField("size", len(in.Data)).Debug("chunk stored")

	missing := updated.MissingChunks()
	return &ChunkResult{
		UploadID:      updated.ID,
		ChunkIndex:    in.Index,
		UploadedCount: len(updated.UploadedChunks),
		TotalChunks:   updated.TotalChunks,
		MissingChunks: missing,
		Progress:      updated.Progress(),
		IsComplete:    len(missing) == 0,
		Status:        updated.Status,
	}, nil
}

// registerChunk 在会话锁内复查状态并登记分片，返回被覆盖的旧路径。
func (c *UploadCoordinator) registerChunk(ctx context.Context, uploadID string, index int, hash string, size int64, path string) (*repository.UploadSession, string, error) {
	unlock, err := c.locks.Lock(ctx, lockKey(uploadID))
	if err != nil {
		return nil, "", storageErr("acquire upload lock", err)
	}
	defer unlock()

	current, err := c.sessions.Get(ctx, uploadID)
	if err != nil {
		return nil, "", c.lookupErr("upload", uploadID, err)
	}
	if err := c.checkAcceptsChunks(current); err != nil {
		return nil, "", err
	}

	now := c.cfg.Now()
	previous, err := c.chunks.Upsert(ctx, &repository.UploadChunk{
		UploadID:    uploadID,
		ChunkIndex:  index,
		ChunkHash:   hash,
		Size:        size,
		StoragePath: path,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, "", storageErr("record chunk", err)
	}

	updated, err := c.sessions.AddChunk(ctx, uploadID, index, now)
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, previous, invalidState("upload %s no longer accepts chunks", uploadID)
		}
		return nil, previous, storageErr("mark chunk uploaded", err)
	}
	return updated, previous, nil
}

func (c *UploadCoordinator) checkAcceptsChunks(s *repository.UploadSession) error {
	if !s.Status.AcceptsChunks() {
		return invalidState("upload %s is %s and no longer accepts chunks", s.ID, s.Status)
	}
	if !s.ExpiresAt.After(c.cfg.Now()) {
		return invalidState("upload %s has expired", s.ID)
	}
	return nil
}

// Status 返回会话进度的只读快照。
func (c *UploadCoordinator) Status(ctx context.Context, owner Owner, uploadID string) (*StatusResult, error) {
	s, err := c.loadOwned(ctx, owner, uploadID)
	if err != nil {
		return nil, err
	}
	missing := s.MissingChunks()
	return &StatusResult{
		UploadID:       s.ID,
		FileName:       s.FileName,
		FileSize:       s.FileSize,
		ChunkSize:      s.ChunkSize,
		TotalChunks:    s.TotalChunks,
		UploadedChunks: s.UploadedChunks,
		MissingChunks:  missing,
		Progress:       s.Progress(),
		IsComplete:     len(missing) == 0,
		Status:         s.Status,
		FileID:         s.FileID,
		ErrorMessage:   s.ErrorMessage,
		Retryable:      s.Retryable,
		ExpiresAt:      s.ExpiresAt,
	}, nil
}

// Complete 合并全部分片并校验整文件哈希，通过后写入永久存储、创建文件记录并安排后处理。
// 已完成的会话直接返回原结果。
func (c *UploadCoordinator) Complete(ctx context.Context, owner Owner, uploadID string) (*CompleteResult, error) {
	session, err := c.loadOwned(ctx, owner, uploadID)
	if err != nil {
		return nil, err
	}
	if session.Status == repository.SessionStatusDone {
		return c.doneResult(ctx, session)
	}
	if err := checkCompletable(session); err != nil {
		return nil, err
	}

	session, err = c.beginMerge(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if session.Status == repository.SessionStatusDone {
		return c.doneResult(ctx, session)
	}

	start := time.Now()
	result, err := c.merge(ctx, session)
	metrics.MergeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	metrics.UploadSessionsTotal.WithLabelValues("completed").Inc()
	return result, nil
}

func checkCompletable(s *repository.UploadSession) error {
	switch s.Status {
	case repository.SessionStatusInitiated, repository.SessionStatusUploading:
	case repository.SessionStatusFailed:
		if !s.Retryable {
			return invalidState("upload %s failed and cannot be retried: %s", s.ID, s.ErrorMessage)
		}
	case repository.SessionStatusMerging:
		return invalidState("upload %s is already being merged", s.ID)
	default:
		return invalidState("upload %s is %s", s.ID, s.Status)
	}
	if missing := s.MissingChunks(); len(missing) > 0 {
		return incomplete(missing)
	}
	return nil
}

// beginMerge 在锁内复查并把会话切到 merging；锁只覆盖这次状态迁移。
func (c *UploadCoordinator) beginMerge(ctx context.Context, uploadID string) (*repository.UploadSession, error) {
	unlock, err := c.locks.Lock(ctx, lockKey(uploadID))
	if err != nil {
		return nil, storageErr("acquire upload lock", err)
	}
	defer unlock()

	current, err := c.sessions.Get(ctx, uploadID)
	if err != nil {
		return nil, c.lookupErr("upload", uploadID, err)
	}
	if current.Status == repository.SessionStatusDone {
		return current, nil
	}
	if err := checkCompletable(current); err != nil {
		return nil, err
	}

	merging, err := c.sessions.Transition(ctx, uploadID,
		[]repository.SessionStatus{repository.SessionStatusInitiated, repository.SessionStatusUploading, repository.SessionStatusFailed},
		repository.SessionStatusMerging, repository.SessionUpdate{})
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, invalidState("upload %s changed state concurrently", uploadID)
		}
		return nil, storageErr("start merge", err)
	}
	return merging, nil
}

func (c *UploadCoordinator) merge(ctx context.Context, session *repository.UploadSession) (*CompleteResult, error) {
	log := c.log.WithField("upload_id", session.ID)

	records, err := c.chunks.List(ctx, session.ID)
	if err != nil {
		c.fail(ctx, session.ID, "list chunks: "+err.Error(), true)
		return nil, storageErr("list chunks", err)
	}
	if len(records) != session.TotalChunks {
		msg := fmt.Sprintf("chunk records out of sync: have %d, want %d", len(records), session.TotalChunks)
		c.fail(ctx, session.ID, msg, true)
		return nil, storageErr(msg, nil)
	}
	refs := make([]chunkstore.Ref, len(records))
	for i, rec := range records {
		refs[i] = chunkstore.Ref{Index: rec.ChunkIndex, Path: rec.StoragePath, Hash: rec.ChunkHash, Size: rec.Size}
	}

	merged, err := c.store.Merge(ctx, session.ID, refs, c.cfg.VerifyChunksOnMerge)
	if err != nil {
		var corrupt *chunkstore.CorruptChunkError
		if errors.As(err, &corrupt) {
			metrics.IntegrityFailuresTotal.WithLabelValues(ScopeChunk).Inc()
			log.WithError(err).Error("stored chunk corrupted")
			c.fail(ctx, session.ID, err.Error(), false)
			c.cleanup(ctx, session.ID)
			return nil, chunkIntegrity(corrupt.Index, corrupt.Expected, corrupt.Actual)
		}
		c.fail(ctx, session.ID, "merge chunks: "+err.Error(), true)
		return nil, storageErr("merge chunks", err)
	}
	defer func() {
		if err := merged.Remove(); err != nil {
			log.WithError(err).Warn("remove merged blob")
		}
	}()

	if merged.Size != session.FileSize {
		metrics.IntegrityFailuresTotal.WithLabelValues(ScopeFile).Inc()
		metrics.UploadSessionsTotal.WithLabelValues("failed").Inc()
		log.WithFields(logrus.Fields{"expected": session.FileSize, "actual": merged.Size}).Warn("merged file size mismatch")
		c.fail(ctx, session.ID, fmt.Sprintf("size mismatch: expected %d bytes, got %d", session.FileSize, merged.Size), false)
		c.cleanup(ctx, session.ID)
		return nil, fileSizeMismatch(session.FileSize, merged.Size)
	}

	if !checksum.Equal(merged.Hash, session.FileHash) {
		metrics.IntegrityFailuresTotal.WithLabelValues(ScopeFile).Inc()
		metrics.UploadSessionsTotal.WithLabelValues("failed").Inc()
		log.WithFields(logrus.Fields{"expected": session.FileHash, "actual": merged.Hash}).Warn("merged file hash mismatch")
		c.fail(ctx, session.ID, fmt.Sprintf("checksum mismatch: expected %s, got %s", session.FileHash, merged.Hash), false)
		c.cleanup(ctx, session.ID)
		return nil, fileIntegrity(session.FileHash, merged.Hash)
	}

	owner := Owner{UserID: session.OwnerID, WorkspaceID: session.WorkspaceID}
	existing, err := c.files.FindByChecksum(ctx, session.FileHash, c.dedupOwner(owner))
	switch {
	case err == nil:
		metrics.DedupHitsTotal.WithLabelValues("complete").Inc()
		log.WithField("file_id", existing.ID).Info("merged content already stored, reusing file")
		return c.finish(ctx, session, existing, true)
	case !errors.Is(err, repository.ErrNotFound):
		c.fail(ctx, session.ID, "dedup lookup: "+err.Error(), true)
		return nil, storageErr("dedup lookup", err)
	}

	fileID := uuid.NewString()
	key := "files/" + fileID
	loc, err := c.promote(ctx, merged, key)
	if err != nil {
		c.fail(ctx, session.ID, "upload blob: "+err.Error(), true)
		return nil, storageErr("upload blob", err)
	}

	now := c.cfg.Now()
	record, err := c.files.Create(ctx, &repository.FileRecord{
		ID:           fileID,
		OwnerID:      session.OwnerID,
		WorkspaceID:  session.WorkspaceID,
		UploadID:     session.ID,
		OriginalName: session.FileName,
		MimeType:     session.MimeType,
		SizeBytes:    merged.Size,
		StoragePath:  loc.Path,
		StorageURL:   loc.URL,
		Checksum:     session.FileHash,
		Status:       repository.FileStatusPending,
		Metadata:     map[string]any{"total_chunks": session.TotalChunks, "chunk_size": session.ChunkSize},
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		c.deleteBlob(ctx, loc.Path)
		c.fail(ctx, session.ID, "create file record: "+err.Error(), true)
		return nil, storageErr("create file record", err)
	}

	result, err := c.finish(ctx, session, record, false)
	if err != nil {
		if delErr := c.files.Delete(context.WithoutCancel(ctx), record.ID); delErr != nil && !errors.Is(delErr, repository.ErrNotFound) {
			log.WithError(delErr).Error("roll back file record")
		}
		c.deleteBlob(ctx, loc.Path)
		return nil, err
	}

	if c.post == nil {
		return result, nil
	}
	if err := c.post.EnqueueVerify(ctx, record.ID); err != nil {
		// 文件保持 pending，由清理任务兜底
		log.WithError(err).WithField("file_id", record.ID).Error("enqueue post-processing")
	}
	return result, nil
}

func (c *UploadCoordinator) promote(ctx context.Context, merged *chunkstore.Merged, key string) (storage.Location, error) {
	f, err := merged.Open()
	if err != nil {
		return storage.Location{}, fmt.Errorf("open merged blob: %w", err)
	}
	defer f.Close()
	return c.blobs.Write(ctx, key, f)
}

// finish 把会话切到 done 并清理分片。
func (c *UploadCoordinator) finish(ctx context.Context, session *repository.UploadSession, file *repository.FileRecord, deduplicated bool) (*CompleteResult, error) {
	now := c.cfg.Now()
	_, err := c.sessions.Transition(ctx, session.ID,
		[]repository.SessionStatus{repository.SessionStatusMerging},
		repository.SessionStatusDone,
		repository.SessionUpdate{
			FileID:      file.ID,
			StoragePath: file.StoragePath,
			StorageURL:  file.StorageURL,
			CompletedAt: &now,
		})
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, invalidState("upload %s changed state during merge", session.ID)
		}
		c.fail(ctx, session.ID, "finish session: "+err.Error(), true)
		return nil, storageErr("finish session", err)
	}
	c.cleanup(ctx, session.ID)

	c.log.WithFields(logrus.Fields{
		"upload_id":    session.ID,
		"file_id":      file.ID,
		"deduplicated": deduplicated,
	}).Info("upload completed")

	return &CompleteResult{
		UploadID:         session.ID,
		FileID:           file.ID,
		FileURL:          file.StorageURL,
		SizeBytes:        file.SizeBytes,
		ChecksumVerified: true,
		Deduplicated:     deduplicated,
		Status:           file.Status,
	}, nil
}

func (c *UploadCoordinator) doneResult(ctx context.Context, session *repository.UploadSession) (*CompleteResult, error) {
	result := &CompleteResult{
		UploadID:         session.ID,
		FileID:           session.FileID,
		FileURL:          session.StorageURL,
		SizeBytes:        session.FileSize,
		ChecksumVerified: true,
	}
	file, err := c.files.GetByID(ctx, session.FileID)
	switch {
	case err == nil:
		result.Status = file.Status
		result.Deduplicated = file.UploadID != session.ID
	case errors.Is(err, repository.ErrNotFound):
		result.Status = repository.FileStatusDeleted
	default:
		return nil, fmt.Errorf("load file %s: %w", session.FileID, err)
	}
	return result, nil
}

// PutInput 是单请求上传的参数，FileHash 为空时以实际内容的哈希为准。
type PutInput struct {
	FileName string
	MimeType string
	FileHash string
	Data     []byte
}

// Put 把一次请求内的小文件走完 init、chunk、complete 三步。
func (c *UploadCoordinator) Put(ctx context.Context, owner Owner, in PutInput) (*CompleteResult, error) {
	size := int64(len(in.Data))
	if size > c.cfg.MaxChunkSize {
		return nil, validationf("file is %d bytes, use chunked upload above %d bytes", size, c.cfg.MaxChunkSize)
	}
	declared := in.FileHash
	if declared == "" {
		declared = checksum.Sum(in.Data)
	}

	init, err := c.Init(ctx, owner, InitInput{
		FileName:    in.FileName,
		MimeType:    in.MimeType,
		FileSize:    size,
		TotalChunks: 1,
		FileHash:    declared,
		ChunkSize:   c.cfg.MaxChunkSize,
	})
	if err != nil {
		return nil, err
	}
	if init.IsDuplicate {
		result := &CompleteResult{
			FileID:           init.ExistingFileID,
			FileURL:          init.FileURL,
			SizeBytes:        size,
			ChecksumVerified: true,
			Deduplicated:     true,
		}
		if file, err := c.files.GetByID(ctx, init.ExistingFileID); err == nil {
			result.Status = file.Status
		}
		return result, nil
	}
	if int((size+init.ChunkSize-1)/init.ChunkSize) != init.TotalChunks {
		return nil, validationf("a chunked upload with different parameters is already in progress for this content")
	}

	for _, idx := range init.MissingChunks {
		start := int64(idx) * init.ChunkSize
		end := min(start+init.ChunkSize, size)
		part := in.Data[start:end]
		if _, err := c.UploadChunk(ctx, owner, ChunkInput{
			UploadID: init.UploadID,
			Index:    idx,
			Hash:     checksum.Sum(part),
			Data:     part,
		}); err != nil {
			return nil, err
		}
	}
	return c.Complete(ctx, owner, init.UploadID)
}

// Cancel 删除已上传的分片并把会话标记为 failed("cancelled")；重复取消直接返回。
func (c *UploadCoordinator) Cancel(ctx context.Context, owner Owner, uploadID string) error {
	if _, err := c.loadOwned(ctx, owner, uploadID); err != nil {
		return err
	}

	unlock, err := c.locks.Lock(ctx, lockKey(uploadID))
	if err != nil {
		return storageErr("acquire upload lock", err)
	}
	session, err := c.sessions.Get(ctx, uploadID)
	if err != nil {
		unlock()
		return c.lookupErr("upload", uploadID, err)
	}

	from := []repository.SessionStatus{repository.SessionStatusInitiated, repository.SessionStatusUploading}
	switch session.Status {
	case repository.SessionStatusDone:
		unlock()
		return invalidState("upload %s is already completed", uploadID)
	case repository.SessionStatusMerging:
		unlock()
		return invalidState("upload %s is being merged", uploadID)
	case repository.SessionStatusExpired:
		unlock()
		return nil
	case repository.SessionStatusFailed:
		if !session.Retryable {
			unlock()
			return nil
		}
		from = append(from, repository.SessionStatusFailed)
	}

	_, err = c.sessions.Transition(ctx, uploadID, from, repository.SessionStatusFailed,
		repository.SessionUpdate{ErrorMessage: cancelledMessage})
	unlock()
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return invalidState("upload %s changed state concurrently", uploadID)
		}
		return storageErr("cancel upload", err)
	}

	c.cleanup(ctx, uploadID)
	metrics.UploadSessionsTotal.WithLabelValues("cancelled").Inc()
	c.log.WithField("upload_id", uploadID).Info("upload cancelled")
	return nil
}

// ExpireStale 把过期的未终结会话标记为 expired 并回收其分片，返回处理数量。
func (c *UploadCoordinator) ExpireStale(ctx context.Context, limit int) (int, error) {
	stale, err := c.sessions.ListExpired(ctx, c.cfg.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	expired := 0
	for _, s := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := c.expire(ctx, s.ID)
		if err != nil {
			return expired, err
		}
		if !ok {
			continue
		}
		expired++
		metrics.UploadSessionsTotal.WithLabelValues("expired").Inc()
		c.log.WithFields(logrus.Fields{"upload_id": s.ID, "status": s.Status}).Info("upload session expired")
	}
	return expired, nil
}

// expire 在会话锁内把会话切到 expired 并回收分片，保证正在登记的分片不会在清理之后落库。
func (c *UploadCoordinator) expire(ctx context.Context, uploadID string) (bool, error) {
	unlock, err := c.locks.Lock(ctx, lockKey(uploadID))
	if err != nil {
		return false, fmt.Errorf("lock session %s: %w", uploadID, err)
	}
	defer unlock()

	_, err = c.sessions.Transition(ctx, uploadID,
		[]repository.SessionStatus{
			repository.SessionStatusInitiated,
			repository.SessionStatusUploading,
			repository.SessionStatusMerging,
			repository.SessionStatusFailed,
		},
		repository.SessionStatusExpired,
		repository.SessionUpdate{ErrorMessage: expiredMessage})
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) || errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("expire session %s: %w", uploadID, err)
	}
	c.cleanup(ctx, uploadID)
	return true, nil
}

// fail 把 merging 会话标记为 failed；retryable 表示调用方可以再次 complete。
func (c *UploadCoordinator) fail(ctx context.Context, uploadID, message string, retryable bool) {
	_, err := c.sessions.Transition(context.WithoutCancel(ctx), uploadID,
		[]repository.SessionStatus{repository.SessionStatusMerging},
		repository.SessionStatusFailed,
		repository.SessionUpdate{ErrorMessage: message, Retryable: retryable})
	if err != nil {
		c.log.WithError(err).WithField("upload_id", uploadID).Error("mark session failed")
	}
}

// cleanup 删除分片记录与暂存文件；失败只记录日志。
func (c *UploadCoordinator) cleanup(ctx context.Context, uploadID string) {
	ctx = context.WithoutCancel(ctx)
	log := c.log.WithField("upload_id", uploadID)
	if err := c.chunks.DeleteByUpload(ctx, uploadID); err != nil {
		log.WithError(err).Warn("delete chunk records")
	}
	if err := c.store.Purge(uploadID); err != nil {
		log.WithError(err).Warn("purge chunk store")
	}
}

func (c *UploadCoordinator) deleteBlob(ctx context.Context, key string) {
	if err := c.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		c.log.WithError(err).WithField("storage_path", key).Error("delete orphaned blob")
	}
}

func (c *UploadCoordinator) loadOwned(ctx context.Context, owner Owner, uploadID string) (*repository.UploadSession, error) {
	if uploadID == "" {
		return nil, validationf("upload_id is required")
	}
	s, err := c.sessions.Get(ctx, uploadID)
	if err != nil {
		return nil, c.lookupErr("upload", uploadID, err)
	}
	if s.OwnerID != owner.UserID {
		return nil, forbidden("upload " + uploadID)
	}
	return s, nil
}

func (c *UploadCoordinator) lookupErr(what, id string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return notFound(what, id)
	}
	return fmt.Errorf("load %s %s: %w", what, id, err)
}

func lockKey(uploadID string) string {
	return "upload:" + uploadID
}
