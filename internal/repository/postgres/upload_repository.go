package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"dropvault/internal/repository"
)

// SessionRepository 实现 repository.SessionRepository，uploaded_chunks 使用 int[] 存储。
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository 返回基于 *sql.DB 的会话仓储。
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

var sessionSelectColumns = []string{
	"id",
	"owner_id",
	"workspace_id",
	"file_name",
	"mime_type",
	"file_size",
	"chunk_size",
	"total_chunks",
	"file_hash",
	"uploaded_chunks",
	"status",
	"file_id",
	"storage_path",
	"storage_url",
	"error_message",
	"retryable",
	"expires_at",
	"created_at",
	"updated_at",
	"completed_at",
}

var sessionInsertColumns = []string{
	"id",
	"owner_id",
	"workspace_id",
	"file_name",
	"mime_type",
	"file_size",
	"chunk_size",
	"total_chunks",
	"file_hash",
	"status",
	"expires_at",
	"created_at",
	"updated_at",
}

var expirableStatuses = []repository.SessionStatus{
	repository.SessionStatusInitiated,
	repository.SessionStatusUploading,
	repository.SessionStatusMerging,
}

func (r *SessionRepository) Create(ctx context.Context, session *repository.UploadSession) (*repository.UploadSession, error) {
	if session == nil {
		return nil, fmt.Errorf("upload session is nil")
	}

	query := fmt.Sprintf(`INSERT INTO upload_sessions (%s)
	VALUES (%s)
	RETURNING %s`,
		strings.Join(sessionInsertColumns, ","),
		placeholders(len(sessionInsertColumns), 1),
		strings.Join(sessionSelectColumns, ","),
	)

	row := r.db.QueryRowContext(ctx, query,
		session.ID,
		session.OwnerID,
		nullString(session.WorkspaceID),
		session.FileName,
		session.MimeType,
		session.FileSize,
		session.ChunkSize,
		session.TotalChunks,
		session.FileHash,
		session.Status,
		session.ExpiresAt,
		session.CreatedAt,
		session.UpdatedAt,
	)
	return r.scanSession(row)
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*repository.UploadSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM upload_sessions WHERE id = $1`, strings.Join(sessionSelectColumns, ","))
	return r.one(r.db.QueryRowContext(ctx, query, id))
}

func (r *SessionRepository) FindResumable(ctx context.Context, ownerID, workspaceID, fileHash string, now time.Time) (*repository.UploadSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM upload_sessions
	WHERE owner_id = $1 AND COALESCE(workspace_id, '') = $2 AND file_hash = $3
	  AND status IN ($4, $5) AND expires_at > $6
	ORDER BY created_at DESC LIMIT 1`, strings.Join(sessionSelectColumns, ","))
	row := r.db.QueryRowContext(ctx, query,
		ownerID, workspaceID, fileHash,
		repository.SessionStatusInitiated, repository.SessionStatusUploading, now)
	return r.one(row)
}

// AddChunk 通过单条条件 UPDATE 完成集合添加，并发请求不会互相覆盖。
func (r *SessionRepository) AddChunk(ctx context.Context, id string, index int, now time.Time) (*repository.UploadSession, error) {
	query := fmt.Sprintf(`UPDATE upload_sessions SET
		uploaded_chunks = ARRAY(
			SELECT DISTINCT c FROM unnest(array_append(uploaded_chunks, $2::int)) AS c ORDER BY c
		),
		status = $3,
		updated_at = $4
	WHERE id = $1 AND status IN ($5, $6) AND $2::int >= 0 AND $2::int < total_chunks
	RETURNING %s`, strings.Join(sessionSelectColumns, ","))

	row := r.db.QueryRowContext(ctx, query,
		id, index, repository.SessionStatusUploading, now,
		repository.SessionStatusInitiated, repository.SessionStatusUploading)
	session, err := r.scanSession(row)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return nil, r.conflictOrMissing(ctx, id)
}

func (r *SessionRepository) Transition(ctx context.Context, id string, from []repository.SessionStatus, to repository.SessionStatus, update repository.SessionUpdate) (*repository.UploadSession, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("transition requires at least one source status")
	}

	args := []any{
		id,
		to,
		nullString(update.ErrorMessage),
		update.Retryable,
		nullString(update.FileID),
		nullString(update.StoragePath),
		nullString(update.StorageURL),
		update.CompletedAt,
		time.Now().UTC(),
	}
	for _, status := range from {
		args = append(args, status)
	}

	query := fmt.Sprintf(`UPDATE upload_sessions SET
		status = $2,
		error_message = $3,
		retryable = $4,
		file_id = COALESCE($5, file_id),
		storage_path = COALESCE($6, storage_path),
		storage_url = COALESCE($7, storage_url),
		completed_at = COALESCE($8, completed_at),
		updated_at = $9
	WHERE id = $1 AND status IN (%s)
	RETURNING %s`, placeholders(len(from), 10), strings.Join(sessionSelectColumns, ","))

	session, err := r.scanSession(r.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return nil, r.conflictOrMissing(ctx, id)
}

func (r *SessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]repository.UploadSession, error) {
	if limit <= 0 {
		limit = 100
	}
	args := []any{now, repository.SessionStatusFailed, limit}
	for _, status := range expirableStatuses {
		args = append(args, status)
	}
	query := fmt.Sprintf(`SELECT %s FROM upload_sessions
	WHERE expires_at < $1 AND (status IN (%s) OR (status = $2 AND retryable))
	ORDER BY expires_at ASC LIMIT $3`,
		strings.Join(sessionSelectColumns, ","), placeholders(len(expirableStatuses), 4))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repository.UploadSession
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *SessionRepository) one(row *sql.Row) (*repository.UploadSession, error) {
	session, err := r.scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (r *SessionRepository) conflictOrMissing(ctx context.Context, id string) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM upload_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrStatusConflict
}

func (r *SessionRepository) scanSession(rs rowScanner) (*repository.UploadSession, error) {
	var (
		s            repository.UploadSession
		workspaceID  sql.NullString
		chunks       []int32
		fileID       sql.NullString
		storagePath  sql.NullString
		storageURL   sql.NullString
		errorMessage sql.NullString
		completedAt  sql.NullTime
	)

	if err := rs.Scan(
		&s.ID,
		&s.OwnerID,
		&workspaceID,
		&s.FileName,
		&s.MimeType,
		&s.FileSize,
		&s.ChunkSize,
		&s.TotalChunks,
		&s.FileHash,
		pgtype.NewMap().SQLScanner(&chunks),
		&s.Status,
		&fileID,
		&storagePath,
		&storageURL,
		&errorMessage,
		&s.Retryable,
		&s.ExpiresAt,
		&s.CreatedAt,
		&s.UpdatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	s.WorkspaceID = workspaceID.String
	s.FileID = fileID.String
	s.StoragePath = storagePath.String
	s.StorageURL = storageURL.String
	s.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	s.UploadedChunks = make([]int, len(chunks))
	for i, c := range chunks {
		s.UploadedChunks[i] = int(c)
	}
	return &s, nil
}

// ChunkRepository 实现 repository.ChunkRepository。
type ChunkRepository struct {
	db *sql.DB
}

// NewChunkRepository 返回基于 *sql.DB 的分片仓储。
func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// Upsert 依赖 (upload_id, chunk_index) 唯一约束覆盖旧记录，并在同一语句中取回旧路径。
func (r *ChunkRepository) Upsert(ctx context.Context, chunk *repository.UploadChunk) (string, error) {
	if chunk == nil {
		return "", fmt.Errorf("upload chunk is nil")
	}

	const query = `WITH previous AS (
		SELECT storage_path FROM upload_chunks WHERE upload_id = $1 AND chunk_index = $2
	)
	INSERT INTO upload_chunks (upload_id, chunk_index, chunk_hash, size, storage_path, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $6)
	ON CONFLICT (upload_id, chunk_index) DO UPDATE SET
		chunk_hash = EXCLUDED.chunk_hash,
		size = EXCLUDED.size,
		storage_path = EXCLUDED.storage_path,
		updated_at = EXCLUDED.updated_at
	RETURNING COALESCE((SELECT storage_path FROM previous), '')`

	now := chunk.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var previous string
	err := r.db.QueryRowContext(ctx, query,
		chunk.UploadID, chunk.ChunkIndex, chunk.ChunkHash, chunk.Size, chunk.StoragePath, now,
	).Scan(&previous)
	if err != nil {
		return "", fmt.Errorf("upsert chunk: %w", err)
	}
	return previous, nil
}

func (r *ChunkRepository) List(ctx context.Context, uploadID string) ([]repository.UploadChunk, error) {
	const query = `SELECT upload_id, chunk_index, chunk_hash, size, storage_path, created_at, updated_at
	FROM upload_chunks WHERE upload_id = $1 ORDER BY chunk_index ASC`

	rows, err := r.db.QueryContext(ctx, query, uploadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repository.UploadChunk
	for rows.Next() {
		var c repository.UploadChunk
		if err := rows.Scan(&c.UploadID, &c.ChunkIndex, &c.ChunkHash, &c.Size, &c.StoragePath, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ChunkRepository) DeleteByUpload(ctx context.Context, uploadID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM upload_chunks WHERE upload_id = $1`, uploadID)
	return err
}

// IncidentRepository 实现 repository.IncidentRepository。
type IncidentRepository struct {
	db *sql.DB
}

// NewIncidentRepository 返回基于 *sql.DB 的安全事件仓储。
func NewIncidentRepository(db *sql.DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

func (r *IncidentRepository) Create(ctx context.Context, incident *repository.SecurityIncident) error {
	if incident == nil {
		return fmt.Errorf("incident is nil")
	}
	const query = `INSERT INTO security_incidents (id, file_id, owner_id, kind, threats, scanner, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.ExecContext(ctx, query,
		incident.ID, incident.FileID, incident.OwnerID, incident.Kind, incident.Threats, incident.Scanner, incident.CreatedAt)
	return err
}

func (r *IncidentRepository) List(ctx context.Context, limit int) ([]repository.SecurityIncident, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, file_id, owner_id, kind, threats, scanner, created_at
	FROM security_incidents ORDER BY created_at DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	typeMap := pgtype.NewMap()
	var out []repository.SecurityIncident
	for rows.Next() {
		var inc repository.SecurityIncident
		if err := rows.Scan(&inc.ID, &inc.FileID, &inc.OwnerID, &inc.Kind, typeMap.SQLScanner(&inc.Threats), &inc.Scanner, &inc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
