package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dropvault/internal/repository"
)

// NewFileRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewFileRepository(db *sql.DB) *FileRepository {
	return &FileRepository{db: db}
}

// FileRepository 实现 repository.FileRepository。
type FileRepository struct {
	db *sql.DB
}

var fileSelectColumns = []string{
	"id",
	"owner_id",
	"workspace_id",
	"upload_id",
	"original_name",
	"mime_type",
	"size_bytes",
	"storage_path",
	"storage_url",
	"checksum",
	"status",
	"scan_result",
	"metadata",
	"created_at",
	"updated_at",
	"deleted_at",
}

var fileInsertColumns = []string{
	"id",
	"owner_id",
	"workspace_id",
	"upload_id",
	"original_name",
	"mime_type",
	"size_bytes",
	"storage_path",
	"storage_url",
	"checksum",
	"status",
	"metadata",
	"created_at",
	"updated_at",
}

var dedupableStatuses = []repository.FileStatus{
	repository.FileStatusPending,
	repository.FileStatusScanning,
	repository.FileStatusReady,
}

// Create 插入文件记录并返回数据库生成字段。
func (r *FileRepository) Create(ctx context.Context, record *repository.FileRecord) (*repository.FileRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("file record is nil")
	}

	metadataBytes, err := encodeMetadata(record.Metadata)
	if err != nil {
		return nil, err
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`INSERT INTO files (%s)
	VALUES (%s)
	RETURNING %s`,
		strings.Join(fileInsertColumns, ","),
		placeholders(len(fileInsertColumns), 1),
		strings.Join(fileSelectColumns, ","),
	)

	row := r.db.QueryRowContext(
		ctx,
		query,
		record.ID,
		record.OwnerID,
		nullString(record.WorkspaceID),
		nullString(record.UploadID),
		record.OriginalName,
		record.MimeType,
		record.SizeBytes,
		record.StoragePath,
		nullString(record.StorageURL),
		record.Checksum,
		record.Status,
		metadataBytes,
		createdAt,
		createdAt,
	)

	return scanFileRecord(row)
}

// GetByID 通过主键查询文件记录。
func (r *FileRepository) GetByID(ctx context.Context, id string) (*repository.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files WHERE id = $1`, strings.Join(fileSelectColumns, ","))
	file, err := scanFileRecord(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

// List 支持按 owner 与状态过滤并分页。
func (r *FileRepository) List(ctx context.Context, params repository.ListFilesParams) ([]repository.FileRecord, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	args := make([]any, 0, len(params.Statuses)+3)
	conditions := make([]string, 0, 2)
	if params.OwnerID != "" {
		args = append(args, params.OwnerID)
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if len(params.Statuses) > 0 {
		conditions = append(conditions, "status IN ("+placeholders(len(params.Statuses), len(args)+1)+")")
		for _, status := range params.Statuses {
			args = append(args, status)
		}
	} else {
		// 默认排除已删除的文件
		args = append(args, repository.FileStatusDeleted)
		conditions = append(conditions, fmt.Sprintf("status != $%d", len(args)))
	}

	args = append(args, limit)
	tail := fmt.Sprintf("ORDER BY created_at DESC LIMIT $%d", len(args))
	if params.Offset > 0 {
		args = append(args, params.Offset)
		tail += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	query := fmt.Sprintf(`SELECT %s FROM files WHERE %s %s`,
		strings.Join(fileSelectColumns, ","), strings.Join(conditions, " AND "), tail)
	return r.queryFiles(ctx, query, args...)
}

// FindByChecksum 返回最早创建的可复用文件；ownerID 为空时不限制 owner。
func (r *FileRepository) FindByChecksum(ctx context.Context, checksum, ownerID string) (*repository.FileRecord, error) {
	args := []any{checksum}
	where := "checksum = $1"
	if ownerID != "" {
		args = append(args, ownerID)
		where += " AND owner_id = $2"
	}
	where += " AND status IN (" + placeholders(len(dedupableStatuses), len(args)+1) + ")"
	for _, status := range dedupableStatuses {
		args = append(args, status)
	}

	query := fmt.Sprintf(`SELECT %s FROM files WHERE %s ORDER BY created_at ASC LIMIT 1`,
		strings.Join(fileSelectColumns, ","), where)
	file, err := scanFileRecord(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

// TransitionStatus 以条件更新实现状态迁移。
func (r *FileRepository) TransitionStatus(ctx context.Context, id string, from []repository.FileStatus, to repository.FileStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("transition requires at least one source status")
	}
	args := []any{to, time.Now().UTC(), id}
	for _, status := range from {
		args = append(args, status)
	}
	query := fmt.Sprintf(`UPDATE files SET status = $1, updated_at = $2 WHERE id = $3 AND status IN (%s)`,
		placeholders(len(from), 4))
	return r.execConditional(ctx, id, query, args...)
}

// SetScanResult 写入扫描结论并迁移状态。
func (r *FileRepository) SetScanResult(ctx context.Context, id string, from, to repository.FileStatus, result repository.ScanResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode scan result: %w", err)
	}
	query := `UPDATE files SET status = $1, scan_result = $2, updated_at = $3 WHERE id = $4 AND status = $5`
	return r.execConditional(ctx, id, query, to, payload, time.Now().UTC(), id, from)
}

// ListByStatusBefore 返回指定状态且 updated_at 早于 before 的文件。
func (r *FileRepository) ListByStatusBefore(ctx context.Context, status repository.FileStatus, before time.Time, limit int) ([]repository.FileRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM files WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`,
		strings.Join(fileSelectColumns, ","))
	return r.queryFiles(ctx, query, status, before, limit)
}

// SoftDelete 标记删除。
func (r *FileRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE files SET status = $1, deleted_at = $2, updated_at = $2 WHERE id = $3 AND status != $1`
	return r.execConditional(ctx, id, query, repository.FileStatusDeleted, at, id)
}

// Delete 物理删除记录。
func (r *FileRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *FileRepository) queryFiles(ctx context.Context, query string, args ...any) ([]repository.FileRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []repository.FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// execConditional 执行带状态条件的更新，区分记录不存在与状态不符。
func (r *FileRepository) execConditional(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM files WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrStatusConflict
}

func scanFileRecord(rs rowScanner) (*repository.FileRecord, error) {
	var (
		rec         repository.FileRecord
		workspaceID sql.NullString
		uploadID    sql.NullString
		storageURL  sql.NullString
		scanResult  []byte
		metadata    []byte
		deletedAt   sql.NullTime
	)

	if err := rs.Scan(
		&rec.ID,
		&rec.OwnerID,
		&workspaceID,
		&uploadID,
		&rec.OriginalName,
		&rec.MimeType,
		&rec.SizeBytes,
		&rec.StoragePath,
		&storageURL,
		&rec.Checksum,
		&rec.Status,
		&scanResult,
		&metadata,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&deletedAt,
	); err != nil {
		return nil, err
	}

	rec.WorkspaceID = workspaceID.String
	rec.UploadID = uploadID.String
	rec.StorageURL = storageURL.String
	if deletedAt.Valid {
		rec.DeletedAt = &deletedAt.Time
	}
	if len(scanResult) > 0 {
		var sr repository.ScanResult
		if err := json.Unmarshal(scanResult, &sr); err != nil {
			return nil, fmt.Errorf("decode scan result: %w", err)
		}
		rec.ScanResult = &sr
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, err
		}
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}

	return &rec, nil
}
