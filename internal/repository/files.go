package repository

import (
	"context"
	"time"
)

// FileStatus 描述文件在后处理流水线中的生命周期。
type FileStatus string

const (
	FileStatusPending     FileStatus = "pending"
	FileStatusScanning    FileStatus = "scanning"
	FileStatusReady       FileStatus = "ready"
	FileStatusQuarantined FileStatus = "quarantined"
	FileStatusDeleted     FileStatus = "deleted"
)

// Dedupable 表示该状态的文件可以作为去重命中对象。
func (s FileStatus) Dedupable() bool {
	switch s {
	case FileStatusPending, FileStatusScanning, FileStatusReady:
		return true
	}
	return false
}

// ScanResult 记录一次恶意软件扫描的结论。
type ScanResult struct {
	ScannedAt      time.Time `json:"scanned_at"`
	Clean          bool      `json:"clean"`
	Threats        []string  `json:"threats,omitempty"`
	ScannerName    string    `json:"scanner_name"`
	ScannerVersion string    `json:"scanner_version,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	BytesScanned   int64     `json:"bytes_scanned"`
	Truncated      bool      `json:"truncated,omitempty"`
}

// FileRecord 代表数据库中的文件元数据。
type FileRecord struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	WorkspaceID  string         `json:"workspace_id,omitempty"`
	UploadID     string         `json:"upload_id,omitempty"`
	OriginalName string         `json:"original_name"`
	MimeType     string         `json:"mime_type"`
	SizeBytes    int64          `json:"size_bytes"`
	StoragePath  string         `json:"storage_path"`
	StorageURL   string         `json:"storage_url,omitempty"`
	Checksum     string         `json:"checksum"`
	Status       FileStatus     `json:"status"`
	ScanResult   *ScanResult    `json:"scan_result,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
}

// ListFilesParams 用于分页检索文件。
type ListFilesParams struct {
	OwnerID  string
	Statuses []FileStatus
	Limit    int
	Offset   int
}

// FileRepository 统一文件元数据持久层接口。
type FileRepository interface {
	Create(ctx context.Context, record *FileRecord) (*FileRecord, error)
	GetByID(ctx context.Context, id string) (*FileRecord, error)
	List(ctx context.Context, params ListFilesParams) ([]FileRecord, error)
	// FindByChecksum 查找可复用的文件；ownerID 为空时在全局范围内查找。
	FindByChecksum(ctx context.Context, checksum, ownerID string) (*FileRecord, error)
	// TransitionStatus 仅当当前状态属于 from 时才更新，否则返回 ErrStatusConflict。
	TransitionStatus(ctx context.Context, id string, from []FileStatus, to FileStatus) error
	// SetScanResult 在状态迁移的同时写入扫描结果。
	SetScanResult(ctx context.Context, id string, from, to FileStatus, result ScanResult) error
	ListByStatusBefore(ctx context.Context, status FileStatus, before time.Time, limit int) ([]FileRecord, error)
	// SoftDelete 把文件标记为 deleted 并记录删除时间，已删除时返回 ErrStatusConflict。
	SoftDelete(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// IncidentKindMalware 标记扫描发现恶意内容的安全事件。
const IncidentKindMalware = "malware_detected"

// SecurityIncident 是需要人工跟进的安全事件。
type SecurityIncident struct {
	ID        string    `json:"id"`
	FileID    string    `json:"file_id"`
	OwnerID   string    `json:"owner_id"`
	Kind      string    `json:"kind"`
	Threats   []string  `json:"threats"`
	Scanner   string    `json:"scanner"`
	CreatedAt time.Time `json:"created_at"`
}

// IncidentRepository 持久化安全事件。
type IncidentRepository interface {
	Create(ctx context.Context, incident *SecurityIncident) error
	List(ctx context.Context, limit int) ([]SecurityIncident, error)
}
