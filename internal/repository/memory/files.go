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

// FileRepository 实现 repository.FileRepository。
type FileRepository struct {
	mu    sync.Mutex
	files map[string]*repository.FileRecord
}

// NewFileRepository 创建空的文件仓储。
func NewFileRepository() *FileRepository {
	return &FileRepository{files: make(map[string]*repository.FileRecord)}
}

func cloneFile(rec *repository.FileRecord) *repository.FileRecord {
	out := *rec
	if rec.ScanResult != nil {
		sr := *rec.ScanResult
		sr.Threats = slices.Clone(rec.ScanResult.Threats)
		out.ScanResult = &sr
	}
	if rec.Metadata != nil {
		out.Metadata = make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			out.Metadata[k] = v
		}
	}
	if rec.DeletedAt != nil {
		t := *rec.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

func (r *FileRepository) Create(_ context.Context, record *repository.FileRecord) (*repository.FileRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("file record is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.files[record.ID]; exists {
		return nil, fmt.Errorf("file %s already exists", record.ID)
	}
	stored := cloneFile(record)
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt
	if stored.Metadata == nil {
		stored.Metadata = map[string]any{}
	}
	r.files[stored.ID] = stored
	return cloneFile(stored), nil
}

func (r *FileRepository) GetByID(_ context.Context, id string) (*repository.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneFile(rec), nil
}

func (r *FileRepository) List(_ context.Context, params repository.ListFilesParams) ([]repository.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []repository.FileRecord
	for _, rec := range r.files {
		if params.OwnerID != "" && rec.OwnerID != params.OwnerID {
			continue
		}
		if len(params.Statuses) > 0 {
			if !slices.Contains(params.Statuses, rec.Status) {
				continue
			}
		} else if rec.Status == repository.FileStatusDeleted {
			continue
		}
		out = append(out, *cloneFile(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if params.Offset > 0 {
		if params.Offset >= len(out) {
			return nil, nil
		}
		out = out[params.Offset:]
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *FileRepository) FindByChecksum(_ context.Context, checksum, ownerID string) (*repository.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *repository.FileRecord
	for _, rec := range r.files {
		if rec.Checksum != checksum || !rec.Status.Dedupable() {
			continue
		}
		if ownerID != "" && rec.OwnerID != ownerID {
			continue
		}
		if best == nil || rec.CreatedAt.Before(best.CreatedAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return cloneFile(best), nil
}

func (r *FileRepository) TransitionStatus(_ context.Context, id string, from []repository.FileStatus, to repository.FileStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.files[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !slices.Contains(from, rec.Status) {
		return repository.ErrStatusConflict
	}
	rec.Status = to
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *FileRepository) SetScanResult(_ context.Context, id string, from, to repository.FileStatus, result repository.ScanResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.files[id]
	if !ok {
		return repository.ErrNotFound
	}
	if rec.Status != from {
		return repository.ErrStatusConflict
	}
	result.Threats = slices.Clone(result.Threats)
	rec.Status = to
	rec.ScanResult = &result
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *FileRepository) ListByStatusBefore(_ context.Context, status repository.FileStatus, before time.Time, limit int) ([]repository.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []repository.FileRecord
	for _, rec := range r.files {
		if rec.Status == status && rec.UpdatedAt.Before(before) {
			out = append(out, *cloneFile(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *FileRepository) SoftDelete(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.files[id]
	if !ok {
		return repository.ErrNotFound
	}
	if rec.Status == repository.FileStatusDeleted {
		return repository.ErrStatusConflict
	}
	rec.Status = repository.FileStatusDeleted
	rec.DeletedAt = &at
	rec.UpdatedAt = at
	return nil
}

func (r *FileRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.files[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.files, id)
	return nil
}

// Backdate 调整记录的时间戳，测试清理任务时使用。
func (r *FileRepository) Backdate(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.files[id]; ok {
		rec.CreatedAt = at
		rec.UpdatedAt = at
		if rec.DeletedAt != nil {
			rec.DeletedAt = &at
		}
	}
}

// IncidentRepository 实现 repository.IncidentRepository。
type IncidentRepository struct {
	mu        sync.Mutex
	incidents []repository.SecurityIncident
}

// NewIncidentRepository 创建空的安全事件仓储。
func NewIncidentRepository() *IncidentRepository {
	return &IncidentRepository{}
}

func (r *IncidentRepository) Create(_ context.Context, incident *repository.SecurityIncident) error {
	if incident == nil {
		return fmt.Errorf("incident is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *incident
	stored.Threats = slices.Clone(incident.Threats)
	r.incidents = append(r.incidents, stored)
	return nil
}

func (r *IncidentRepository) List(_ context.Context, limit int) ([]repository.SecurityIncident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]repository.SecurityIncident, 0, len(r.incidents))
	for i := len(r.incidents) - 1; i >= 0; i-- {
		out = append(out, r.incidents[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
