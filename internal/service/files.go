package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"dropvault/internal/repository"
	"dropvault/internal/storage"
)

// FileService 封装已合并文件的查询、下载与删除。
type FileService struct {
	repo  repository.FileRepository
	store storage.Reader
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewFileService(repo repository.FileRepository, store storage.Reader, log logrus.FieldLogger) *FileService {
	return &FileService{
		repo:  repo,
		store: store,
		log:   log.WithField("component", "file_service"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ListFilesInput 是列表查询参数，Status 为空时返回除 deleted 以外的全部状态。
type ListFilesInput struct {
	Status string
	Limit  int
	Offset int
}

// ListFiles 以分页形式列出调用方自己的文件。
func (s *FileService) ListFiles(ctx context.Context, owner Owner, input ListFilesInput) ([]repository.FileRecord, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("file service not initialized")
	}
	params, err := buildListParams(owner, input)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	if records == nil {
		records = []repository.FileRecord{}
	}
	return records, nil
}

func buildListParams(owner Owner, input ListFilesInput) (repository.ListFilesParams, error) {
	params := repository.ListFilesParams{OwnerID: owner.UserID, Limit: input.Limit, Offset: input.Offset}
	switch {
	case input.Limit < 0 || input.Limit > 200:
		return params, validationf("limit must be between 1 and 200")
	case input.Offset < 0:
		return params, validationf("offset must not be negative")
	}
	if params.Limit == 0 {
		params.Limit = 50
	}
	if input.Status != "" {
		status := repository.FileStatus(input.Status)
		switch status {
		case repository.FileStatusPending, repository.FileStatusScanning, repository.FileStatusReady,
			repository.FileStatusQuarantined, repository.FileStatusDeleted:
		default:
			return params, validationf("unknown status %q", input.Status)
		}
		params.Statuses = []repository.FileStatus{status}
	}
	return params, nil
}

// GetFile 返回调用方拥有的文件记录。
func (s *FileService) GetFile(ctx context.Context, owner Owner, id string) (*repository.FileRecord, error) {
	if id == "" {
		return nil, validationf("file id is required")
	}
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("file", id)
		}
		return nil, fmt.Errorf("load file %s: %w", id, err)
	}
	if record.OwnerID != owner.UserID {
		return nil, forbidden("file " + id)
	}
	return record, nil
}

// CheckAccess 只允许 ready 状态的文件被下载或分享。
func CheckAccess(record *repository.FileRecord) error {
	if record.Status != repository.FileStatusReady {
		return invalidState("file %s is %s and cannot be accessed", record.ID, record.Status)
	}
	return nil
}

// OpenFile 打开 ready 文件的内容流，调用方负责关闭。
func (s *FileService) OpenFile(ctx context.Context, owner Owner, id string) (*repository.FileRecord, io.ReadCloser, error) {
	record, err := s.GetFile(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	if err := CheckAccess(record); err != nil {
		return nil, nil, err
	}
	body, err := s.store.Read(ctx, record.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.log.WithField("file_id", id).Error("blob missing for ready file")
			return nil, nil, notFound("file content", id)
		}
		return nil, nil, storageErr("read blob", err)
	}
	return record, body, nil
}

// DeleteFile 软删除文件，实际的存储回收由清理任务在保留期后完成。重复删除直接返回。
func (s *FileService) DeleteFile(ctx context.Context, owner Owner, id string) error {
	record, err := s.GetFile(ctx, owner, id)
	if err != nil {
		return err
	}
	if record.Status == repository.FileStatusDeleted {
		return nil
	}
	if err := s.repo.SoftDelete(ctx, id, s.now()); err != nil {
		switch {
		case errors.Is(err, repository.ErrStatusConflict):
			return nil
		case errors.Is(err, repository.ErrNotFound):
			return notFound("file", id)
		}
		return fmt.Errorf("delete file %s: %w", id, err)
	}
	s.log.WithField("file_id", id).Info("file soft deleted")
	return nil
}
