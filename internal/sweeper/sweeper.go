// Package sweeper 周期性回收过期会话、超过保留期的已删除文件以及卡在 pending 的文件。
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dropvault/internal/metrics"
	"dropvault/internal/repository"
	"dropvault/internal/storage"
)

const defaultBatch = 200

// SessionExpirer 由 service.UploadCoordinator 实现。
type SessionExpirer interface {
	ExpireStale(ctx context.Context, limit int) (int, error)
}

// Config 控制清理周期与各类保留期。
type Config struct {
	Interval            time.Duration
	DeletedRetention    time.Duration
	PendingAbandonAfter time.Duration
	BatchSize           int
	Now                 func() time.Time
}

// Sweeper 执行三类相互独立的清理，每一类都可以重复执行。
type Sweeper struct {
	sessions SessionExpirer
	files    repository.FileRepository
	blobs    storage.Deleter
	cfg      Config
	log      logrus.FieldLogger
}

func New(sessions SessionExpirer, files repository.FileRepository, blobs storage.Deleter, cfg Config, log logrus.FieldLogger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.DeletedRetention <= 0 {
		cfg.DeletedRetention = 7 * 24 * time.Hour
	}
	if cfg.PendingAbandonAfter <= 0 {
		cfg.PendingAbandonAfter = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatch
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		sessions: sessions,
		files:    files,
		blobs:    blobs,
		cfg:      cfg,
		log:      log.WithField("component", "sweeper"),
	}
}

// Run 每隔 Interval 执行一次 RunOnce，直到 ctx 结束。
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.WithField("interval", s.cfg.Interval.String()).Info("sweeper started")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("sweep finished with errors")
		}
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce 依次执行全部清理并合并错误，某一类失败不影响其它类。
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var errs []error
	if _, err := s.ExpireSessions(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.PurgeDeleted(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.PurgeAbandoned(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ExpireSessions 把超过 expiresAt 的未终结会话标记为 expired。
func (s *Sweeper) ExpireSessions(ctx context.Context) (int, error) {
	n, err := s.sessions.ExpireStale(ctx, s.cfg.BatchSize)
	if n > 0 {
		metrics.SweepReclaimedTotal.WithLabelValues("sessions").Add(float64(n))
		s.log.WithField("count", n).Info("expired upload sessions")
	}
	if err != nil {
		return n, fmt.Errorf("expire sessions: %w", err)
	}
	return n, nil
}

// PurgeDeleted 删除软删除超过保留期的文件：先删对象，再删记录。
func (s *Sweeper) PurgeDeleted(ctx context.Context) (int, error) {
	cutoff := s.cfg.Now().Add(-s.cfg.DeletedRetention)
	records, err := s.files.ListByStatusBefore(ctx, repository.FileStatusDeleted, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list deleted files: %w", err)
	}

	purged := 0
	var errs []error
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if err := s.reclaim(ctx, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		purged++
	}
	if purged > 0 {
		metrics.SweepReclaimedTotal.WithLabelValues("deleted_files").Add(float64(purged))
		s.log.WithField("count", purged).Info("purged deleted files")
	}
	return purged, errors.Join(errs...)
}

// PurgeAbandoned 回收长时间停留在 pending 的文件，通常是入队失败的上传。
// 先用条件更新把状态切到 deleted，与此同时开始校验的任务会得到状态冲突。
func (s *Sweeper) PurgeAbandoned(ctx context.Context) (int, error) {
	cutoff := s.cfg.Now().Add(-s.cfg.PendingAbandonAfter)
	records, err := s.files.ListByStatusBefore(ctx, repository.FileStatusPending, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending files: %w", err)
	}

	purged := 0
	var errs []error
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		err := s.files.TransitionStatus(ctx, rec.ID,
			[]repository.FileStatus{repository.FileStatusPending}, repository.FileStatusDeleted)
		if err != nil {
			if errors.Is(err, repository.ErrStatusConflict) || errors.Is(err, repository.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("claim pending file %s: %w", rec.ID, err))
			continue
		}
		if err := s.reclaim(ctx, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		purged++
	}
	if purged > 0 {
		metrics.SweepReclaimedTotal.WithLabelValues("abandoned_files").Add(float64(purged))
		s.log.WithField("count", purged).Warn("purged abandoned pending files")
	}
	return purged, errors.Join(errs...)
}

func (s *Sweeper) reclaim(ctx context.Context, rec repository.FileRecord) error {
	log := s.log.WithFields(logrus.Fields{"file_id": rec.ID, "storage_path": rec.StoragePath})
	if err := s.blobs.Delete(ctx, rec.StoragePath); err != nil {
		log.WithError(err).Warn("delete blob")
		return fmt.Errorf("delete blob of %s: %w", rec.ID, err)
	}
	if err := s.files.Delete(ctx, rec.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("delete file %s: %w", rec.ID, err)
	}
	log.Debug("file reclaimed")
	return nil
}
