// Package pipeline 实现文件合并后的异步后处理：存在性与完整性校验，然后恶意文件扫描。
//
// 文件状态只沿 pending -> scanning -> ready|quarantined 前进。每个任务都带确定性的幂等键，
// 处理前先检查当前状态，前置状态不符时直接返回，重复投递不会产生额外效果。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dropvault/internal/checksum"
	"dropvault/internal/metrics"
	"dropvault/internal/queue"
	"dropvault/internal/repository"
	"dropvault/internal/scanner"
	"dropvault/internal/service"
	"dropvault/internal/storage"
)

const (
	QueueName = "postprocess"
	JobVerify = "verify"
	JobScan   = "scan"

	verifyPriority = 10
	scanPriority   = 5
)

// Payload 是两类任务共用的负载。
type Payload struct {
	FileID string `json:"file_id"`
}

// Config 控制校验与扫描行为。
type Config struct {
	VerifyChecksum bool
	MaxScanBytes   int64
	ScanTimeout    time.Duration
	Attempts       int
	Backoff        queue.Backoff
	Now            func() time.Time
}

// Pipeline 注册 verify 与 scan 两个任务处理函数。
type Pipeline struct {
	files     repository.FileRepository
	incidents repository.IncidentRepository
	blobs     storage.Storage
	scanner   scanner.Scanner
	jobs      queue.Queue
	log       logrus.FieldLogger
	cfg       Config
}

// New 创建后处理流水线。
func New(files repository.FileRepository, incidents repository.IncidentRepository, blobs storage.Storage,
	sc scanner.Scanner, jobs queue.Queue, cfg Config, log logrus.FieldLogger) *Pipeline {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Pipeline{
		files:     files,
		incidents: incidents,
		blobs:     blobs,
		scanner:   sc,
		jobs:      jobs,
		log:       log.WithField("component", "pipeline"),
		cfg:       cfg,
	}
}

// Register 把处理函数挂到 worker 上。
func (p *Pipeline) Register(w *queue.Worker) {
	w.Handle(JobVerify, p.Verify)
	w.Handle(JobScan, p.Scan)
}

func (p *Pipeline) options(key string, priority int) queue.EnqueueOptions {
	return queue.EnqueueOptions{
		IdempotencyKey: key,
		Priority:       priority,
		Attempts:       p.cfg.Attempts,
		Backoff:        p.cfg.Backoff,
	}
}

// EnqueueVerify 安排 verify 任务，幂等键为 verify:<fileID>。
func (p *Pipeline) EnqueueVerify(ctx context.Context, fileID string) error {
	job, err := p.jobs.Enqueue(ctx, QueueName, JobVerify, Payload{FileID: fileID}, p.options("verify:"+fileID, verifyPriority))
	if err != nil {
		return fmt.Errorf("enqueue verify: %w", err)
	}
	p.log.WithFields(logrus.Fields{"file_id": fileID, "job_id": job.ID, "duplicate": job.Duplicate}).Debug("verify job enqueued")
	return nil
}

func (p *Pipeline) enqueueScan(ctx context.Context, fileID string) error {
	job, err := p.jobs.Enqueue(ctx, QueueName, JobScan, Payload{FileID: fileID}, p.options("scan:"+fileID, scanPriority))
	if err != nil {
		return fmt.Errorf("enqueue scan: %w", err)
	}
	p.log.WithFields(logrus.Fields{"file_id": fileID, "job_id": job.ID, "duplicate": job.Duplicate}).Debug("scan job enqueued")
	return nil
}

func decodePayload(job *queue.Job) (string, error) {
	var payload Payload
	if err := job.Decode(&payload); err != nil {
		return "", queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if payload.FileID == "" {
		return "", queue.Permanent(errors.New("payload missing file_id"))
	}
	return payload.FileID, nil
}

// Verify 确认对象确实存在且内容完整，然后把文件推进到 scanning 并安排扫描。
func (p *Pipeline) Verify(ctx context.Context, job *queue.Job) error {
	fileID, err := decodePayload(job)
	if err != nil {
		return err
	}
	log := p.log.WithFields(logrus.Fields{"file_id": fileID, "job_id": job.ID})

	record, err := p.files.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Info("file gone, skipping verification")
			return nil
		}
		return fmt.Errorf("load file: %w", err)
	}

	switch record.Status {
	case repository.FileStatusPending:
	case repository.FileStatusScanning:
		// 上一次投递已经完成状态迁移，只补发扫描任务
		return p.enqueueScan(ctx, fileID)
	default:
		log.WithField("status", record.Status).Debug("file already past verification")
		return nil
	}

	info, err := p.blobs.Stat(ctx, record.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.WithField("storage_path", record.StoragePath).Warn("blob missing, removing file record")
			if err := p.files.Delete(ctx, fileID); err != nil && !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("delete dangling file: %w", err)
			}
			return nil
		}
		return fmt.Errorf("stat blob: %w", err)
	}

	if info.Size != record.SizeBytes {
		return p.reject(ctx, log, fileID, fmt.Sprintf("size mismatch: recorded %d, stored %d", record.SizeBytes, info.Size))
	}
	if p.cfg.VerifyChecksum {
		actual, err := p.storedChecksum(ctx, record.StoragePath)
		if err != nil {
			return err
		}
		if !checksum.Equal(actual, record.Checksum) {
			return p.reject(ctx, log, fileID, fmt.Sprintf("stored checksum %s does not match %s", actual, record.Checksum))
		}
	}

	err = p.files.TransitionStatus(ctx, fileID, []repository.FileStatus{repository.FileStatusPending}, repository.FileStatusScanning)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrStatusConflict), errors.Is(err, repository.ErrNotFound):
		log.Debug("file changed state during verification")
		return nil
	default:
		return fmt.Errorf("mark scanning: %w", err)
	}

	log.Info("file verified")
	return p.enqueueScan(ctx, fileID)
}

func (p *Pipeline) storedChecksum(ctx context.Context, key string) (string, error) {
	body, err := p.blobs.Read(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read blob: %w", err)
	}
	defer body.Close()
	sum, _, err := checksum.SumReader(body)
	if err != nil {
		return "", fmt.Errorf("hash blob: %w", err)
	}
	return sum, nil
}

// reject 软删除存储内容与记录不符的文件，对象由清理任务回收。
func (p *Pipeline) reject(ctx context.Context, log logrus.FieldLogger, fileID, reason string) error {
	metrics.IntegrityFailuresTotal.WithLabelValues("stored").Inc()
	log.WithField("reason", reason).Error("stored blob failed verification")
	if err := p.files.SoftDelete(ctx, fileID, p.cfg.Now()); err != nil &&
		!errors.Is(err, repository.ErrStatusConflict) && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("soft delete corrupted file: %w", err)
	}
	return nil
}

// Scan 读取对象内容（最多 MaxScanBytes 字节）交给扫描器，按结论把文件切到 ready 或 quarantined。
// 扫描器不可用时返回错误交由队列重试，重试耗尽后文件保持 scanning。
func (p *Pipeline) Scan(ctx context.Context, job *queue.Job) error {
	fileID, err := decodePayload(job)
	if err != nil {
		return err
	}
	log := p.log.WithFields(logrus.Fields{"file_id": fileID, "job_id": job.ID, "attempt": job.Attempts})

	record, err := p.files.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load file: %w", err)
	}
	if record.Status != repository.FileStatusScanning {
		log.WithField("status", record.Status).Debug("file not awaiting scan")
		return nil
	}

	scanCtx, cancel := context.WithTimeout(ctx, p.cfg.ScanTimeout)
	defer cancel()

	body, err := p.blobs.Read(scanCtx, record.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("blob vanished before scan, removing file record")
			if err := p.files.Delete(ctx, fileID); err != nil && !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("delete dangling file: %w", err)
			}
			return nil
		}
		return &service.Error{Kind: service.KindStorage, Message: "read blob", Err: err}
	}
	defer body.Close()

	reader := &countingReader{r: body}
	var src io.Reader = reader
	truncated := false
	if p.cfg.MaxScanBytes > 0 {
		src = io.LimitReader(reader, p.cfg.MaxScanBytes)
		truncated = record.SizeBytes > p.cfg.MaxScanBytes
	}

	verdict, err := p.scanner.Scan(scanCtx, src, scanner.Metadata{
		FileID:   fileID,
		FileName: record.OriginalName,
		MimeType: record.MimeType,
		Size:     record.SizeBytes,
	})
	if err != nil {
		metrics.ScanResultsTotal.WithLabelValues(p.scanner.Name(), "error").Inc()
		return &service.Error{Kind: service.KindScanUnavailable, Message: "scan " + fileID, Err: err}
	}

	result := repository.ScanResult{
		ScannedAt:      p.cfg.Now(),
		Clean:          verdict.Clean,
		Threats:        verdict.Threats,
		ScannerName:    verdict.ScannerName,
		ScannerVersion: verdict.ScannerVersion,
		DurationMs:     verdict.Duration.Milliseconds(),
		BytesScanned:   reader.n,
		Truncated:      truncated,
	}
	next := repository.FileStatusReady
	outcome := "clean"
	if !verdict.Clean {
		next = repository.FileStatusQuarantined
		outcome = "infected"
	}

	err = p.files.SetScanResult(ctx, fileID, repository.FileStatusScanning, next, result)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrStatusConflict), errors.Is(err, repository.ErrNotFound):
		log.Debug("file changed state during scan")
		return nil
	default:
		return fmt.Errorf("record scan result: %w", err)
	}
	metrics.ScanResultsTotal.WithLabelValues(verdict.ScannerName, outcome).Inc()

	if verdict.Clean {
		log.WithField("bytes_scanned", reader.n).Info("file is clean")
		return nil
	}

	log.WithField("threats", verdict.Threats).Warn("malware detected, file quarantined")
	incident := &repository.SecurityIncident{
		ID:        uuid.NewString(),
		FileID:    fileID,
		OwnerID:   record.OwnerID,
		Kind:      repository.IncidentKindMalware,
		Threats:   verdict.Threats,
		Scanner:   verdict.ScannerName,
		CreatedAt: p.cfg.Now(),
	}
	if err := p.incidents.Create(context.WithoutCancel(ctx), incident); err != nil {
		log.WithError(err).Error("record security incident")
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}
