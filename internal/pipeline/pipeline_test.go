package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropvault/internal/checksum"
	"dropvault/internal/chunkstore"
	"dropvault/internal/lock"
	"dropvault/internal/logging"
	"dropvault/internal/queue"
	"dropvault/internal/repository"
	"dropvault/internal/repository/memory"
	"dropvault/internal/scanner"
	"dropvault/internal/service"
	"dropvault/internal/storage/local"
)

var owner = service.Owner{UserID: "alice"}

type downScanner struct{ calls int }

func (d *downScanner) Name() string { return "down" }

func (d *downScanner) Scan(context.Context, io.Reader, scanner.Metadata) (*scanner.Result, error) {
	d.calls++
	return nil, fmt.Errorf("dial clamd: %w", scanner.ErrUnavailable)
}

type env struct {
	coord     *service.UploadCoordinator
	pipe      *Pipeline
	files     *memory.FileRepository
	incidents *memory.IncidentRepository
	blobs     *local.Storage
	jobs      *queue.Memory
	worker    *queue.Worker
}

func newEnv(t *testing.T, sc scanner.Scanner, tweak func(*Config)) *env {
	t.Helper()
	store, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)

	e := &env{
		files:     memory.NewFileRepository(),
		incidents: memory.NewIncidentRepository(),
		blobs:     local.New(t.TempDir(), ""),
		jobs:      queue.NewMemory(),
	}
	cfg := Config{VerifyChecksum: true, MaxScanBytes: 16 << 20, ScanTimeout: 5 * time.Second, Attempts: 3}
	if tweak != nil {
		tweak(&cfg)
	}
	e.pipe = New(e.files, e.incidents, e.blobs, sc, e.jobs, cfg, logging.Discard())
	e.worker = queue.NewWorker(e.jobs, QueueName, queue.WorkerOptions{PollWait: 10 * time.Millisecond}, logging.Discard())
	e.pipe.Register(e.worker)

	e.coord = service.NewUploadCoordinator(service.CoordinatorDeps{
		Sessions: memory.NewSessionRepository(),
		Chunks:   memory.NewChunkRepository(),
		Files:    e.files,
		Store:    store,
		Blobs:    e.blobs,
		Post:     e.pipe,
		Locks:    lock.NewMemory(),
	}, service.CoordinatorConfig{
		DefaultChunkSize: 1 << 20,
		MaxChunkSize:     4 << 20,
		MaxFileSize:      64 << 20,
		MaxChunks:        100,
		SessionTTL:       time.Hour,
	}, logging.Discard())
	return e
}

// drain 处理队列直到没有可领取的任务，返回处理的任务数。
func (e *env) drain(t *testing.T) int {
	t.Helper()
	processed := 0
	for i := 0; i < 50; i++ {
		ok, err := e.worker.ProcessNext(context.Background())
		require.NoError(t, err)
		if !ok {
			return processed
		}
		processed++
	}
	t.Fatal("queue did not drain")
	return processed
}

func (e *env) put(t *testing.T, data []byte) *service.CompleteResult {
	t.Helper()
	res, err := e.coord.Put(context.Background(), owner, service.PutInput{
		FileName: "doc.bin",
		MimeType: "application/octet-stream",
		Data:     data,
	})
	require.NoError(t, err)
	return res
}

func (e *env) file(t *testing.T, id string) *repository.FileRecord {
	t.Helper()
	record, err := e.files.GetByID(context.Background(), id)
	require.NoError(t, err)
	return record
}

func TestChunkedUploadBecomesReady(t *testing.T) {
	e := newEnv(t, scanner.NewMock(), nil)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(7))
	chunks := make([][]byte, 3)
	var whole bytes.Buffer
	for i := range chunks {
		chunks[i] = make([]byte, 1<<20)
		rng.Read(chunks[i])
		whole.Write(chunks[i])
	}
	fileHash := checksum.Sum(whole.Bytes())

	session, err := e.coord.Init(ctx, owner, service.InitInput{
		FileName:    "video.mp4",
		MimeType:    "video/mp4",
		FileSize:    int64(whole.Len()),
		TotalChunks: 3,
		FileHash:    fileHash,
		ChunkSize:   1 << 20,
	})
	require.NoError(t, err)

	for _, idx := range []int{1, 0, 2} {
		_, err := e.coord.UploadChunk(ctx, owner, service.ChunkInput{
			UploadID: session.UploadID,
			Index:    idx,
			Hash:     checksum.Sum(chunks[idx]),
			Data:     chunks[idx],
		})
		require.NoError(t, err)
	}

	done, err := e.coord.Complete(ctx, owner, session.UploadID)
	require.NoError(t, err)
	assert.True(t, done.ChecksumVerified)
	assert.Equal(t, repository.FileStatusPending, e.file(t, done.FileID).Status)

	assert.Equal(t, 2, e.drain(t))
	assert.Zero(t, e.jobs.Pending(QueueName))

	record := e.file(t, done.FileID)
	assert.Equal(t, repository.FileStatusReady, record.Status)
	require.NotNil(t, record.ScanResult)
	assert.True(t, record.ScanResult.Clean)
	assert.Equal(t, "mock", record.ScanResult.ScannerName)
	assert.Equal(t, int64(3<<20), record.ScanResult.BytesScanned)
	assert.False(t, record.ScanResult.Truncated)

	body, err := e.blobs.Read(ctx, record.StoragePath)
	require.NoError(t, err)
	defer body.Close()
	sum, size, err := checksum.SumReader(body)
	require.NoError(t, err)
	assert.Equal(t, fileHash, sum)
	assert.Equal(t, int64(3<<20), size)
}

func TestInfectedFileIsQuarantined(t *testing.T) {
	e := newEnv(t, scanner.NewMock(), nil)

	res := e.put(t, []byte("header "+scanner.EICAR+" trailer"))
	e.drain(t)

	record := e.file(t, res.FileID)
	assert.Equal(t, repository.FileStatusQuarantined, record.Status)
	require.NotNil(t, record.ScanResult)
	assert.False(t, record.ScanResult.Clean)
	assert.Equal(t, []string{"Eicar-Test-Signature"}, record.ScanResult.Threats)

	incidents, err := e.incidents.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, res.FileID, incidents[0].FileID)
	assert.Equal(t, "alice", incidents[0].OwnerID)
	assert.Equal(t, repository.IncidentKindMalware, incidents[0].Kind)

	// 已隔离的文件不能再作为去重目标
	again := e.put(t, []byte("header "+scanner.EICAR+" trailer"))
	assert.False(t, again.Deduplicated)
	assert.NotEqual(t, res.FileID, again.FileID)
}

func TestScannerOutageLeavesFileScanning(t *testing.T) {
	down := &downScanner{}
	e := newEnv(t, down, nil)

	res := e.put(t, []byte("quarterly report"))
	e.drain(t)

	assert.Equal(t, 3, down.calls)
	record := e.file(t, res.FileID)
	assert.Equal(t, repository.FileStatusScanning, record.Status)
	assert.Nil(t, record.ScanResult)

	dead, err := e.jobs.DeadLetters(context.Background(), QueueName, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, JobScan, dead[0].Name)
	assert.Contains(t, dead[0].LastError, "scanner unavailable")

	// 死信释放幂等键后可以重新安排扫描
	e.pipe.scanner = scanner.NewMock()
	require.NoError(t, e.pipe.enqueueScan(context.Background(), res.FileID))
	e.drain(t)
	assert.Equal(t, repository.FileStatusReady, e.file(t, res.FileID).Status)
}

func seedPending(t *testing.T, e *env, id string, content, recorded []byte) {
	t.Helper()
	ctx := context.Background()
	key := "files/" + id
	if content != nil {
		_, err := e.blobs.Write(ctx, key, bytes.NewReader(content))
		require.NoError(t, err)
	}
	_, err := e.files.Create(ctx, &repository.FileRecord{
		ID:           id,
		OwnerID:      "alice",
		OriginalName: id,
		MimeType:     "text/plain",
		SizeBytes:    int64(len(recorded)),
		StoragePath:  key,
		Checksum:     checksum.Sum(recorded),
		Status:       repository.FileStatusPending,
	})
	require.NoError(t, err)
}

func TestVerifyRemovesRecordWithoutBlob(t *testing.T) {
	e := newEnv(t, scanner.NewMock(), nil)
	seedPending(t, e, "ghost", nil, []byte("never written"))

	require.NoError(t, e.pipe.EnqueueVerify(context.Background(), "ghost"))
	e.drain(t)

	_, err := e.files.GetByID(context.Background(), "ghost")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestVerifyRejectsCorruptedBlob(t *testing.T) {
	e := newEnv(t, scanner.NewMock(), nil)
	seedPending(t, e, "sized", []byte("short"), []byte("much longer content"))
	seedPending(t, e, "flipped", []byte("hello world"), []byte("hello w0rld"))

	ctx := context.Background()
	require.NoError(t, e.pipe.EnqueueVerify(ctx, "sized"))
	require.NoError(t, e.pipe.EnqueueVerify(ctx, "flipped"))
	e.drain(t)

	for _, id := range []string{"sized", "flipped"} {
		record := e.file(t, id)
		assert.Equal(t, repository.FileStatusDeleted, record.Status, id)
		assert.NotNil(t, record.DeletedAt, id)
	}
}

func TestChecksumVerificationCanBeDisabled(t *testing.T) {
	e := newEnv(t, scanner.NewMock(), func(c *Config) { c.VerifyChecksum = false })
	seedPending(t, e, "flipped", []byte("hello world"), []byte("hello w0rld"))

	require.NoError(t, e.pipe.EnqueueVerify(context.Background(), "flipped"))
	e.drain(t)
	assert.Equal(t, repository.FileStatusReady, e.file(t, "flipped").Status)
}

func TestRedeliveryIsNoOp(t *testing.T) {
	e := newEnv(t, scanner.NewMock(), nil)
	ctx := context.Background()
	seedPending(t, e, "f1", []byte("payload"), []byte("payload"))

	payload, err := json.Marshal(Payload{FileID: "f1"})
	require.NoError(t, err)
	job := &queue.Job{ID: "manual", Payload: payload}

	require.NoError(t, e.pipe.Verify(ctx, job))
	assert.Equal(t, repository.FileStatusScanning, e.file(t, "f1").Status)
	// 第二次 verify 只会补发扫描，幂等键保证不会重复
	require.NoError(t, e.pipe.Verify(ctx, job))
	assert.Equal(t, 1, e.jobs.Pending(QueueName))

	require.NoError(t, e.pipe.Scan(ctx, job))
	first := e.file(t, "f1")
	require.Equal(t, repository.FileStatusReady, first.Status)

	require.NoError(t, e.pipe.Scan(ctx, job))
	require.NoError(t, e.pipe.Verify(ctx, job))
	again := e.file(t, "f1")
	assert.Equal(t, first.ScanResult, again.ScanResult)
	assert.Equal(t, repository.FileStatusReady, again.Status)
}

func TestScanTruncatesLargeFiles(t *testing.T) {
	e := newEnv(t, scanner.NewMock(), func(c *Config) { c.MaxScanBytes = 16 })
	content := []byte(strings.Repeat("a", 64) + scanner.EICAR)

	res := e.put(t, content)
	e.drain(t)

	record := e.file(t, res.FileID)
	assert.Equal(t, repository.FileStatusReady, record.Status)
	require.NotNil(t, record.ScanResult)
	assert.True(t, record.ScanResult.Truncated)
	assert.Equal(t, int64(16), record.ScanResult.BytesScanned)
}

func TestMalformedPayloadIsPermanent(t *testing.T) {
	e := newEnv(t, scanner.NewMock(), nil)

	err := e.pipe.Verify(context.Background(), &queue.Job{ID: "bad", Payload: json.RawMessage(`{"file_id":`)})
	assert.True(t, queue.IsPermanent(err))

	err = e.pipe.Scan(context.Background(), &queue.Job{ID: "empty", Payload: json.RawMessage(`{}`)})
	assert.True(t, queue.IsPermanent(err))
}
