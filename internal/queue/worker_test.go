package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropvault/internal/logging"
)

func newTestWorker(q Queue) *Worker {
	return NewWorker(q, "pp", WorkerOptions{Concurrency: 1, JobTimeout: time.Second, PollWait: 10 * time.Millisecond}, logging.Discard())
}

func TestWorkerAcksSuccessfulJob(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	w := newTestWorker(q)

	var seen string
	w.Handle("verify", func(ctx context.Context, job *Job) error {
		var p payload
		require.NoError(t, job.Decode(&p))
		seen = p.FileID
		return nil
	})

	_, err := q.Enqueue(ctx, "pp", "verify", payload{FileID: "f1"}, EnqueueOptions{})
	require.NoError(t, err)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, "f1", seen)
	assert.Zero(t, q.Pending("pp"))
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemory(WithClock(clock.Now))
	w := newTestWorker(q)

	var calls int32
	w.Handle("scan", func(context.Context, *Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("scanner unreachable")
	})

	_, err := q.Enqueue(ctx, "pp", "scan", nil, EnqueueOptions{Attempts: 3, Backoff: Backoff{Base: time.Second, Max: time.Minute}})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		processed, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed, "attempt %d", i+1)
		clock.Advance(time.Minute)
	}

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))

	dead, err := q.DeadLetters(ctx, "pp", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, "scanner unreachable", dead[0].LastError)
}

func TestWorkerPermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	w := newTestWorker(q)
	w.Handle("verify", func(context.Context, *Job) error {
		return Permanent(errors.New("malformed payload"))
	})

	_, err := q.Enqueue(ctx, "pp", "verify", nil, EnqueueOptions{Attempts: 5})
	require.NoError(t, err)
	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)

	dead, err := q.DeadLetters(ctx, "pp", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].Attempts)
}

func TestWorkerUnknownJobAndPanic(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	w := newTestWorker(q)
	w.Handle("explode", func(context.Context, *Job) error { panic("kaboom") })

	_, err := q.Enqueue(ctx, "pp", "mystery", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "pp", "explode", nil, EnqueueOptions{Attempts: 1})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := w.ProcessNext(ctx)
		require.NoError(t, err)
	}

	dead, err := q.DeadLetters(ctx, "pp", 10)
	require.NoError(t, err)
	assert.Len(t, dead, 2)
}

func TestWorkerJobTimeout(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	w := NewWorker(q, "pp", WorkerOptions{JobTimeout: 20 * time.Millisecond, PollWait: 10 * time.Millisecond}, logging.Discard())
	w.Handle("slow", func(ctx context.Context, _ *Job) error {
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := q.Enqueue(ctx, "pp", "slow", nil, EnqueueOptions{Attempts: 1})
	require.NoError(t, err)
	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)

	dead, err := q.DeadLetters(ctx, "pp", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "deadline exceeded")
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	q := NewMemory()
	w := NewWorker(q, "pp", WorkerOptions{Concurrency: 2, PollWait: 10 * time.Millisecond}, logging.Discard())

	done := make(chan struct{})
	w.Handle("verify", func(context.Context, *Job) error {
		close(done)
		return nil
	})
	_, err := q.Enqueue(context.Background(), "pp", "verify", nil, EnqueueOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
