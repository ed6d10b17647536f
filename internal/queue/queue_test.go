package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 是可手动推进的时钟。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type payload struct {
	FileID string `json:"file_id"`
}

func implementations(t *testing.T) map[string]func(clock *fakeClock, lease time.Duration) Queue {
	return map[string]func(clock *fakeClock, lease time.Duration) Queue{
		"memory": func(clock *fakeClock, lease time.Duration) Queue {
			return NewMemory(WithClock(clock.Now), WithLease(lease))
		},
		"redis": func(clock *fakeClock, lease time.Duration) Queue {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedis(client, "test", WithRedisClock(clock.Now), WithRedisLease(lease))
		},
	}
}

func TestQueueContract(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("enqueue reserve ack", func(t *testing.T) {
				ctx := context.Background()
				q := build(newFakeClock(), time.Minute)

				job, err := q.Enqueue(ctx, "pp", "verify", payload{FileID: "f1"}, EnqueueOptions{Attempts: 3})
				require.NoError(t, err)
				assert.False(t, job.Duplicate)

				got, err := q.Reserve(ctx, "pp", 50*time.Millisecond)
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, job.ID, got.ID)
				assert.Equal(t, 1, got.Attempts)

				var p payload
				require.NoError(t, got.Decode(&p))
				assert.Equal(t, "f1", p.FileID)

				require.NoError(t, q.Ack(ctx, got))
				assert.ErrorIs(t, q.Ack(ctx, got), ErrNotReserved)

				none, err := q.Reserve(ctx, "pp", 10*time.Millisecond)
				require.NoError(t, err)
				assert.Nil(t, none)
			})

			t.Run("idempotency key collapses duplicates", func(t *testing.T) {
				ctx := context.Background()
				q := build(newFakeClock(), time.Minute)

				first, err := q.Enqueue(ctx, "pp", "scan", payload{FileID: "f1"}, EnqueueOptions{IdempotencyKey: "scan:f1"})
				require.NoError(t, err)
				second, err := q.Enqueue(ctx, "pp", "scan", payload{FileID: "f1"}, EnqueueOptions{IdempotencyKey: "scan:f1"})
				require.NoError(t, err)
				assert.True(t, second.Duplicate)
				assert.Equal(t, first.ID, second.ID)

				got, err := q.Reserve(ctx, "pp", 10*time.Millisecond)
				require.NoError(t, err)
				require.NotNil(t, got)
				require.NoError(t, q.Ack(ctx, got))

				// 完成后幂等键仍在有效期内
				third, err := q.Enqueue(ctx, "pp", "scan", payload{FileID: "f1"}, EnqueueOptions{IdempotencyKey: "scan:f1"})
				require.NoError(t, err)
				assert.True(t, third.Duplicate)

				none, err := q.Reserve(ctx, "pp", 10*time.Millisecond)
				require.NoError(t, err)
				assert.Nil(t, none)
			})

			t.Run("priority orders ready jobs", func(t *testing.T) {
				ctx := context.Background()
				clock := newFakeClock()
				q := build(clock, time.Minute)

				_, err := q.Enqueue(ctx, "pp", "low", nil, EnqueueOptions{Priority: 5})
				require.NoError(t, err)
				clock.Advance(time.Millisecond)
				_, err = q.Enqueue(ctx, "pp", "high", nil, EnqueueOptions{Priority: 1})
				require.NoError(t, err)

				got, err := q.Reserve(ctx, "pp", 10*time.Millisecond)
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, "high", got.Name)
			})

			t.Run("retry waits for backoff delay", func(t *testing.T) {
				ctx := context.Background()
				clock := newFakeClock()
				q := build(clock, time.Minute)

				_, err := q.Enqueue(ctx, "pp", "scan", nil, EnqueueOptions{Attempts: 3})
				require.NoError(t, err)
				got, err := q.Reserve(ctx, "pp", 10*time.Millisecond)
				require.NoError(t, err)
				require.NoError(t, q.Retry(ctx, got, 10*time.Second, errors.New("scanner down")))

				none, err := q.Reserve(ctx, "pp", 10*time.Millisecond)
				require.NoError(t, err)
				assert.Nil(t, none)

				clock.Advance(11 * time.Second)
				again, err := q.Reserve(ctx, "pp", 10*time.Millisecond)
				require.NoError(t, err)
				require.NotNil(t, again)
				assert.Equal(t, 2, again.Attempts)
				assert.Equal(t, "scanner down", again.LastError)
			})

			t.Run("expired lease is redelivered", func(t *testing.T) {
				ctx := context.Background()
				clock := newFakeClock()
				q := build(clock, 30*time.Second)

				_, err := q.Enqueue(ctx, "pp", "verify", nil, EnqueueOptions{Attempts: 5})
				require.NoError(t, err)
				first, err := q.Reserve(ctx, "pp", 10*time.Millisecond)
				require.NoError(t, err)
				require.NotNil(t, first)

				clock.Advance(31 * time.Second)
				second, err := q.Reserve(ctx, "pp", 10*time.Millisecond)
				require.NoError(t, err)
				require.NotNil(t, second)
				assert.Equal(t, first.ID, second.ID)
				assert.Equal(t, 2, second.Attempts)
			})

			t.Run("dead letter releases key", func(t *testing.T) {
				ctx := context.Background()
				q := build(newFakeClock(), time.Minute)

				_, err := q.Enqueue(ctx, "pp", "scan", payload{FileID: "f9"}, EnqueueOptions{IdempotencyKey: "scan:f9"})
				require.NoError(t, err)
				got, err := q.Reserve(ctx, "pp", 10*time.Millisecond)
				require.NoError(t, err)
				require.NoError(t, q.DeadLetter(ctx, got, errors.New("boom")))

				dead, err := q.DeadLetters(ctx, "pp", 10)
				require.NoError(t, err)
				require.Len(t, dead, 1)
				assert.Equal(t, got.ID, dead[0].ID)
				assert.Equal(t, "boom", dead[0].LastError)
				assert.NotNil(t, dead[0].FailedAt)

				again, err := q.Enqueue(ctx, "pp", "scan", payload{FileID: "f9"}, EnqueueOptions{IdempotencyKey: "scan:f9"})
				require.NoError(t, err)
				assert.False(t, again.Duplicate)
			})
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(5))
	assert.Equal(t, 10*time.Second, b.Delay(50))
	assert.Zero(t, Backoff{}.Delay(3))
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestRedisDepth(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	clock := newFakeClock()
	q := NewRedis(client, "depth", WithRedisClock(clock.Now))

	_, err := q.Enqueue(ctx, "postprocess", "verify", payload{FileID: "a"}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "postprocess", "verify", payload{FileID: "b"}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "postprocess", "scan", payload{FileID: "c"}, EnqueueOptions{Delay: time.Minute})
	require.NoError(t, err)

	job, err := q.Reserve(ctx, "postprocess", 0)
	require.NoError(t, err)
	require.NotNil(t, job)

	depth, err := q.Depth(ctx, "postprocess")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"ready": 1, "delayed": 1, "inflight": 1, "dead": 0}, depth)

	require.NoError(t, q.DeadLetter(ctx, job, errors.New("boom")))
	depth, err = q.Depth(ctx, "postprocess")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth["inflight"])
	assert.Equal(t, int64(1), depth["dead"])
}
