package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type readyEntry struct {
	id       string
	priority int
	seq      uint64
}

type delayedEntry struct {
	id    string
	runAt time.Time
}

type memoryQueue struct {
	ready    []readyEntry
	delayed  []delayedEntry
	inflight map[string]time.Time
	dead     []string
}

type idemEntry struct {
	jobID   string
	expires time.Time
}

// Memory 是进程内队列实现，语义与 Redis 实现一致，用于测试和单机部署。
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	queues map[string]*memoryQueue
	idem   map[string]idemEntry
	seq    uint64
	wake   chan struct{}

	lease   time.Duration
	idemTTL time.Duration
	now     func() time.Time
}

// MemoryOption 调整 Memory 的行为。
type MemoryOption func(*Memory)

// WithClock 注入时钟，测试时用来快进退避与租约。
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithLease 设置可见性超时。
func WithLease(lease time.Duration) MemoryOption {
	return func(m *Memory) { m.lease = lease }
}

// NewMemory 创建进程内队列。
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		jobs:    make(map[string]*Job),
		queues:  make(map[string]*memoryQueue),
		idem:    make(map[string]idemEntry),
		wake:    make(chan struct{}),
		lease:   DefaultLease,
		idemTTL: DefaultIdempotencyTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) queue(name string) *memoryQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memoryQueue{inflight: make(map[string]time.Time)}
		m.queues[name] = q
	}
	return q
}

// notifyLocked 唤醒所有等待中的 Reserve。
func (m *Memory) notifyLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *Memory) Enqueue(_ context.Context, queueName, name string, payload any, opts EnqueueOptions) (*Job, error) {
	opts = normalize(opts)
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if opts.IdempotencyKey != "" {
		if entry, ok := m.idem[opts.IdempotencyKey]; ok && now.Before(entry.expires) {
			dup := &Job{ID: entry.jobID, Queue: queueName, Name: name, IdempotencyKey: opts.IdempotencyKey}
			if existing, ok := m.jobs[entry.jobID]; ok {
				cp := *existing
				dup = &cp
			}
			dup.Duplicate = true
			return dup, nil
		}
	}

	job := &Job{
		ID:             uuid.NewString(),
		Queue:          queueName,
		Name:           name,
		Payload:        data,
		IdempotencyKey: opts.IdempotencyKey,
		Priority:       opts.Priority,
		MaxAttempts:    opts.Attempts,
		Backoff:        opts.Backoff,
		CreatedAt:      now,
	}
	m.jobs[job.ID] = job
	if job.IdempotencyKey != "" {
		m.idem[job.IdempotencyKey] = idemEntry{jobID: job.ID, expires: now.Add(m.idemTTL)}
	}

	q := m.queue(queueName)
	if opts.Delay > 0 {
		q.delayed = append(q.delayed, delayedEntry{id: job.ID, runAt: now.Add(opts.Delay)})
	} else {
		m.pushReadyLocked(q, job)
	}
	m.notifyLocked()

	cp := *job
	return &cp, nil
}

func (m *Memory) pushReadyLocked(q *memoryQueue, job *Job) {
	m.seq++
	q.ready = append(q.ready, readyEntry{id: job.ID, priority: job.Priority, seq: m.seq})
	sort.Slice(q.ready, func(i, j int) bool {
		if q.ready[i].priority != q.ready[j].priority {
			return q.ready[i].priority < q.ready[j].priority
		}
		return q.ready[i].seq < q.ready[j].seq
	})
}

// promoteLocked 把到期的延迟任务与租约过期的任务放回 ready。
func (m *Memory) promoteLocked(q *memoryQueue, now time.Time) {
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if d.runAt.After(now) {
			kept = append(kept, d)
			continue
		}
		if job, ok := m.jobs[d.id]; ok {
			m.pushReadyLocked(q, job)
		}
	}
	q.delayed = kept

	for id, deadline := range q.inflight {
		if deadline.After(now) {
			continue
		}
		delete(q.inflight, id)
		if job, ok := m.jobs[id]; ok {
			m.pushReadyLocked(q, job)
		}
	}
}

func (m *Memory) tryReserve(queueName string) (*Job, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	q := m.queue(queueName)
	m.promoteLocked(q, now)
	for len(q.ready) > 0 {
		entry := q.ready[0]
		q.ready = q.ready[1:]
		job, ok := m.jobs[entry.id]
		if !ok {
			continue
		}
		job.Attempts++
		q.inflight[job.ID] = now.Add(m.lease)
		cp := *job
		return &cp, nil
	}
	return nil, m.wake
}

func (m *Memory) Reserve(ctx context.Context, queueName string, wait time.Duration) (*Job, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		job, wake := m.tryReserve(queueName)
		if job != nil {
			return job, nil
		}
		// 延迟任务没有唤醒信号，按短周期轮询
		poll := time.NewTimer(20 * time.Millisecond)
		select {
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			poll.Stop()
			return nil, nil
		case <-wake:
		case <-poll.C:
		}
		poll.Stop()
	}
}

func (m *Memory) Ack(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(job.Queue)
	if _, ok := q.inflight[job.ID]; !ok {
		return ErrNotReserved
	}
	delete(q.inflight, job.ID)
	delete(m.jobs, job.ID)
	return nil
}

func (m *Memory) Retry(_ context.Context, job *Job, delay time.Duration, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(job.Queue)
	if _, ok := q.inflight[job.ID]; !ok {
		return ErrNotReserved
	}
	delete(q.inflight, job.ID)
	stored, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotReserved
	}
	stored.LastError = errString(cause)
	if delay > 0 {
		q.delayed = append(q.delayed, delayedEntry{id: job.ID, runAt: m.now().Add(delay)})
	} else {
		m.pushReadyLocked(q, stored)
		m.notifyLocked()
	}
	return nil
}

func (m *Memory) DeadLetter(_ context.Context, job *Job, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(job.Queue)
	if _, ok := q.inflight[job.ID]; !ok {
		return ErrNotReserved
	}
	delete(q.inflight, job.ID)
	stored, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotReserved
	}
	now := m.now()
	stored.LastError = errString(cause)
	stored.FailedAt = &now
	q.dead = append(q.dead, job.ID)
	// 死信任务释放幂等键，人工排查后可以重新入队
	if stored.IdempotencyKey != "" {
		delete(m.idem, stored.IdempotencyKey)
	}
	return nil
}

func (m *Memory) DeadLetters(_ context.Context, queueName string, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(queueName)
	out := make([]Job, 0, len(q.dead))
	for i := len(q.dead) - 1; i >= 0; i-- {
		if job, ok := m.jobs[q.dead[i]]; ok {
			out = append(out, *job)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Pending 返回队列中尚未完成（ready、延迟或执行中）的任务数。
func (m *Memory) Pending(queueName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(queueName)
	return len(q.ready) + len(q.delayed) + len(q.inflight)
}
