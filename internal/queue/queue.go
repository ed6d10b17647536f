// Package queue 提供至少一次投递的任务队列，支持幂等键、优先级、指数退避与死信。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotReserved 表示任务已不在执行中（租约过期后被其他 worker 取走或已确认）。
var ErrNotReserved = errors.New("queue: job not reserved")

// DefaultIdempotencyTTL 是幂等键在任务完成后继续生效的时长。
const DefaultIdempotencyTTL = 24 * time.Hour

// DefaultLease 是任务被取走后的可见性超时，超过后任务重新可被领取。
const DefaultLease = 5 * time.Minute

// Backoff 描述指数退避参数。
type Backoff struct {
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max"`
}

// Delay 返回第 attempt 次失败后的等待时间：Base * 2^(attempt-1)，不超过 Max。
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// EnqueueOptions 控制入队行为。
type EnqueueOptions struct {
	IdempotencyKey string
	// Priority 数值越小越先执行，取值范围 0-100。
	Priority int
	Attempts int
	Backoff  Backoff
	Delay    time.Duration
}

// Job 是队列中的一个任务。Attempts 为已被领取的次数。
type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Backoff        Backoff         `json:"backoff"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`

	// Duplicate 表示入队时命中了已有的幂等键，返回的是已有任务。
	Duplicate bool `json:"-"`
}

// Decode 把 payload 解析到 v。
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode payload of job %s: %w", j.ID, err)
	}
	return nil
}

// Exhausted 表示已无剩余重试次数。
func (j *Job) Exhausted() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}

// Queue 是后处理流水线依赖的队列抽象。
type Queue interface {
	Enqueue(ctx context.Context, queue, name string, payload any, opts EnqueueOptions) (*Job, error)
	// Reserve 最多等待 wait 领取一个任务；没有任务时返回 (nil, nil)。
	Reserve(ctx context.Context, queue string, wait time.Duration) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, delay time.Duration, cause error) error
	DeadLetter(ctx context.Context, job *Job, cause error) error
	DeadLetters(ctx context.Context, queue string, limit int) ([]Job, error)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不应重试的错误，worker 会直接送入死信。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误链中是否含有 Permanent 标记。
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func normalize(opts EnqueueOptions) EnqueueOptions {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Priority < 0 {
		opts.Priority = 0
	}
	if opts.Priority > 100 {
		opts.Priority = 100
	}
	return opts
}

func encodePayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
