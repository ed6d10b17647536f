package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// priorityWeight 让 ready 有序集合先按优先级、再按入队时间排序。
const priorityWeight = 1e13

// reserveScript 原子地完成：到期延迟任务转入 ready、回收租约过期任务、弹出一个任务并登记租约。
// KEYS: ready, delayed, inflight, prio   ARGV: now(ms), lease(ms)
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local function requeue(id)
	local prio = tonumber(redis.call("HGET", KEYS[4], id) or "0")
	redis.call("ZADD", KEYS[1], prio * 1e13 + now, id)
end

local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", now)
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[2], id)
	requeue(id)
end

local expired = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", now)
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[3], id)
	requeue(id)
end

local head = redis.call("ZRANGE", KEYS[1], 0, 0)
if #head == 0 then
	return false
end
redis.call("ZREM", KEYS[1], head[1])
redis.call("ZADD", KEYS[3], now + tonumber(ARGV[2]), head[1])
return head[1]
`)

// Redis 基于 go-redis 的队列实现，多个进程可以安全地共享同一组 key。
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	lease   time.Duration
	idemTTL time.Duration
	poll    time.Duration
	now     func() time.Time
}

// RedisOption 调整 Redis 队列行为。
type RedisOption func(*Redis)

// WithRedisClock 注入时钟。
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) { r.now = now }
}

// WithRedisLease 设置可见性超时。
func WithRedisLease(lease time.Duration) RedisOption {
	return func(r *Redis) { r.lease = lease }
}

// NewRedis 创建 Redis 队列，所有 key 以 prefix 开头。
func NewRedis(client redis.UniversalClient, prefix string, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  client,
		prefix:  prefix,
		lease:   DefaultLease,
		idemTTL: DefaultIdempotencyTTL,
		poll:    100 * time.Millisecond,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) jobsKey() string                { return r.prefix + ":jobs" }
func (r *Redis) prioKey() string                { return r.prefix + ":prio" }
func (r *Redis) idemKey(key string) string      { return r.prefix + ":idem:" + key }
func (r *Redis) readyKey(queue string) string   { return r.prefix + ":q:" + queue + ":ready" }
func (r *Redis) delayedKey(queue string) string { return r.prefix + ":q:" + queue + ":delayed" }
func (r *Redis) activeKey(queue string) string  { return r.prefix + ":q:" + queue + ":inflight" }
func (r *Redis) deadKey(queue string) string    { return r.prefix + ":q:" + queue + ":dead" }

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (r *Redis) Enqueue(ctx context.Context, queueName, name string, payload any, opts EnqueueOptions) (*Job, error) {
	opts = normalize(opts)
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	now := r.now()
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

	if job.IdempotencyKey != "" {
		ok, err := r.client.SetNX(ctx, r.idemKey(job.IdempotencyKey), job.ID, r.idemTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		if !ok {
			return r.duplicate(ctx, queueName, name, job.IdempotencyKey)
		}
	}

	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.jobsKey(), job.ID, encoded)
		pipe.HSet(ctx, r.prioKey(), job.ID, job.Priority)
		if opts.Delay > 0 {
			pipe.ZAdd(ctx, r.delayedKey(queueName), redis.Z{Score: millis(now.Add(opts.Delay)), Member: job.ID})
		} else {
			pipe.ZAdd(ctx, r.readyKey(queueName), redis.Z{Score: float64(job.Priority)*priorityWeight + millis(now), Member: job.ID})
		}
		return nil
	})
	if err != nil {
		if job.IdempotencyKey != "" {
			r.client.Del(context.WithoutCancel(ctx), r.idemKey(job.IdempotencyKey))
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

func (r *Redis) duplicate(ctx context.Context, queueName, name, key string) (*Job, error) {
	existingID, err := r.client.Get(ctx, r.idemKey(key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	job, err := r.load(ctx, existingID)
	if err != nil || job == nil {
		// 原任务已完成并被清理，只返回引用
		return &Job{ID: existingID, Queue: queueName, Name: name, IdempotencyKey: key, Duplicate: true}, nil
	}
	job.Duplicate = true
	return job, nil
}

func (r *Redis) load(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, nil
	}
	raw, err := r.client.HGet(ctx, r.jobsKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (r *Redis) save(ctx context.Context, pipe redis.Pipeliner, job *Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	pipe.HSet(ctx, r.jobsKey(), job.ID, encoded)
	return nil
}

func (r *Redis) Reserve(ctx context.Context, queueName string, wait time.Duration) (*Job, error) {
	deadline := time.Now().Add(wait)
	keys := []string{r.readyKey(queueName), r.delayedKey(queueName), r.activeKey(queueName), r.prioKey()}

	for {
		id, err := reserveScript.Run(ctx, r.client, keys, r.now().UnixMilli(), r.lease.Milliseconds()).Text()
		switch {
		case err == nil:
			job, err := r.load(ctx, id)
			if err != nil {
				return nil, err
			}
			if job == nil {
				r.client.ZRem(ctx, r.activeKey(queueName), id)
				continue
			}
			job.Attempts++
			if _, err := r.client.HSet(ctx, r.jobsKey(), job.ID, mustJSON(job)).Result(); err != nil {
				return nil, fmt.Errorf("record attempt: %w", err)
			}
			return job, nil
		case errors.Is(err, redis.Nil):
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("reserve job: %w", err)
		}

		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(r.poll, time.Until(deadline))):
		}
	}
}

func mustJSON(job *Job) []byte {
	data, _ := json.Marshal(job)
	return data
}

// release 把任务移出 inflight，任务已不在执行中时返回 ErrNotReserved。
func (r *Redis) release(ctx context.Context, job *Job) error {
	removed, err := r.client.ZRem(ctx, r.activeKey(job.Queue), job.ID).Result()
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if removed == 0 {
		return ErrNotReserved
	}
	return nil
}

func (r *Redis) Ack(ctx context.Context, job *Job) error {
	if err := r.release(ctx, job); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.jobsKey(), job.ID)
		pipe.HDel(ctx, r.prioKey(), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

func (r *Redis) Retry(ctx context.Context, job *Job, delay time.Duration, cause error) error {
	if err := r.release(ctx, job); err != nil {
		return err
	}
	job.LastError = errString(cause)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := r.save(ctx, pipe, job); err != nil {
			return err
		}
		pipe.ZAdd(ctx, r.delayedKey(job.Queue), redis.Z{Score: millis(r.now().Add(delay)), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

func (r *Redis) DeadLetter(ctx context.Context, job *Job, cause error) error {
	if err := r.release(ctx, job); err != nil {
		return err
	}
	now := r.now()
	job.LastError = errString(cause)
	job.FailedAt = &now
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := r.save(ctx, pipe, job); err != nil {
			return err
		}
		pipe.HDel(ctx, r.prioKey(), job.ID)
		pipe.LPush(ctx, r.deadKey(job.Queue), job.ID)
		if job.IdempotencyKey != "" {
			pipe.Del(ctx, r.idemKey(job.IdempotencyKey))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter job: %w", err)
	}
	return nil
}

func (r *Redis) DeadLetters(ctx context.Context, queueName string, limit int) ([]Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.LRange(ctx, r.deadKey(queueName), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := r.client.HMGet(ctx, r.jobsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}
	out := make([]Job, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", ids[i], err)
		}
		out = append(out, job)
	}
	return out, nil
}

// Depth 返回某队列 ready、延迟、执行中与死信的数量，供运维查看。
func (r *Redis) Depth(ctx context.Context, queueName string) (map[string]int64, error) {
	pipe := r.client.Pipeline()
	ready := pipe.ZCard(ctx, r.readyKey(queueName))
	delayed := pipe.ZCard(ctx, r.delayedKey(queueName))
	active := pipe.ZCard(ctx, r.activeKey(queueName))
	dead := pipe.LLen(ctx, r.deadKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	return map[string]int64{
		"ready":    ready.Val(),
		"delayed":  delayed.Val(),
		"inflight": active.Val(),
		"dead":     dead.Val(),
	}, nil
}
