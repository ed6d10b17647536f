package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dropvault/internal/metrics"
)

// Handler 处理单个任务。返回 Permanent 包装的错误时不再重试。
type Handler func(ctx context.Context, job *Job) error

// WorkerOptions 控制 worker 的并发与超时。
type WorkerOptions struct {
	Concurrency int
	JobTimeout  time.Duration
	// PollWait 是每次 Reserve 的最长等待时间。
	PollWait time.Duration
}

// Worker 从一个队列领取任务并分发给按任务名注册的 Handler。
type Worker struct {
	q        Queue
	queue    string
	opts     WorkerOptions
	log      logrus.FieldLogger
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorker 创建 worker。
func NewWorker(q Queue, queueName string, opts WorkerOptions, log logrus.FieldLogger) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollWait <= 0 {
		opts.PollWait = time.Second
	}
	return &Worker{
		q:        q,
		queue:    queueName,
		opts:     opts,
		log:      log.WithField("queue", queueName),
		handlers: make(map[string]Handler),
	}
}

// Handle 为任务名注册处理函数。
func (w *Worker) Handle(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// Run 启动 Concurrency 个消费循环，直到 ctx 结束。
func (w *Worker) Run(ctx context.Context) error {
	w.log.WithField("concurrency", w.opts.Concurrency).Info("worker started")
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				if _, err := w.ProcessNext(ctx); err != nil && ctx.Err() == nil {
					w.log.WithError(err).Warn("reserve failed")
					select {
					case <-ctx.Done():
					case <-time.After(time.Second):
					}
				}
			}
			return nil
		})
	}
	err := g.Wait()
	w.log.Info("worker stopped")
	return err
}

// ProcessNext 领取并处理一个任务；队列为空时返回 false。
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.q.Reserve(ctx, w.queue, w.opts.PollWait)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *Job) {
	log := w.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job":      job.Name,
		"attempt":  job.Attempts,
		"attempts": job.MaxAttempts,
	})

	w.mu.RLock()
	handler, ok := w.handlers[job.Name]
	w.mu.RUnlock()
	if !ok {
		w.settle(log, job, "dead", w.q.DeadLetter(ctx, job, fmt.Errorf("no handler for job %q", job.Name)))
		return
	}

	start := time.Now()
	err := w.invoke(ctx, handler, job)
	metrics.JobDuration.WithLabelValues(w.queue, job.Name).Observe(time.Since(start).Seconds())

	// 处理结果的落库不应被 worker 关停打断
	settleCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		w.settle(log, job, "completed", w.q.Ack(settleCtx, job))
	case IsPermanent(err):
		log.WithError(err).Error("job failed permanently")
		w.settle(log, job, "dead", w.q.DeadLetter(settleCtx, job, err))
	case job.Exhausted():
		log.WithError(err).Error("job exhausted retries")
		w.settle(log, job, "dead", w.q.DeadLetter(settleCtx, job, err))
	default:
		delay := job.Backoff.Delay(job.Attempts)
		log.WithError(err).WithField("retry_in", delay.String()).Warn("job failed, retrying")
		w.settle(log, job, "retried", w.q.Retry(settleCtx, job, delay, err))
	}
}

func (w *Worker) invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	if w.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (w *Worker) settle(log logrus.FieldLogger, job *Job, outcome string, err error) {
	if err != nil {
		log.WithError(err).WithField("outcome", outcome).Error("settle job")
		outcome = "settle_failed"
	}
	metrics.JobsTotal.WithLabelValues(w.queue, job.Name, outcome).Inc()
}
