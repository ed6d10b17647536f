// Package lock 提供按 key 互斥的短时锁，用于串行化同一上传会话的元数据变更。
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired 表示在 ctx 结束前没能拿到锁。
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker 对 key 加锁，返回的 unlock 必须且只能调用一次。
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Memory 是进程内的 keyed mutex，空闲 key 会被回收。
type Memory struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewMemory 创建进程内锁。
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]*entry)}
}

func (m *Memory) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.release(key, e)
		})
	}, nil
}

func (m *Memory) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Size 返回当前被引用的 key 数量。
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
