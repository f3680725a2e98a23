package server

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConnections 是并发接受连接的默认上限。
const DefaultMaxConnections = 4096

// ConnManager 统计活跃代理会话并用信号量限制并发连接数。
// 计数器无锁；信号量在 accept 之前获取，处理结束后释放。
type ConnManager struct {
	active atomic.Int64
	total  atomic.Int64
	sem    *semaphore.Weighted
}

// NewConnManager 构造管理器；limit ≤ 0 时取默认值。
func NewConnManager(limit int64) *ConnManager {
	if limit <= 0 {
		limit = DefaultMaxConnections
	}
	return &ConnManager{sem: semaphore.NewWeighted(limit)}
}

// Acquire 在接受新连接前取得一个许可。
func (m *ConnManager) Acquire(ctx context.Context) error {
	return m.sem.Acquire(ctx, 1)
}

// Release 归还许可，与 Acquire 严格配对。
func (m *ConnManager) Release() {
	m.sem.Release(1)
}

// SessionStarted 记录一个代理会话开始。
func (m *ConnManager) SessionStarted() {
	m.active.Add(1)
	m.total.Add(1)
}

// SessionEnded 记录一个代理会话结束。
func (m *ConnManager) SessionEnded() {
	m.active.Add(-1)
}

// Active 返回当前活跃会话数。
func (m *ConnManager) Active() int64 { return m.active.Load() }

// Total 返回进程启动以来的累计会话数。
func (m *ConnManager) Total() int64 { return m.total.Load() }
