package limiter

import (
	"sync"
)

// Memory tracks a shared byte budget. Remote backends reserve from it before
// staging a compressed payload in memory and spill to a temp file when the
// reservation fails. It is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	available int64
	capacity  int64
}

// NewMemory creates a limiter with the given capacity in bytes. A capacity
// of zero disables in-memory staging.
func NewMemory(limit int64) *Memory {
	if limit < 0 {
		limit = 0
	}
	return &Memory{
		available: limit,
		capacity:  limit,
	}
}

// TryAcquire reserves n bytes without blocking. It returns false when the
// budget cannot currently cover n, or when n exceeds the total capacity.
func (m *Memory) TryAcquire(n int64) bool {
	if m == nil || n <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > m.capacity || m.available < n {
		return false
	}
	m.available -= n
	return true
}

// Release returns n bytes to the budget after a successful TryAcquire.
func (m *Memory) Release(n int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.available += n
	// Guard against a double release.
	if m.available > m.capacity {
		m.available = m.capacity
	}
}

// Available returns the bytes currently unreserved.
func (m *Memory) Available() int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

func (m *Memory) Capacity() int64 {
	if m == nil {
		return 0
	}
	return m.capacity
}
