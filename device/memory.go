package device

import (
	"fmt"
	"sync"
)

// ShardSize is the size of each memory shard. This provides good
// parallelism for concurrent page flushes while keeping lock overhead
// reasonable: a 1GB device has 16384 shards at the default page size.
const ShardSize = 64 * 1024

// Memory is a growable RAM-backed Device, useful for tests and benchmarks
// that do not want to touch a filesystem. Unlike a fixed-capacity block
// device, WriteAt beyond the current extent grows the backing buffer.
type Memory struct {
	mu     sync.RWMutex
	data   []byte
	shards []sync.RWMutex
}

// NewMemory creates an empty in-memory device.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	return start, end
}

// growLocked extends data and shards to cover at least n bytes. Callers must
// hold m.mu for writing.
func (m *Memory) growLocked(n int64) {
	if int64(len(m.data)) >= n {
		return
	}
	grown := make([]byte, n)
	copy(grown, m.data)
	m.data = grown

	needShards := int((n + ShardSize - 1) / ShardSize)
	if needShards > len(m.shards) {
		grownShards := make([]sync.RWMutex, needShards)
		m.shards = grownShards
	}
}

// ReadAt implements Device.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off >= int64(len(m.data)) {
		return 0, nil
	}
	available := int64(len(m.data)) - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end && i < len(m.shards); i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end && i < len(m.shards); i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

// WriteAt implements Device, growing the backing buffer as needed.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("device: negative write offset %d", off)
	}

	m.mu.Lock()
	m.growLocked(off + int64(len(p)))
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

// Size returns the current extent of the device.
func (m *Memory) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

// Sync is a no-op: the memory device has no durability beyond the process.
func (m *Memory) Sync() error { return nil }

// Close releases the backing buffer.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	m.shards = nil
	return nil
}

var _ Device = (*Memory)(nil)
