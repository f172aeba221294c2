package pagebuffer

import "sync"

// ScanBufferPool provides pooled byte slices for scan output, avoiding a
// fresh allocation per record when the caller has not supplied its own
// GetMemory hook. Uses size-bucketed pools with power-of-2 sizes to balance
// memory efficiency with allocation reduction.
//
// Uses the *[]byte pattern to avoid sync.Pool interface allocation
// overhead.
const (
	size64k  = 64 * 1024
	size128k = 128 * 1024
	size256k = 256 * 1024
	size512k = 512 * 1024
	size1m   = 1024 * 1024
)

var scanPool = struct {
	pool64k  sync.Pool
	pool128k sync.Pool
	pool256k sync.Pool
	pool512k sync.Pool
	pool1m   sync.Pool
}{
	pool64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	pool128k: sync.Pool{New: func() any { b := make([]byte, size128k); return &b }},
	pool256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	pool512k: sync.Pool{New: func() any { b := make([]byte, size512k); return &b }},
	pool1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// GetScanBuffer returns a pooled buffer of at least the requested size.
// Oversized requests fall back to a direct allocation that is never
// returned to the pool. Callers must call PutScanBuffer when done.
func GetScanBuffer(size int) []byte {
	switch {
	case size <= size64k:
		return (*scanPool.pool64k.Get().(*[]byte))[:size]
	case size <= size128k:
		return (*scanPool.pool128k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*scanPool.pool256k.Get().(*[]byte))[:size]
	case size <= size512k:
		return (*scanPool.pool512k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*scanPool.pool1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutScanBuffer returns a buffer obtained from GetScanBuffer to the pool.
// The buffer's capacity determines which pool it goes to; buffers with a
// non-standard capacity (oversized requests) are dropped.
func PutScanBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size64k:
		scanPool.pool64k.Put(&buf)
	case size128k:
		scanPool.pool128k.Put(&buf)
	case size256k:
		scanPool.pool256k.Put(&buf)
	case size512k:
		scanPool.pool512k.Put(&buf)
	case size1m:
		scanPool.pool1m.Put(&buf)
	}
}
