package hlog

import (
	"github.com/ehrlich-b/go-hlog/internal/epoch"
	"github.com/ehrlich-b/go-hlog/internal/pagebuffer"
	"github.com/ehrlich-b/go-hlog/internal/wire"
)

// BufferingMode controls how an Iterator batches its sub-head device reads.
type BufferingMode int

const (
	// NoBuffering reads each record's header and payload directly from the
	// device with no lookahead.
	NoBuffering BufferingMode = iota
	// SinglePage buffers one page's worth of device bytes at a time.
	SinglePage
	// DoublePage buffers two pages' worth of device bytes at a time.
	DoublePage
)

// ScanOptions configures a Scan call.
type ScanOptions struct {
	BufferingMode   BufferingMode
	ScanUncommitted bool
	// Name, if set, registers this iterator with the commit coordinator so
	// its CompleteUntil position is checkpointed into RecoveryInfo on
	// every commit.
	Name string
	// Recover, if true and Name names a position recovered from the last
	// commit, starts the iterator there instead of at beginAddr.
	Recover bool
}

// Iterator is a positional scan cursor over a range of the log.
type Iterator struct {
	log   *Log
	guard *epoch.Guard

	cur   int64
	end   int64
	uncommitted bool
	name  string

	completedUntil int64

	buf       []byte
	bufStart  int64
	bufLen    int
	pooled    bool

	closed bool
}

// Scan constructs an Iterator over [beginAddr, endAddr). If opts.Name is
// set and opts.Recover is true and the last commit checkpointed that name,
// the iterator starts from the recovered position instead of beginAddr.
func (l *Log) Scan(beginAddr, endAddr int64, opts ScanOptions) (*Iterator, error) {
	if l.closed {
		return nil, newError("Scan", ErrCodeClosed, "log is closed")
	}
	if beginAddr < 0 || endAddr < beginAddr {
		return nil, newAddrError("Scan", beginAddr, ErrCodeInvalidScanRange, "invalid scan range")
	}

	start := beginAddr
	if opts.Name != "" && opts.Recover {
		if pos, ok := l.recoveredIteratorStart(opts.Name); ok {
			start = pos
		}
	}

	it := &Iterator{
		log:             l,
		guard:           l.protect.AcquireThread(),
		cur:             start,
		end:             endAddr,
		uncommitted:     opts.ScanUncommitted,
		name:            opts.Name,
		completedUntil:  start,
	}

	switch opts.BufferingMode {
	case SinglePage:
		it.buf = pagebuffer.GetScanBuffer(l.alloc.PageSize())
		it.pooled = true
	case DoublePage:
		it.buf = pagebuffer.GetScanBuffer(2 * l.alloc.PageSize())
		it.pooled = true
	}

	if it.name != "" {
		l.commit.RegisterIterator(it.name, it.CompletedUntil)
	}
	return it, nil
}

// ceiling returns the effective address this iterator may not read at or
// beyond: CommittedUntilAddress normally, or TailAddress when configured to
// scan uncommitted data.
func (it *Iterator) ceiling() int64 {
	if it.uncommitted {
		return it.log.alloc.Tail()
	}
	return it.log.commit.CommittedUntil()
}

// GetNext advances the iterator and returns the next record, if any.
// ok is false once the effective ceiling or end of range is reached.
func (it *Iterator) GetNext() (payload []byte, length int, currentAddress int64, nextAddress int64, ok bool) {
	pageSize := int64(it.log.alloc.PageSize())

	for {
		limit := it.ceiling()
		if it.cur >= limit || it.cur >= it.end {
			return nil, 0, 0, 0, false
		}

		header := it.readAt(it.cur, wire.RecordHeaderSize)
		if header == nil {
			return nil, 0, 0, 0, false
		}
		payloadLen, recordSize, err := wire.DecodeRecordHeader(header)
		if err != nil {
			return nil, 0, 0, 0, false
		}

		if payloadLen == 0 {
			// Filler: the writer zero-padded the remainder of the page.
			// Skip straight to the next page boundary.
			next := (it.cur &^ (pageSize - 1)) + pageSize
			if next <= it.cur {
				return nil, 0, 0, 0, false
			}
			it.cur = next
			continue
		}

		record := it.readAt(it.cur, recordSize)
		if record == nil {
			return nil, 0, 0, 0, false
		}
		body, _, err := wire.DecodeRecord(record)
		if err != nil {
			return nil, 0, 0, 0, false
		}

		current := it.cur
		next := current + int64(recordSize)
		it.cur = next
		it.completedUntil = next

		it.log.metrics.RecordScan(len(body))
		it.log.observer.ObserveScan(len(body))
		return body, len(body), current, next, true
	}
}

// readAt returns n bytes starting at addr, from resident memory when
// addr is within [HeadAddress, TailAddress) and from the device otherwise.
// It returns nil if the read could not be satisfied.
func (it *Iterator) readAt(addr int64, n int) []byte {
	it.guard.Protect()
	defer it.guard.Unprotect()

	head := it.log.alloc.Head()
	tail := it.log.alloc.Tail()
	if addr >= head && addr < tail {
		window := it.log.alloc.PhysicalAddress(addr)
		if len(window) < n {
			return nil
		}
		out := make([]byte, n)
		copy(out, window[:n])
		return out
	}

	if it.buf != nil {
		return it.readBuffered(addr, n)
	}

	out := make([]byte, n)
	if _, err := it.log.device.ReadAt(out, addr); err != nil {
		return nil
	}
	return out
}

// readBuffered serves addr from the iterator's lookahead buffer, refilling
// it from the device with one bulk read when addr falls outside the
// currently buffered window.
func (it *Iterator) readBuffered(addr int64, n int) []byte {
	if addr < it.bufStart || addr+int64(n) > it.bufStart+int64(it.bufLen) {
		pageSize := int64(it.log.alloc.PageSize())
		readStart := addr &^ (pageSize - 1)
		readLen := len(it.buf)
		read, err := it.log.device.ReadAt(it.buf[:readLen], readStart)
		if err != nil && read == 0 {
			return nil
		}
		it.bufStart = readStart
		it.bufLen = read
	}
	off := int(addr - it.bufStart)
	if off < 0 || off+n > it.bufLen {
		return nil
	}
	out := make([]byte, n)
	copy(out, it.buf[off:off+n])
	return out
}

// CompleteUntil marks addr as the iterator's checkpointed progress, so the
// next commit persists it if the iterator was constructed with a Name.
func (it *Iterator) CompleteUntil(addr int64) {
	it.completedUntil = addr
}

// CompletedUntil returns the iterator's completed-until address, used as
// the position function registered with the commit coordinator. It is the
// address most recently set either by CompleteUntil or by GetNext, which
// advances it past every record it returns.
func (it *Iterator) CompletedUntil() int64 {
	return it.completedUntil
}

// Close releases the iterator's epoch slot and unregisters it from the
// commit coordinator, and returns any pooled scan buffer.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.name != "" {
		it.log.commit.UnregisterIterator(it.name)
	}
	if it.pooled {
		pagebuffer.PutScanBuffer(it.buf)
	}
	it.guard.ReleaseThread()
	return nil
}

// RefreshUncommitted exists for parity with the source's hook of the same
// name. An uncommitted scan's ceiling is TailAddress read fresh on every
// GetNext call, so there is no cached state to invalidate here; the method
// is a no-op kept for API familiarity.
func (l *Log) RefreshUncommitted() {}
