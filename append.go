package hlog

import (
	"context"
	"time"

	"github.com/ehrlich-b/go-hlog/internal/allocator"
	"github.com/ehrlich-b/go-hlog/internal/constants"
	"github.com/ehrlich-b/go-hlog/internal/epoch"
	"github.com/ehrlich-b/go-hlog/internal/wire"
)

// maybeShiftForPressure eagerly seals mutable pages up to the tail once the
// fraction of the ring between ReadOnlyAddress and TailAddress reaches
// MutableFraction, so a burst of appends finds flushes already underway
// instead of piling every appender onto the same Pending wait.
func (l *Log) maybeShiftForPressure() {
	ringBytes := int64(l.ring.RingCapacity()) * int64(l.ring.PageSize())
	used := l.alloc.Tail() - l.alloc.ReadOnly()
	if float64(used) >= l.mutableFraction*float64(ringBytes) {
		l.alloc.ShiftReadOnlyToTail()
	}
}

// tryCompleteAppend resumes a pending allocation obtained from a previous
// TryAppend call. The read-only-boundary check happens strictly before the
// payload write, inside the same protected region as the write itself, so
// no intervening ShiftReadOnlyToTail can seal the page between the check
// and the write: Drain only runs a deferred seal once every guard that was
// protecting at Defer time has unprotected, and this guard stays protected
// across both steps.
func (l *Log) tryCompleteAppend(guard *epoch.Guard, pending int64, payload []byte) (int64, allocator.Result) {
	guard.Protect()
	defer guard.Unprotect()

	addr := pending
	result := l.alloc.CheckAllocateComplete(&addr)
	if result != allocator.Ready {
		return pending, allocator.Pending
	}
	if addr < l.alloc.ReadOnly() {
		return 0, allocator.Restart
	}
	wire.EncodeRecord(l.alloc.PhysicalAddress(addr), payload)
	return addr, allocator.Ready
}

// TryAppend attempts a single allocation step for payload. Pass addr=0 on
// the first call; on false with *addr left negative, call again later with
// the same addr to resume. A false return with *addr reset to 0 means the
// pending allocation slid out from under the caller and it must restart
// from addr=0.
func (l *Log) TryAppend(payload []byte, addr *int64) (bool, error) {
	if l.closed {
		return false, newError("TryAppend", ErrCodeClosed, "log is closed")
	}
	size := int64(wire.EncodedRecordSize(len(payload)))
	if size > int64(l.alloc.PageSize()) {
		return false, newError("TryAppend", ErrCodeConfiguration, "payload too large for one page")
	}

	guard := l.protect.AcquireThread()
	defer guard.ReleaseThread()

	switch {
	case *addr > 0:
		return true, nil

	case *addr == 0:
		l.maybeShiftForPressure()
		guard.Protect()
		a := l.alloc.Allocate(size)
		if a > 0 {
			wire.EncodeRecord(l.alloc.PhysicalAddress(a), payload)
			guard.Unprotect()
			*addr = a
			return true, nil
		}
		guard.Unprotect()
		*addr = a // 0 (restart) or negative (pending)
		return false, nil

	default: // *addr < 0: resuming a pending allocation
		l.maybeShiftForPressure()
		newAddr, result := l.tryCompleteAppend(guard, *addr, payload)
		switch result {
		case allocator.Ready:
			*addr = newAddr
			return true, nil
		case allocator.Restart:
			*addr = 0
			return false, nil
		default:
			l.metrics.RecordBackpressureRetry()
			return false, nil
		}
	}
}

// Append writes payload at the tail, spinning with epoch-aware yielding
// under backpressure until a positive address is obtained. It blocks
// indefinitely under severe backpressure but cooperates with the epoch so
// flushes already in flight can still progress.
func (l *Log) Append(payload []byte) (int64, error) {
	start := time.Now()
	var addr int64
	for {
		ok, err := l.TryAppend(payload, &addr)
		if err != nil {
			return 0, err
		}
		if ok {
			break
		}
		if addr == 0 {
			continue
		}
		time.Sleep(constants.AllocateRetryYield)
	}
	elapsed := uint64(time.Since(start).Nanoseconds())
	l.metrics.RecordAppend(len(payload), elapsed)
	l.observer.ObserveAppend(len(payload), elapsed)
	return addr, nil
}

// AppendToMemoryAsync loops TryAppend, yielding between failed cycles and
// honoring ctx cancellation at those yield points, and returns as soon as
// the in-memory append succeeds -- without waiting for it to commit.
func (l *Log) AppendToMemoryAsync(ctx context.Context, payload []byte) (int64, error) {
	start := time.Now()
	var addr int64
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		ok, err := l.TryAppend(payload, &addr)
		if err != nil {
			return 0, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(constants.AllocateRetryYield):
		}
	}
	elapsed := uint64(time.Since(start).Nanoseconds())
	l.metrics.RecordAppend(len(payload), elapsed)
	l.observer.ObserveAppend(len(payload), elapsed)
	return addr, nil
}

// AppendAsync appends payload and then awaits CommittedUntilAddress
// reaching past its last byte before returning. A cancelled wait does not
// unappend: the record obtained a real address and remains durable once
// its page eventually flushes and commits.
func (l *Log) AppendAsync(ctx context.Context, payload []byte) (int64, error) {
	addr, err := l.AppendToMemoryAsync(ctx, payload)
	if err != nil {
		return 0, err
	}
	until := addr + int64(wire.EncodedRecordSize(len(payload)))
	if err := l.WaitForCommit(ctx, until); err != nil {
		return addr, err
	}
	return addr, nil
}
