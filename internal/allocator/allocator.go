// Package allocator implements the log's paged allocator: lock-free
// tail reservation, page-turn handling, the read-only/flush boundary
// shift, and the contiguous ratchet that advances FlushedUntilAddress as
// page flushes complete.
package allocator

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-hlog/internal/epoch"
	"github.com/ehrlich-b/go-hlog/internal/pagebuffer"
)

// Result tags the outcome of a reservation attempt.
type Result int

const (
	// Ready means addr is immediately usable.
	Ready Result = iota
	// Pending means the reservation succeeded but its page is not yet
	// mutable; the caller must retry via CheckAllocateComplete.
	Pending
	// Restart means the caller must discard addr and begin a fresh
	// reservation (e.g. the requested size can never fit in a page).
	Restart
)

// FlushFunc issues an asynchronous write of a sealed page's bytes to
// durable storage. It must eventually call done exactly once.
type FlushFunc func(pageStart int64, data []byte, done func(error))

// CommitFunc is invoked once FlushedUntilAddress has advanced to
// flushAddress. It is the sole path into the commit coordinator.
type CommitFunc func(flushAddress int64)

// FlushErrorFunc is invoked when a page flush fails. The affected range
// never advances FlushedUntilAddress.
type FlushErrorFunc func(pageStart int64, err error)

// Allocator is the paged, lock-free tail allocator.
type Allocator struct {
	ring      *pagebuffer.Ring
	protector *epoch.Protector

	flush      FlushFunc
	onCommit   CommitFunc
	onFlushErr FlushErrorFunc

	tail                atomic.Int64
	headAddress         atomic.Int64
	readOnlyAddress     atomic.Int64
	flushedUntilAddress atomic.Int64
	beginAddress        atomic.Int64

	pendingMu      sync.Mutex
	pendingFlushed map[int64]int64
}

// Config bundles the collaborators an Allocator needs at construction.
type Config struct {
	Ring           *pagebuffer.Ring
	Protector      *epoch.Protector
	Flush          FlushFunc
	OnCommit       CommitFunc
	OnFlushError   FlushErrorFunc
	FirstValidAddr int64
}

// New constructs a fresh Allocator with an empty ring, ready to serve
// appends starting at cfg.FirstValidAddr.
func New(cfg Config) *Allocator {
	a := &Allocator{
		ring:           cfg.Ring,
		protector:      cfg.Protector,
		flush:          cfg.Flush,
		onCommit:       cfg.OnCommit,
		onFlushErr:     cfg.OnFlushError,
		pendingFlushed: make(map[int64]int64),
	}
	a.tail.Store(cfg.FirstValidAddr)
	a.beginAddress.Store(cfg.FirstValidAddr)
	a.headAddress.Store(cfg.FirstValidAddr)
	return a
}

// Allocate reserves size bytes at the tail. See Result for the meaning of
// the returned address sign.
func (a *Allocator) Allocate(size int64) int64 {
	result, addr := a.reserve(size)
	switch result {
	case Ready:
		return addr
	case Pending:
		return -addr
	default:
		return 0
	}
}

// TryAllocate is the non-blocking variant of Allocate. The allocator never
// blocks internally, so this is equivalent to Allocate; it exists to match
// the public allocator contract with a dedicated name callers can rely on
// never spinning.
func (a *Allocator) TryAllocate(size int64) int64 {
	return a.Allocate(size)
}

// CheckAllocateComplete attempts to convert a previously returned negative
// address into a positive, usable one. It leaves *addr unchanged if the
// page is still not ready.
func (a *Allocator) CheckAllocateComplete(addr *int64) Result {
	pending := -*addr
	pageStart := a.ring.PageStart(pending)
	if a.preparePage(pageStart) {
		*addr = pending
		return Ready
	}
	return Pending
}

// reserve performs the CAS-based tail bump and, if the reservation lands on
// a page that isn't mutable yet, reports Pending instead of blocking.
func (a *Allocator) reserve(size int64) (Result, int64) {
	pageSize := int64(a.ring.PageSize())
	if size > pageSize {
		return Restart, 0
	}

	for {
		curTail := a.tail.Load()
		pageStart := a.ring.PageStart(curTail)
		pageEnd := pageStart + pageSize

		if curTail+size > pageEnd {
			newPageStart := pageEnd
			newTail := newPageStart + size
			if !a.tail.CompareAndSwap(curTail, newTail) {
				continue
			}
			a.fillPageRemainder(pageStart, curTail)
			if a.preparePage(newPageStart) {
				return Ready, newPageStart
			}
			return Pending, newPageStart
		}

		newTail := curTail + size
		if !a.tail.CompareAndSwap(curTail, newTail) {
			continue
		}
		if a.preparePage(pageStart) {
			return Ready, curTail
		}
		return Pending, curTail
	}
}

// preparePage ensures the ring slot for pageStart is claimed and Mutable,
// claiming it from Uninitialized (first-ever use) or Flushed (reused slot)
// if necessary.
func (a *Allocator) preparePage(pageStart int64) bool {
	p := a.ring.PageAt(pageStart)

	if p.StartAddress() == pageStart && p.State() == pagebuffer.Mutable {
		return true
	}

	cur := p.State()
	if cur != pagebuffer.Uninitialized && cur != pagebuffer.Flushed {
		return false
	}
	if !p.CompareAndSwapState(cur, pagebuffer.Claiming) {
		return false
	}

	a.ring.ClaimPage(pageStart)
	p.SetState(pagebuffer.Mutable)

	// Claiming pageStart's ring slot means the page that previously lived
	// there, ringCapacity pages earlier, is no longer resident: its bytes
	// have just been zeroed out from under it. Advance HeadAddress past it.
	pgSize := int64(a.ring.PageSize())
	ringBytes := int64(a.ring.RingCapacity()) * pgSize
	a.advanceHead(pageStart - ringBytes + pgSize)
	return true
}

// advanceHead moves HeadAddress forward to candidate, never backward.
func (a *Allocator) advanceHead(candidate int64) {
	if candidate <= 0 {
		return
	}
	for {
		cur := a.headAddress.Load()
		if candidate <= cur {
			return
		}
		if a.headAddress.CompareAndSwap(cur, candidate) {
			return
		}
	}
}

// fillPageRemainder zero-fills [from, pageStart+pageSize) of the page
// starting at pageStart so a scanner encountering a zero-length record
// there knows to skip straight to the next page. The caller has exclusive
// rights to this range because it won the CAS that advanced the tail past
// it.
func (a *Allocator) fillPageRemainder(pageStart, from int64) {
	p := a.ring.PageAt(pageStart)
	if p.StartAddress() != pageStart {
		// The slot has not been claimed for this page yet; ClaimPage
		// zero-initializes the whole page, so there is nothing to do.
		return
	}
	off := a.ring.Offset(from)
	b := p.Bytes()
	for i := off; i < len(b); i++ {
		b[i] = 0
	}
}

// ShiftReadOnlyToTail forces a page turn if the tail sits mid-page (so a
// partially-filled page is never sealed), marks every page from the
// current ReadOnlyAddress up to the resulting boundary ReadOnly, and
// schedules their flush. The transition is deferred through the epoch so
// it only runs once every appender that was active at call time has
// exited, closing the race where a seal could race an in-flight write.
func (a *Allocator) ShiftReadOnlyToTail() int64 {
	pageSize := int64(a.ring.PageSize())

	for {
		curTail := a.tail.Load()
		pageStart := a.ring.PageStart(curTail)
		if curTail == pageStart {
			break
		}
		pageEnd := pageStart + pageSize
		if a.tail.CompareAndSwap(curTail, pageEnd) {
			a.fillPageRemainder(pageStart, curTail)
			break
		}
	}

	sealedTail := a.tail.Load()
	oldRO := a.readOnlyAddress.Load()
	if sealedTail <= oldRO {
		return sealedTail
	}
	a.readOnlyAddress.Store(sealedTail)

	startPage := a.ring.PageStart(oldRO)
	a.protector.Defer(func() {
		for ps := startPage; ps < sealedTail; ps += pageSize {
			p := a.ring.PageAt(ps)
			if p.StartAddress() == ps && p.CompareAndSwapState(pagebuffer.Mutable, pagebuffer.ReadOnly) {
				a.issueFlush(ps, p)
			}
		}
	})
	a.protector.Bump()
	// The calling thread is not itself protecting a region during a
	// boundary shift, so it is always safe for it to drain here; this is
	// what turns the deferred seal into real work without depending on a
	// background drainer.
	a.protector.Drain()

	return sealedTail
}

func (a *Allocator) issueFlush(pageStart int64, p *pagebuffer.Page) {
	p.SetState(pagebuffer.Flushing)
	data := p.Bytes()
	pageEnd := pageStart + int64(len(data))

	a.flush(pageStart, data, func(err error) {
		if err != nil {
			if a.onFlushErr != nil {
				a.onFlushErr(pageStart, err)
			}
			return
		}
		p.SetState(pagebuffer.Flushed)
		a.recordFlushed(pageStart, pageEnd)
	})
}

// recordFlushed ratchets FlushedUntilAddress forward through any run of
// contiguous completed pages starting at the current boundary, and invokes
// onCommit once with the new boundary if it advanced.
func (a *Allocator) recordFlushed(start, end int64) {
	a.pendingMu.Lock()
	a.pendingFlushed[start] = end

	cur := a.flushedUntilAddress.Load()
	for {
		next, ok := a.pendingFlushed[cur]
		if !ok {
			break
		}
		delete(a.pendingFlushed, cur)
		cur = next
	}
	advanced := cur > a.flushedUntilAddress.Load()
	if advanced {
		a.flushedUntilAddress.Store(cur)
	}
	a.pendingMu.Unlock()

	if advanced && a.onCommit != nil {
		a.onCommit(cur)
	}
}

// ShiftBeginAddress advances BeginAddress forward. It never moves it
// backward.
func (a *Allocator) ShiftBeginAddress(until int64) {
	for {
		cur := a.beginAddress.Load()
		if until <= cur {
			return
		}
		if a.beginAddress.CompareAndSwap(cur, until) {
			return
		}
	}
}

// PhysicalAddress returns the in-memory byte slice starting at addr,
// running to the end of addr's page. The caller must have verified
// addr >= HeadAddress under epoch protection.
func (a *Allocator) PhysicalAddress(addr int64) []byte {
	p := a.ring.PageAt(addr)
	off := a.ring.Offset(addr)
	return p.Bytes()[off:]
}

// PageSize returns the page size backing this allocator's ring.
func (a *Allocator) PageSize() int {
	return a.ring.PageSize()
}

func (a *Allocator) Tail() int64         { return a.tail.Load() }
func (a *Allocator) Head() int64         { return a.headAddress.Load() }
func (a *Allocator) ReadOnly() int64     { return a.readOnlyAddress.Load() }
func (a *Allocator) FlushedUntil() int64 { return a.flushedUntilAddress.Load() }
func (a *Allocator) Begin() int64        { return a.beginAddress.Load() }

// Restore reconstructs in-memory boundary state from persisted commit
// metadata during log open. The resident page ring starts empty; pages are
// re-claimed lazily as new appends land on them.
func (a *Allocator) Restore(flushedUntil, head, begin int64) {
	a.beginAddress.Store(begin)
	a.headAddress.Store(head)
	a.readOnlyAddress.Store(flushedUntil)
	a.flushedUntilAddress.Store(flushedUntil)
	a.tail.Store(flushedUntil)

	a.pendingMu.Lock()
	a.pendingFlushed = make(map[int64]int64)
	a.pendingMu.Unlock()
}
