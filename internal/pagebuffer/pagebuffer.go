// Package pagebuffer implements the log's fixed ring of in-memory pages and
// the logical-address-to-page translation built on top of it.
package pagebuffer

import "sync/atomic"

// State is a page's position in its lifecycle.
type State int32

const (
	Uninitialized State = iota
	Claiming
	Mutable
	ReadOnly
	Flushing
	Flushed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Claiming:
		return "Claiming"
	case Mutable:
		return "Mutable"
	case ReadOnly:
		return "ReadOnly"
	case Flushing:
		return "Flushing"
	case Flushed:
		return "Flushed"
	default:
		return "Unknown"
	}
}

// Page is one fixed-size slot in the ring. Its bytes are addressed directly
// by the allocator once the page has transitioned to Mutable.
type Page struct {
	bytes []byte
	state atomic.Int32

	// startAddress is the logical address of byte 0 of this page, as of
	// the last time it was claimed by the ring for a new page index.
	startAddress atomic.Int64
}

func newPage(size int) *Page {
	return &Page{bytes: make([]byte, size)}
}

// State returns the page's current state.
func (p *Page) State() State {
	return State(p.state.Load())
}

// SetState sets the page's current state unconditionally.
func (p *Page) SetState(s State) {
	p.state.Store(int32(s))
}

// CompareAndSwapState atomically transitions the page from old to new,
// reporting whether it succeeded.
func (p *Page) CompareAndSwapState(old, new State) bool {
	return p.state.CompareAndSwap(int32(old), int32(new))
}

// StartAddress returns the logical address this page currently represents
// byte 0 of.
func (p *Page) StartAddress() int64 {
	return p.startAddress.Load()
}

// Bytes returns the page's backing storage. Callers must only read or write
// within the epoch-protected region and only within [0, offset) established
// by the allocator's boundary invariants.
func (p *Page) Bytes() []byte {
	return p.bytes
}

// Ring is the fixed ring of pages backing the log's resident memory window.
type Ring struct {
	pages    []*Page
	pageSize int
	pageBits uint
	ringSize int
	ringBits uint
}

// New constructs a Ring with 2^(memorySizeBits-pageSizeBits) pages, each
// 2^pageSizeBits bytes.
func New(memorySizeBits, pageSizeBits uint) *Ring {
	pageSize := 1 << pageSizeBits
	ringBits := memorySizeBits - pageSizeBits
	ringSize := 1 << ringBits

	pages := make([]*Page, ringSize)
	for i := range pages {
		pages[i] = newPage(pageSize)
	}

	return &Ring{
		pages:    pages,
		pageSize: pageSize,
		pageBits: pageSizeBits,
		ringSize: ringSize,
		ringBits: ringBits,
	}
}

// PageSize returns the size in bytes of each page in the ring.
func (r *Ring) PageSize() int {
	return r.pageSize
}

// RingCapacity returns the number of pages in the ring.
func (r *Ring) RingCapacity() int {
	return r.ringSize
}

// PageIndex computes the ring slot a logical address maps to.
func (r *Ring) PageIndex(addr int64) int {
	return int((addr >> r.pageBits) & int64(r.ringSize-1))
}

// PageStart returns the logical address of the first byte of the page
// containing addr.
func (r *Ring) PageStart(addr int64) int64 {
	return addr &^ (int64(r.pageSize) - 1)
}

// Offset returns the byte offset of addr within its page.
func (r *Ring) Offset(addr int64) int {
	return int(addr & int64(r.pageSize-1))
}

// PageAt returns the ring slot for addr without regard to whether it
// currently represents addr's page (callers must check StartAddress/State).
func (r *Ring) PageAt(addr int64) *Page {
	return r.pages[r.PageIndex(addr)]
}

// ClaimPage zero-fills the ring slot for pageStart and stamps its new start
// address. It does not change the slot's state. Callers must hold exclusive ownership of the
// transition (typically via a CAS on the previous state) before calling
// this.
func (r *Ring) ClaimPage(pageStart int64) *Page {
	p := r.PageAt(pageStart)
	for i := range p.bytes {
		p.bytes[i] = 0
	}
	p.startAddress.Store(pageStart)
	return p
}

// PhysicalAddress returns the byte slice window for [addr, addr+size) when
// that range does not cross a page boundary. The caller must have already
// verified addr >= HeadAddress under epoch protection.
func (r *Ring) PhysicalAddress(addr int64, size int) []byte {
	p := r.PageAt(addr)
	off := r.Offset(addr)
	return p.bytes[off : off+size]
}
