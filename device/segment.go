package device

import (
	"fmt"
	"os"
	"sync"
)

// SegmentedFile is a Device backed by a sequence of fixed-size segment
// files on disk: <base>.<segmentIndex>. Splitting the address space into
// segments keeps any single file at a bounded size, which in turn keeps
// the segment's own truncate/preallocate cost bounded and lets old
// segments be deleted wholesale once ShiftBeginAddress moves past them.
type SegmentedFile struct {
	base           string
	segmentSizeBits uint
	segmentSize    int64

	mu       sync.Mutex
	segments map[int64]*os.File
}

// NewSegmentedFile opens (creating as needed) a segmented device rooted at
// base, with each segment sized 2^segmentSizeBits bytes.
func NewSegmentedFile(base string, segmentSizeBits uint) *SegmentedFile {
	return &SegmentedFile{
		base:            base,
		segmentSizeBits: segmentSizeBits,
		segmentSize:     1 << segmentSizeBits,
		segments:        make(map[int64]*os.File),
	}
}

func (s *SegmentedFile) segmentPath(index int64) string {
	return fmt.Sprintf("%s.%d", s.base, index)
}

func (s *SegmentedFile) segmentFor(index int64) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.segments[index]; ok {
		return f, nil
	}

	f, err := os.OpenFile(s.segmentPath(index), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("device: open segment %d: %w", index, err)
	}
	if err := f.Truncate(s.segmentSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("device: preallocate segment %d: %w", index, err)
	}
	s.segments[index] = f
	return f, nil
}

// split breaks a (p, off) request into the per-segment pieces it touches,
// since a caller is free to issue a read or write that straddles a
// segment boundary even though the allocator tries to avoid it.
func (s *SegmentedFile) split(off int64, n int) []struct {
	index     int64
	segOff    int64
	bufStart  int
	bufLen    int
} {
	var parts []struct {
		index    int64
		segOff   int64
		bufStart int
		bufLen   int
	}
	remaining := n
	cur := off
	bufPos := 0
	for remaining > 0 {
		index := cur >> s.segmentSizeBits
		segOff := cur - index<<s.segmentSizeBits
		avail := s.segmentSize - segOff
		chunk := int64(remaining)
		if chunk > avail {
			chunk = avail
		}
		parts = append(parts, struct {
			index    int64
			segOff   int64
			bufStart int
			bufLen   int
		}{index, segOff, bufPos, int(chunk)})
		cur += chunk
		bufPos += int(chunk)
		remaining -= int(chunk)
	}
	return parts
}

// ReadAt implements Device.
func (s *SegmentedFile) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for _, part := range s.split(off, len(p)) {
		f, err := s.segmentFor(part.index)
		if err != nil {
			return total, err
		}
		n, err := f.ReadAt(p[part.bufStart:part.bufStart+part.bufLen], part.segOff)
		total += n
		if err != nil {
			return total, fmt.Errorf("device: read segment %d at %d: %w", part.index, part.segOff, err)
		}
	}
	return total, nil
}

// WriteAt implements Device.
func (s *SegmentedFile) WriteAt(p []byte, off int64) (int, error) {
	total := 0
	for _, part := range s.split(off, len(p)) {
		f, err := s.segmentFor(part.index)
		if err != nil {
			return total, err
		}
		n, err := f.WriteAt(p[part.bufStart:part.bufStart+part.bufLen], part.segOff)
		total += n
		if err != nil {
			return total, fmt.Errorf("device: write segment %d at %d: %w", part.index, part.segOff, err)
		}
	}
	return total, nil
}

// Size returns the logical extent implied by the highest segment index
// currently open: (highestIndex+1) * segmentSize. Callers track the
// authoritative tail themselves; this is only used for diagnostics.
func (s *SegmentedFile) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var maxIndex int64 = -1
	for index := range s.segments {
		if index > maxIndex {
			maxIndex = index
		}
	}
	if maxIndex < 0 {
		return 0
	}
	return (maxIndex + 1) * s.segmentSize
}

// Sync fsyncs every currently open segment.
func (s *SegmentedFile) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for index, f := range s.segments {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("device: fsync segment %d: %w", index, err)
		}
	}
	return nil
}

// Close closes every open segment file.
func (s *SegmentedFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for index, f := range s.segments {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("device: close segment %d: %w", index, err)
		}
		delete(s.segments, index)
	}
	return firstErr
}

// RemoveSegmentsBefore deletes segment files that lie entirely below
// beginAddress, reclaiming disk space once ShiftBeginAddress has
// retired them. It is best-effort: a missing file is not an error.
func (s *SegmentedFile) RemoveSegmentsBefore(beginAddress int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastRetired := beginAddress>>s.segmentSizeBits - 1
	for index := int64(0); index <= lastRetired; index++ {
		if f, ok := s.segments[index]; ok {
			f.Close()
			delete(s.segments, index)
		}
		path := s.segmentPath(index)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("device: remove segment %d: %w", index, err)
		}
	}
	return nil
}

var _ Device = (*SegmentedFile)(nil)
