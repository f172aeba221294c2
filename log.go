// Package hlog implements a durable, high-throughput append-only log over a
// paged, memory-mapped hybrid store: an in-memory ring of pages fronting a
// block device, with a separate commit-metadata store tracking durability.
package hlog

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/go-hlog/commitstore"
	"github.com/ehrlich-b/go-hlog/device"
	"github.com/ehrlich-b/go-hlog/internal/allocator"
	"github.com/ehrlich-b/go-hlog/internal/commit"
	"github.com/ehrlich-b/go-hlog/internal/constants"
	"github.com/ehrlich-b/go-hlog/internal/epoch"
	"github.com/ehrlich-b/go-hlog/internal/logging"
	"github.com/ehrlich-b/go-hlog/internal/pagebuffer"
	"github.com/ehrlich-b/go-hlog/internal/wire"
)

// Device is the block-device-like collaborator a log is opened over.
type Device = device.Device

// AsyncDevice is the optional batched-write capability a Device may offer.
type AsyncDevice = device.AsyncDevice

// CommitManager persists and retrieves the small commit-metadata blob.
type CommitManager = commitstore.CommitManager

// Settings configures a Log. Construct one with DefaultSettings and layer
// Option functions over it, mirroring the teacher's DeviceParams/
// DefaultParams/Options pattern.
type Settings struct {
	Device          Device
	CommitManager   CommitManager
	MemorySizeBits  uint
	PageSizeBits    uint
	SegmentSizeBits uint
	MutableFraction float64
	Observer        Observer
	Logger          *logging.Logger
}

// DefaultSettings returns a Settings with the package's tuning defaults and
// device set to dev. CommitManager is left nil: callers must supply one via
// WithCommitManager, since the device alone does not name a filename the
// default local-file commit store could be rooted at.
func DefaultSettings(dev Device) Settings {
	return Settings{
		Device:          dev,
		MemorySizeBits:  constants.DefaultMemorySizeBits,
		PageSizeBits:    constants.DefaultPageSizeBits,
		SegmentSizeBits: constants.DefaultSegmentSizeBits,
		MutableFraction: constants.DefaultMutableFraction,
		Observer:        NoOpObserver{},
		Logger:          logging.Default(),
	}
}

// Option mutates a Settings during Open.
type Option func(*Settings)

// WithPageSizeBits overrides the per-page size, 2^bits bytes.
func WithPageSizeBits(bits uint) Option {
	return func(s *Settings) { s.PageSizeBits = bits }
}

// WithMemorySizeBits overrides the total resident ring size, 2^bits bytes.
func WithMemorySizeBits(bits uint) Option {
	return func(s *Settings) { s.MemorySizeBits = bits }
}

// WithMutableFraction overrides the fraction of the ring kept mutable
// before appends start triggering an eager read-only shift.
func WithMutableFraction(f float64) Option {
	return func(s *Settings) { s.MutableFraction = f }
}

// WithCommitManager overrides the commit-metadata sink.
func WithCommitManager(cm CommitManager) Option {
	return func(s *Settings) { s.CommitManager = cm }
}

// WithObserver installs a pluggable event sink in place of the default
// no-op observer.
func WithObserver(o Observer) Option {
	return func(s *Settings) { s.Observer = o }
}

// WithLogger overrides the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Settings) { s.Logger = l }
}

// Log is a durable, high-throughput append-only log.
type Log struct {
	device    Device
	commitMgr CommitManager
	commit    *commit.Coordinator
	alloc    *allocator.Allocator
	ring     *pagebuffer.Ring
	protect  *epoch.Protector
	observer Observer
	metrics  *Metrics
	logger   *logging.Logger

	mutableFraction float64

	recoveredIterators map[string]int64

	closed bool
}

func validate(s *Settings) error {
	if s.Device == nil {
		return newError("Open", ErrCodeConfiguration, "Settings.Device is required")
	}
	if s.CommitManager == nil {
		return newError("Open", ErrCodeConfiguration, "Settings.CommitManager is required (set via WithCommitManager)")
	}
	if s.PageSizeBits == 0 || s.MemorySizeBits <= s.PageSizeBits {
		return newError("Open", ErrCodeConfiguration, "MemorySizeBits must exceed PageSizeBits")
	}
	if s.MutableFraction <= 0 || s.MutableFraction > 1 {
		return newError("Open", ErrCodeConfiguration, "MutableFraction must be in (0, 1]")
	}
	return nil
}

// Open constructs a Log from settings, restoring from the latest persisted
// commit metadata if one exists, and returns it ready to serve appends.
func Open(settings Settings, opts ...Option) (*Log, error) {
	for _, opt := range opts {
		opt(&settings)
	}
	if err := validate(&settings); err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	observer := settings.Observer
	if observer == nil {
		observer = NoOpObserver{}
	}
	logger := settings.Logger
	if logger == nil {
		logger = logging.Default()
	}

	ring := pagebuffer.New(settings.MemorySizeBits, settings.PageSizeBits)
	protector := epoch.New()

	// onCommit must reach the coordinator, but the coordinator needs the
	// allocator (as its begin-address source) to already exist. Close the
	// cycle with a forward reference captured by the closure.
	var coordinator *commit.Coordinator
	alloc := allocator.New(allocator.Config{
		Ring:      ring,
		Protector: protector,
		Flush:     buildFlushFunc(settings.Device, observer, metrics),
		OnCommit: func(flushAddr int64) {
			err := coordinator.Commit(flushAddr)
			observer.ObserveCommit(err == nil)
			metrics.RecordCommit(err == nil)
			if err != nil {
				logger.WithOp("commit").Error("persist recovery info failed", "error", err)
			}
		},
		OnFlushError: func(pageStart int64, err error) {
			logger.WithOp("flush").WithAddr(pageStart).WithError(err).Error("page flush failed")
		},
		FirstValidAddr: constants.FirstValidAddress,
	})
	coordinator = commit.New(settings.CommitManager, alloc, constants.FirstValidAddress)

	l := &Log{
		device:          settings.Device,
		commitMgr:       settings.CommitManager,
		commit:          coordinator,
		alloc:           alloc,
		ring:            ring,
		protect:         protector,
		observer:        observer,
		metrics:         metrics,
		logger:          logger,
		mutableFraction:     settings.MutableFraction,
		recoveredIterators:  make(map[string]int64),
	}

	if err := l.restore(); err != nil {
		return nil, err
	}
	return l, nil
}

// restore implements the restore procedure: fetch the latest commit blob,
// and if present, reconstruct allocator and coordinator boundary state from
// it; otherwise leave the allocator and coordinator at their fresh-log
// defaults (tail/committed-until at FirstValidAddress).
func (l *Log) restore() error {
	blob, err := l.commitManager().GetLatestCommit()
	if err != nil {
		return wrapError("Open", ErrCodeCommitStore, err)
	}
	if blob == nil {
		return nil
	}

	info, err := wire.DecodeRecoveryInfo(blob)
	if err != nil {
		return wrapError("Open", ErrCodeCommitStore, err)
	}

	pageSize := int64(l.alloc.PageSize())
	headAddress := int64(0)
	if info.FlushedUntilAddress > 0 {
		headAddress = info.FlushedUntilAddress - (info.FlushedUntilAddress % pageSize)
	}

	l.alloc.Restore(info.FlushedUntilAddress, headAddress, info.BeginAddress)
	l.commit.RestoreCommitted(info.FlushedUntilAddress)
	l.commit.RestoreIteratorCheckpoints(info.Iterators)

	for _, it := range info.Iterators {
		l.recoveredIterators[it.Name] = it.CompletedUntil
	}
	return nil
}

// commitManager exposes the CommitManager the coordinator was built with,
// for restore's initial GetLatestCommit call.
func (l *Log) commitManager() CommitManager {
	return l.commitMgr
}

// buildFlushFunc adapts dev into an allocator.FlushFunc, preferring the
// batched AsyncDevice path and falling back to a goroutine-backed
// synchronous write otherwise. A device Sync() follows every successful
// write so FlushedUntilAddress only ever advances past data actually
// durable on the device, not merely handed to the OS page cache.
func buildFlushFunc(dev Device, observer Observer, metrics *Metrics) allocator.FlushFunc {
	if asyncDev, ok := dev.(AsyncDevice); ok {
		return func(pageStart int64, data []byte, done func(error)) {
			var once sync.Once
			complete := func(err error) { once.Do(func() { done(err) }) }

			asyncDev.WriteAtAsync(data, pageStart, func(err error) {
				if err == nil {
					err = asyncDev.Sync()
				}
				observer.ObserveFlush(err == nil)
				metrics.RecordFlush(err == nil)
				complete(err)
			})
			if _, err := asyncDev.FlushSubmissions(); err != nil {
				// The write never made it into the submission queue, so the
				// WriteAtAsync callback above will not fire on its own; if
				// it does anyway (e.g. partial submission), complete's
				// sync.Once keeps this the only call done() ever sees.
				complete(wrapError("FlushAndCommit", ErrCodeDeviceIO, err))
			}
		}
	}
	return func(pageStart int64, data []byte, done func(error)) {
		go func() {
			_, err := dev.WriteAt(data, pageStart)
			if err == nil {
				err = dev.Sync()
			}
			observer.ObserveFlush(err == nil)
			metrics.RecordFlush(err == nil)
			done(err)
		}()
	}
}

// AcquireThread reserves an epoch slot for the calling goroutine. The
// returned Guard must be released with ReleaseThread and brackets
// individual protected regions with Protect/Unprotect in between.
func (l *Log) AcquireThread() *epoch.Guard {
	return l.protect.AcquireThread()
}

// BeginAddress returns the current BeginAddress.
func (l *Log) BeginAddress() int64 { return l.alloc.Begin() }

// TailAddress returns the current TailAddress.
func (l *Log) TailAddress() int64 { return l.alloc.Tail() }

// HeadAddress returns the current HeadAddress.
func (l *Log) HeadAddress() int64 { return l.alloc.Head() }

// FlushedUntilAddress returns the current FlushedUntilAddress.
func (l *Log) FlushedUntilAddress() int64 { return l.alloc.FlushedUntil() }

// CommittedUntilAddress returns the current CommittedUntilAddress.
func (l *Log) CommittedUntilAddress() int64 { return l.commit.CommittedUntil() }

// Metrics returns the log's live metrics for direct atomic reads.
func (l *Log) Metrics() *Metrics { return l.metrics }

// MetricsSnapshot returns a point-in-time copy of the log's metrics.
func (l *Log) MetricsSnapshot() MetricsSnapshot { return l.metrics.Snapshot() }

// FlushAndCommit seals every mutable page up to the current tail, schedules
// their flush, and returns once the flush and its resulting commit have
// happened (if spinWait is true) or immediately after scheduling (if
// false). With spinWait, it polls at constants.FlushSpinPoll and never
// times out, matching the source's unbounded spin-wait contract.
func (l *Log) FlushAndCommit(spinWait bool) error {
	if l.closed {
		return newError("FlushAndCommit", ErrCodeClosed, "log is closed")
	}
	tail := l.alloc.ShiftReadOnlyToTail()
	if !spinWait {
		return nil
	}
	for l.commit.CommittedUntil() < tail {
		time.Sleep(constants.FlushSpinPoll)
	}
	// ShiftReadOnlyToTail only triggers a flush-driven commit when it
	// actually advances ReadOnlyAddress; a registered iterator's
	// CompleteUntil position can have moved since the last such commit
	// with nothing else pending, so checkpoint it explicitly.
	if err := l.commit.Checkpoint(); err != nil {
		return wrapError("FlushAndCommit", ErrCodeCommitStore, err)
	}
	return nil
}

// FlushAndCommitAsync is the context-aware variant of FlushAndCommit(true):
// it seals the tail, then blocks until the commit coordinator reports
// CommittedUntilAddress has reached it or ctx is done.
func (l *Log) FlushAndCommitAsync(ctx context.Context) error {
	if l.closed {
		return newError("FlushAndCommit", ErrCodeClosed, "log is closed")
	}
	tail := l.alloc.ShiftReadOnlyToTail()
	if err := l.commit.WaitForCommit(ctx, tail); err != nil {
		return err
	}
	if err := l.commit.Checkpoint(); err != nil {
		return wrapError("FlushAndCommit", ErrCodeCommitStore, err)
	}
	return nil
}

// WaitForCommit blocks until CommittedUntilAddress reaches untilAddress, or
// until the next commit if untilAddress is 0, or until ctx is done.
func (l *Log) WaitForCommit(ctx context.Context, untilAddress int64) error {
	return l.commit.WaitForCommit(ctx, untilAddress)
}

// TruncateUntil advances BeginAddress to untilAddress, marking everything
// before it as unreferenced. The shift is staged through the epoch so a
// reader still protecting an older range is not disrupted mid-read.
func (l *Log) TruncateUntil(untilAddress int64) {
	l.protect.Defer(func() {
		l.alloc.ShiftBeginAddress(untilAddress)
	})
	l.protect.Bump()
	l.protect.Drain()
}

// Dispose flushes and commits outstanding data, then releases the device
// and commit-manager handles. A disposed Log must not be used again.
func (l *Log) Dispose() error {
	if l.closed {
		return nil
	}
	if err := l.FlushAndCommit(true); err != nil {
		return err
	}
	l.closed = true
	if err := l.device.Close(); err != nil {
		return wrapError("Dispose", ErrCodeDeviceIO, err)
	}
	if err := l.commit.Close(); err != nil {
		return wrapError("Dispose", ErrCodeCommitStore, err)
	}
	return nil
}

// recoveredIteratorStart reports the persisted completedUntil position for
// a named iterator, if the commit blob restored one.
func (l *Log) recoveredIteratorStart(name string) (int64, bool) {
	pos, ok := l.recoveredIterators[name]
	return pos, ok
}
