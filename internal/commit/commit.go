// Package commit implements the commit coordinator: it serializes
// durability events, persists RecoveryInfo through a CommitManager, and
// wakes every waiter once CommittedUntilAddress advances.
package commit

import (
	"context"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-hlog/commitstore"
	"github.com/ehrlich-b/go-hlog/internal/wire"
)

// beginAddressSource supplies the current BeginAddress for the persisted
// RecoveryInfo, satisfied by *allocator.Allocator.
type beginAddressSource interface {
	Begin() int64
}

// Coordinator serializes commits. CommittedUntilAddress -- the watched
// cell waiters block on -- only ever advances, never regresses, and is
// updated under Coordinator's own lock so a stale flush callback can never
// regress it.
type Coordinator struct {
	store commitstore.CommitManager
	begin beginAddressSource

	mu             sync.Mutex
	cond           *sync.Cond
	committedUntil int64

	iterMu      sync.Mutex
	iterators   map[string]func() int64
	checkpoints map[string]int64

	lastPersistedMu  sync.Mutex
	lastPersistedPos map[string]int64
}

// New constructs a Coordinator. firstValidAddr seeds CommittedUntilAddress
// for a fresh log (no prior commit); call RestoreCommitted after Restore
// instead when reopening an existing log.
func New(store commitstore.CommitManager, begin beginAddressSource, firstValidAddr int64) *Coordinator {
	c := &Coordinator{
		store:            store,
		begin:            begin,
		committedUntil:   firstValidAddr,
		iterators:        make(map[string]func() int64),
		checkpoints:      make(map[string]int64),
		lastPersistedPos: make(map[string]int64),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// RestoreCommitted sets CommittedUntilAddress from a restored commit blob.
// Must be called before the coordinator serves any Commit calls.
func (c *Coordinator) RestoreCommitted(v int64) {
	c.mu.Lock()
	c.committedUntil = v
	c.mu.Unlock()
}

// RestoreIteratorCheckpoints seeds the coordinator's frozen named-iterator
// positions from a restored commit blob, so a name nobody reopens this
// session still round-trips through the next commit's RecoveryInfo instead
// of silently dropping out of it.
func (c *Coordinator) RestoreIteratorCheckpoints(checkpoints []wire.IteratorCheckpoint) {
	c.iterMu.Lock()
	defer c.iterMu.Unlock()
	for _, cp := range checkpoints {
		c.checkpoints[cp.Name] = cp.CompletedUntil
	}
}

// RegisterIterator associates a named iterator with a function returning
// its current completed-until position, so every commit checkpoints it.
func (c *Coordinator) RegisterIterator(name string, position func() int64) {
	c.iterMu.Lock()
	c.iterators[name] = position
	c.iterMu.Unlock()
}

// UnregisterIterator removes a previously registered named iterator,
// freezing its last reported position in checkpoints so it keeps being
// persisted in RecoveryInfo after the live iterator is gone.
func (c *Coordinator) UnregisterIterator(name string) {
	c.iterMu.Lock()
	if position, ok := c.iterators[name]; ok {
		c.checkpoints[name] = position()
		delete(c.iterators, name)
	}
	c.iterMu.Unlock()
}

// CommittedUntil returns the current CommittedUntilAddress.
func (c *Coordinator) CommittedUntil() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committedUntil
}

// Commit persists RecoveryInfo for flushAddress and advances
// CommittedUntilAddress, waking every waiter. It is idempotent: calling it
// twice with the same or a smaller flushAddress after the first call
// succeeds without writing anything.
func (c *Coordinator) Commit(flushAddress int64) error {
	c.mu.Lock()
	if flushAddress <= c.committedUntil {
		c.mu.Unlock()
		return nil
	}

	iterators := c.snapshotIterators()
	info := &wire.RecoveryInfo{
		Version:             wire.RecoveryInfoVersion,
		BeginAddress:        c.begin.Begin(),
		FlushedUntilAddress: flushAddress,
		Iterators:           iterators,
	}
	encoded := wire.EncodeRecoveryInfo(info)

	if err := c.store.Commit(encoded); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("commit: persist recovery info: %w", err)
	}

	c.committedUntil = flushAddress
	c.mu.Unlock()
	c.recordPersistedPositions(iterators)
	c.cond.Broadcast()
	return nil
}

// Checkpoint re-persists RecoveryInfo at the current CommittedUntilAddress
// together with the latest snapshot of every registered iterator's
// position, but only when that snapshot differs from the one last
// persisted. A flush-driven Commit only runs when FlushedUntilAddress
// moves, so an iterator's CompleteUntil call between two such commits
// would otherwise never reach the commit store; callers should invoke
// Checkpoint whenever they want iterator progress made durable regardless
// of flush activity. The dedup keeps it a no-op, like Commit, when nothing
// has actually moved.
func (c *Coordinator) Checkpoint() error {
	iterators := c.snapshotIterators()
	if c.persistedPositionsMatch(iterators) {
		return nil
	}

	c.mu.Lock()
	info := &wire.RecoveryInfo{
		Version:             wire.RecoveryInfoVersion,
		BeginAddress:        c.begin.Begin(),
		FlushedUntilAddress: c.committedUntil,
		Iterators:           iterators,
	}
	encoded := wire.EncodeRecoveryInfo(info)

	if err := c.store.Commit(encoded); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("commit: persist recovery info: %w", err)
	}
	c.mu.Unlock()
	c.recordPersistedPositions(iterators)
	return nil
}

// snapshotIterators merges every frozen checkpoint (from a prior
// UnregisterIterator or a restored commit blob) with the live position of
// every currently registered iterator, which takes precedence for a name
// registered in both. A name is never dropped from the result just
// because its iterator was closed.
func (c *Coordinator) snapshotIterators() []wire.IteratorCheckpoint {
	c.iterMu.Lock()
	defer c.iterMu.Unlock()
	merged := make(map[string]int64, len(c.checkpoints)+len(c.iterators))
	for name, pos := range c.checkpoints {
		merged[name] = pos
	}
	for name, position := range c.iterators {
		merged[name] = position()
	}
	out := make([]wire.IteratorCheckpoint, 0, len(merged))
	for name, pos := range merged {
		out = append(out, wire.IteratorCheckpoint{Name: name, CompletedUntil: pos})
	}
	return out
}

// persistedPositionsMatch reports whether iterators is identical to the
// set of positions last written to the commit store.
func (c *Coordinator) persistedPositionsMatch(iterators []wire.IteratorCheckpoint) bool {
	c.lastPersistedMu.Lock()
	defer c.lastPersistedMu.Unlock()
	if len(iterators) != len(c.lastPersistedPos) {
		return false
	}
	for _, it := range iterators {
		if pos, ok := c.lastPersistedPos[it.Name]; !ok || pos != it.CompletedUntil {
			return false
		}
	}
	return true
}

func (c *Coordinator) recordPersistedPositions(iterators []wire.IteratorCheckpoint) {
	c.lastPersistedMu.Lock()
	defer c.lastPersistedMu.Unlock()
	c.lastPersistedPos = make(map[string]int64, len(iterators))
	for _, it := range iterators {
		c.lastPersistedPos[it.Name] = it.CompletedUntil
	}
}

// WaitForCommit blocks until CommittedUntilAddress >= untilAddress or ctx
// is done. A zero untilAddress is treated as "the next commit, whatever it
// is" by waiting for any advance past the current value.
func (c *Coordinator) WaitForCommit(ctx context.Context, untilAddress int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	watch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.cond.Broadcast()
		case <-watch:
		}
	}()
	defer close(watch)

	c.mu.Lock()
	defer c.mu.Unlock()

	target := untilAddress
	if target == 0 {
		target = c.committedUntil + 1
	}
	for c.committedUntil < target {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

// Close releases the underlying commit store.
func (c *Coordinator) Close() error {
	return c.store.Close()
}
