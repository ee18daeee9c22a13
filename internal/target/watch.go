package target

import (
	"context"
	"sync"
)

// Watch is a single-value broadcast slot for Targets snapshots: one writer
// (the sync engine) replaces the value, many readers take non-blocking
// snapshots or wait for the next version. Readers observing a stale value
// simply observe the new one on their next Load; there is no per-update
// queue to grow.
type Watch struct {
	mu      sync.RWMutex
	current *Targets
	version uint64
	changed chan struct{}
}

// NewWatch creates a slot holding the initial snapshot.
func NewWatch(initial *Targets) *Watch {
	if initial == nil {
		initial = NewTargets(nil, nil, false)
	}
	return &Watch{current: initial, changed: make(chan struct{})}
}

// Load returns the current snapshot. Never blocks.
func (w *Watch) Load() *Targets {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Version returns the publication counter for the current snapshot.
func (w *Watch) Version() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

// Publish replaces the snapshot and wakes all waiters.
func (w *Watch) Publish(t *Targets) {
	w.mu.Lock()
	w.current = t
	w.version++
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

// Wait blocks until a publication newer than afterVersion exists or ctx is
// done, then returns the latest snapshot and its version.
func (w *Watch) Wait(ctx context.Context, afterVersion uint64) (*Targets, uint64, error) {
	for {
		w.mu.RLock()
		cur, ver, ch := w.current, w.version, w.changed
		w.mu.RUnlock()
		if ver > afterVersion {
			return cur, ver, nil
		}
		select {
		case <-ctx.Done():
			return nil, ver, ctx.Err()
		case <-ch:
		}
	}
}
