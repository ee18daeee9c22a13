package limiter

import (
	"context"
	"sync"
)

// Permits is a counting semaphore whose capacity can be resized while
// permits are outstanding. Shrinking never revokes in-flight permits; the
// pool simply refuses new acquisitions until usage falls below the new
// maximum.
type Permits struct {
	mu       sync.Mutex
	max      int
	inflight int
	waiters  []chan struct{}
}

// NewPermits creates a semaphore with max concurrent permits.
func NewPermits(max int) *Permits {
	if max < 1 {
		max = 1
	}
	return &Permits{max: max}
}

// Acquire takes one permit, blocking until one is available or ctx is done.
// The caller's deadline bounds the wait.
func (p *Permits) Acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.inflight < p.max {
		p.inflight++
		p.mu.Unlock()
		return nil
	}

	wait := make(chan struct{}, 1)
	p.waiters = append(p.waiters, wait)
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			p.removeWaiter(wait)
			return ctx.Err()
		case <-wait:
			p.mu.Lock()
			if p.inflight < p.max {
				p.inflight++
				p.mu.Unlock()
				return nil
			}
			// Lost the race; queue up again.
			wait = make(chan struct{}, 1)
			p.waiters = append(p.waiters, wait)
			p.mu.Unlock()
		}
	}
}

// TryAcquire takes a permit without waiting.
func (p *Permits) TryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight < p.max {
		p.inflight++
		return true
	}
	return false
}

// Release returns one permit and wakes a waiter.
func (p *Permits) Release() {
	p.mu.Lock()
	if p.inflight > 0 {
		p.inflight--
	}
	p.notifyLocked()
	p.mu.Unlock()
}

// SetMax resizes the pool. Growth wakes waiters immediately.
func (p *Permits) SetMax(max int) {
	if max < 1 {
		max = 1
	}
	p.mu.Lock()
	grew := max > p.max
	p.max = max
	if grew {
		p.notifyLocked()
	}
	p.mu.Unlock()
}

// Inflight returns the number of outstanding permits.
func (p *Permits) Inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight
}

// notifyLocked wakes all waiters when capacity is available; woken waiters
// re-check under the lock and re-queue if they lose the race.
func (p *Permits) notifyLocked() {
	if p.inflight >= p.max || len(p.waiters) == 0 {
		return
	}
	for _, w := range p.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	p.waiters = p.waiters[:0]
}

func (p *Permits) removeWaiter(w chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}
