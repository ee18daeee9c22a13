package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/doubleword-ai/dwctl/internal/target"
)

// Scope namespaces limiter identities.
type Scope string

const (
	ScopeKey      Scope = "key"
	ScopePool     Scope = "pool"
	ScopeProvider Scope = "provider"
)

// ProviderIdentity builds the stable identity for a provider inside a pool.
func ProviderIdentity(alias string, index int) string {
	return fmt.Sprintf("%s/%d", alias, index)
}

type entryKey struct {
	scope Scope
	id    string
}

type entry struct {
	bucket  *Bucket
	permits *Permits
	// stale marks an entry absent from the latest target set; it is dropped
	// at the next reconcile once no permits remain in flight.
	stale bool
}

// Registry holds all keyed limiters.
type Registry struct {
	mu      sync.Mutex
	entries map[entryKey]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[entryKey]*entry)}
}

func (r *Registry) get(scope Scope, id string) *entry {
	k := entryKey{scope, id}
	e, ok := r.entries[k]
	if !ok {
		e = &entry{}
		r.entries[k] = e
	}
	return e
}

// Allow applies the rate limit for (scope, id). A nil limit always permits.
// The bucket is created on first use and its parameters refreshed in place.
func (r *Registry) Allow(scope Scope, id string, limit *target.RateLimit) bool {
	if limit == nil {
		return true
	}
	r.mu.Lock()
	e := r.get(scope, id)
	if e.bucket == nil {
		e.bucket = NewBucket(limit.RequestsPerSecond, limit.BurstSize)
	}
	bucket := e.bucket
	r.mu.Unlock()
	return bucket.Allow()
}

// RetryAfter estimates the wait until (scope, id) would admit a request.
func (r *Registry) RetryAfter(scope Scope, id string) time.Duration {
	r.mu.Lock()
	e, ok := r.entries[entryKey{scope, id}]
	r.mu.Unlock()
	if !ok || e.bucket == nil {
		return 0
	}
	return e.bucket.RetryAfter()
}

// Acquire takes a concurrency permit for (scope, id), waiting within ctx's
// deadline. A nil limit is a no-op. The returned release function is safe to
// call exactly once on every exit path.
func (r *Registry) Acquire(ctx context.Context, scope Scope, id string, limit *int) (func(), error) {
	if limit == nil {
		return func() {}, nil
	}
	r.mu.Lock()
	e := r.get(scope, id)
	if e.permits == nil {
		e.permits = NewPermits(*limit)
	}
	permits := e.permits
	r.mu.Unlock()

	if err := permits.Acquire(ctx); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(permits.Release) }, nil
}

// Inflight reports outstanding permits for (scope, id); zero when untracked.
func (r *Registry) Inflight(scope Scope, id string) int {
	r.mu.Lock()
	e, ok := r.entries[entryKey{scope, id}]
	r.mu.Unlock()
	if !ok || e.permits == nil {
		return 0
	}
	return e.permits.Inflight()
}

// Reconcile aligns the registry with a freshly published target set:
// parameters of present entries are updated keeping their state, absent
// entries are marked stale, and stale drained entries are reclaimed.
func (r *Registry) Reconcile(t *target.Targets) {
	present := make(map[entryKey]struct{})

	mark := func(scope Scope, id string, rate *target.RateLimit, conc *int) {
		k := entryKey{scope, id}
		present[k] = struct{}{}

		r.mu.Lock()
		e := r.get(scope, id)
		e.stale = false
		if rate != nil && e.bucket != nil {
			e.bucket.SetParams(rate.RequestsPerSecond, rate.BurstSize)
		}
		if conc != nil && e.permits != nil {
			e.permits.SetMax(*conc)
		}
		r.mu.Unlock()
	}

	for _, k := range t.Keys {
		if k.RateLimit != nil {
			mark(ScopeKey, k.ID, k.RateLimit, nil)
		}
	}
	for alias, tgt := range t.Targets {
		if tgt.RateLimit != nil || tgt.ConcurrencyLimit != nil {
			mark(ScopePool, alias, tgt.RateLimit, tgt.ConcurrencyLimit)
		}
		for i := range tgt.Providers {
			p := &tgt.Providers[i]
			if p.RateLimit != nil || p.ConcurrencyLimit != nil {
				mark(ScopeProvider, ProviderIdentity(alias, i), p.RateLimit, p.ConcurrencyLimit)
			}
		}
	}

	r.mu.Lock()
	for k, e := range r.entries {
		if _, ok := present[k]; ok {
			continue
		}
		drained := e.permits == nil || e.permits.Inflight() == 0
		if e.stale && drained {
			delete(r.entries, k)
			continue
		}
		e.stale = true
	}
	r.mu.Unlock()
}

// Len reports the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
