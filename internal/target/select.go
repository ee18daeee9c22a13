package target

import (
	"math/rand"
)

// Selector walks a target's providers according to its strategy, honoring
// the fallback attempt budget and provider exclusions. One Selector serves
// one request.
type Selector struct {
	target     *Target
	excluded   map[int]struct{}
	attempts   int
	maxAttempt int
}

// NewSelector builds a selector for one dispatch. The attempt budget is the
// pool's fallback_max_attempts clamped to [1, N]; unset means N.
func NewSelector(t *Target) *Selector {
	n := len(t.Providers)
	budget := n
	if t.Fallback != nil && t.Fallback.MaxAttempts > 0 {
		budget = t.Fallback.MaxAttempts
	}
	if budget > n {
		budget = n
	}
	if budget < 1 {
		budget = 1
	}
	return &Selector{
		target:     t,
		excluded:   make(map[int]struct{}),
		maxAttempt: budget,
	}
}

// Next picks the next provider to try. ok is false once the attempt budget
// is spent or no provider remains.
func (s *Selector) Next() (idx int, spec *ProviderSpec, ok bool) {
	if s.attempts >= s.maxAttempt {
		return 0, nil, false
	}

	candidates := s.candidates()
	if len(candidates) == 0 {
		return 0, nil, false
	}

	switch s.target.Strategy {
	case StrategyPriority:
		// Providers are ordered by ascending sort order at load time, so the
		// first non-excluded candidate is the highest-priority one.
		idx = candidates[0]
	default:
		idx = weightedDraw(s.target.Providers, candidates)
	}

	s.attempts++
	return idx, &s.target.Providers[idx], true
}

// MarkTried records a completed attempt against idx. Without replacement the
// provider is excluded from re-selection; with replacement it stays eligible.
// Priority pools always advance: failover visits strictly later sort orders.
func (s *Selector) MarkTried(idx int) {
	if s.target.Strategy == StrategyPriority {
		s.excluded[idx] = struct{}{}
		return
	}
	if s.target.Fallback == nil || !s.target.Fallback.WithReplacement {
		s.excluded[idx] = struct{}{}
	}
}

// MarkUnavailable excludes idx unconditionally (rate-limit refusals).
func (s *Selector) MarkUnavailable(idx int) {
	s.excluded[idx] = struct{}{}
}

// Exhausted reports whether no further attempt is possible: the attempt
// budget is spent or every provider is excluded.
func (s *Selector) Exhausted() bool {
	return s.attempts >= s.maxAttempt || len(s.candidates()) == 0
}

func (s *Selector) candidates() []int {
	out := make([]int, 0, len(s.target.Providers))
	for i := range s.target.Providers {
		if _, skip := s.excluded[i]; !skip {
			out = append(out, i)
		}
	}
	return out
}

// weightedDraw draws a uniform integer in [0, Σ weights) over the candidate
// subset and returns the first candidate whose cumulative weight exceeds the
// draw. Non-positive weights count as 1.
func weightedDraw(providers []ProviderSpec, candidates []int) int {
	total := 0
	for _, i := range candidates {
		total += effectiveWeight(providers[i].Weight)
	}
	draw := rand.Intn(total) //nolint:gosec
	cumulative := 0
	for _, i := range candidates {
		cumulative += effectiveWeight(providers[i].Weight)
		if draw < cumulative {
			return i
		}
	}
	return candidates[len(candidates)-1]
}

func effectiveWeight(w int) int {
	if w <= 0 {
		return 1
	}
	return w
}
