package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/doubleword-ai/dwctl/internal/limiter"
	"github.com/doubleword-ai/dwctl/internal/logging"
	"github.com/doubleword-ai/dwctl/internal/metrics"
	"github.com/doubleword-ai/dwctl/internal/target"
)

// maxRequestBody bounds inbound bodies; inference payloads are large but
// not unbounded.
const maxRequestBody = 64 << 20

// handleProxy runs the full per-request pipeline.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := logging.FromContext(r.Context())
	snapshot := s.watch.Load()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}
	if len(body) > maxRequestBody {
		writeBadRequest(w, "request body too large")
		return
	}

	// Strict mode rejects unknown operations before anything else runs.
	if snapshot.StrictMode {
		if msg := checkStrictMode(r.Method, r.URL.Path, body); msg != "" {
			writeBadRequest(w, msg)
			return
		}
	}

	alias := modelFromBody(body)
	if alias == "" {
		writeNotFound(w, alias)
		return
	}
	tgt, ok := snapshot.Lookup(alias)
	if !ok {
		writeNotFound(w, alias)
		return
	}

	key, _, errStatus := s.authenticate(r, snapshot)
	if errStatus != 0 {
		s.writeAuthError(w, errStatus)
		return
	}
	if !tgt.Authorizes(key.ID) {
		writeForbidden(w, "the API key has no access to model "+alias)
		return
	}

	// Traffic rules: first rule matching the key's purpose wins, bounded to
	// one redirect to keep rule graphs loop-free.
	tgt, alias, allowed := s.applyRoutingRules(w, snapshot, tgt, alias, key)
	if !allowed {
		return
	}

	// Pool-level concurrency admission, bounded by the request deadline.
	admissionCtx, cancelAdmission := s.admissionContext(r.Context(), tgt)
	defer cancelAdmission()
	releasePool, err := s.limits.Acquire(admissionCtx, limiter.ScopePool, alias, tgt.ConcurrencyLimit)
	if err != nil {
		metrics.RateLimitRejections.WithLabelValues(string(limiter.ScopePool)).Inc()
		writeRateLimited(w, time.Second)
		return
	}
	defer releasePool()

	// Key and pool rate limits; refusals here have no provider to fail over
	// to and surface directly as 429.
	if !s.limits.Allow(limiter.ScopeKey, key.ID, key.RateLimit) {
		metrics.RateLimitRejections.WithLabelValues(string(limiter.ScopeKey)).Inc()
		writeRateLimited(w, s.limits.RetryAfter(limiter.ScopeKey, key.ID))
		return
	}
	if !s.limits.Allow(limiter.ScopePool, alias, tgt.RateLimit) {
		metrics.RateLimitRejections.WithLabelValues(string(limiter.ScopePool)).Inc()
		writeRateLimited(w, s.limits.RetryAfter(limiter.ScopePool, alias))
		return
	}

	s.dispatchLoop(w, r, tgt, alias, key, body, start)
	metrics.RequestDuration.WithLabelValues(alias).Observe(time.Since(start).Seconds())
	log.Debug("request pipeline finished", "alias", alias, "duration_ms", time.Since(start).Milliseconds())
}

// applyRoutingRules evaluates the target's rules against the key's purpose.
// allowed is false when a response has already been written.
func (s *Server) applyRoutingRules(w http.ResponseWriter, snapshot *target.Targets, tgt *target.Target, alias string, key *target.KeyDefinition) (*target.Target, string, bool) {
	purpose := key.Purpose()
	for _, rule := range tgt.RoutingRules {
		if rule.Purpose != purpose {
			continue
		}
		switch rule.Action {
		case target.ActionDeny:
			writeForbidden(w, "access to model "+alias+" is denied for purpose "+purpose)
			return nil, alias, false
		case target.ActionRedirect:
			next, ok := snapshot.Lookup(rule.RedirectTo)
			if !ok {
				writeNotFound(w, rule.RedirectTo)
				return nil, alias, false
			}
			if !next.Authorizes(key.ID) {
				writeForbidden(w, "the API key has no access to model "+rule.RedirectTo)
				return nil, alias, false
			}
			// Exactly one redirect is applied; the redirected target's own
			// redirect rules are not followed.
			return next, rule.RedirectTo, true
		}
		break
	}
	return tgt, alias, true
}

// admissionContext bounds limiter waits with the longest provider timeout
// configured on the target, falling back to the caller's own deadline.
func (s *Server) admissionContext(ctx context.Context, tgt *target.Target) (context.Context, context.CancelFunc) {
	var longest time.Duration
	for i := range tgt.Providers {
		if t := tgt.Providers[i].RequestTimeout; t > longest {
			longest = t
		}
	}
	if longest <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, longest)
}

// modelFromBody extracts the "model" field of a JSON request body.
func modelFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Model
}
