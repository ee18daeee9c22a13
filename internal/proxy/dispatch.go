package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/doubleword-ai/dwctl/internal/limiter"
	"github.com/doubleword-ai/dwctl/internal/logging"
	"github.com/doubleword-ai/dwctl/internal/metrics"
	"github.com/doubleword-ai/dwctl/internal/serializer"
	"github.com/doubleword-ai/dwctl/internal/target"
)

// maxCaptureBytes bounds the response bytes retained for usage accounting.
const maxCaptureBytes = 32 << 20

// hop-by-hop headers are never forwarded in either direction.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// dispatchLoop selects providers per the target's strategy and forwards the
// request, rotating on failover conditions until success, exhaustion of the
// attempt budget, or no provider remaining.
func (s *Server) dispatchLoop(w http.ResponseWriter, r *http.Request, tgt *target.Target, alias string, key *target.KeyDefinition, body []byte, start time.Time) {
	log := logging.FromContext(r.Context())

	if len(tgt.Providers) == 0 {
		metrics.RequestsTotal.WithLabelValues(alias, "error").Inc()
		writeBadGateway(w, "no providers available for model "+alias)
		return
	}

	sel := target.NewSelector(tgt)
	var sawRateLimit, sawTimeout bool
	attempt := 0

	for {
		idx, spec, ok := sel.Next()
		if !ok {
			break
		}
		attempt++
		pid := limiter.ProviderIdentity(alias, idx)

		// Provider rate limit; refusal can fail over when the pool allows it.
		if !s.limits.Allow(limiter.ScopeProvider, pid, spec.RateLimit) {
			metrics.RateLimitRejections.WithLabelValues(string(limiter.ScopeProvider)).Inc()
			sawRateLimit = true
			if tgt.Fallback != nil && tgt.Fallback.Enabled && tgt.Fallback.OnRateLimit {
				log.Debug("provider rate limited, failing over", "alias", alias, "provider", pid)
				sel.MarkUnavailable(idx)
				continue
			}
			metrics.RequestsTotal.WithLabelValues(alias, "rejected").Inc()
			writeRateLimited(w, s.limits.RetryAfter(limiter.ScopeProvider, pid))
			return
		}

		// Provider concurrency permit, bounded by the attempt deadline.
		var (
			permitCtx    context.Context
			cancelPermit context.CancelFunc
		)
		if spec.RequestTimeout > 0 {
			permitCtx, cancelPermit = context.WithTimeout(r.Context(), spec.RequestTimeout)
		} else {
			permitCtx, cancelPermit = context.WithCancel(r.Context())
		}
		release, err := s.limits.Acquire(permitCtx, limiter.ScopeProvider, pid, spec.ConcurrencyLimit)
		cancelPermit()
		if err != nil {
			metrics.RequestsTotal.WithLabelValues(alias, "rejected").Inc()
			writeRateLimited(w, time.Second)
			return
		}

		attemptStart := time.Now()
		resp, cancelAttempt, err := s.dispatch(r, spec, body)
		if err != nil {
			release()
			cancelAttempt()
			if errors.Is(err, context.DeadlineExceeded) {
				metrics.DispatchAttempts.WithLabelValues(alias, "timeout").Inc()
				sawTimeout = true
				sel.MarkTried(idx)
				if tgt.Fallback.ShouldFailOver(http.StatusGatewayTimeout) && !sel.Exhausted() {
					log.Warn("upstream attempt timed out, failing over", "alias", alias, "provider", pid)
					continue
				}
				metrics.RequestsTotal.WithLabelValues(alias, "error").Inc()
				writeGatewayTimeout(w)
				return
			}
			// Caller gone: stop retrying, nothing can be written anyway.
			if r.Context().Err() != nil {
				metrics.RequestsTotal.WithLabelValues(alias, "error").Inc()
				return
			}
			// Transport errors are retryable within the attempt loop.
			metrics.DispatchAttempts.WithLabelValues(alias, "transport_error").Inc()
			log.Warn("upstream attempt failed", "alias", alias, "provider", pid, "error", err)
			sel.MarkTried(idx)
			continue
		}

		if tgt.Fallback.ShouldFailOver(resp.StatusCode) {
			metrics.DispatchAttempts.WithLabelValues(alias, fmt.Sprintf("status_%d", resp.StatusCode)).Inc()
			sel.MarkTried(idx)
			if !sel.Exhausted() {
				log.Warn("upstream returned failover status, retrying",
					"alias", alias, "provider", pid, "status", resp.StatusCode, "attempt", attempt)
				drainAndClose(resp)
				release()
				cancelAttempt()
				continue
			}
			// Attempts exhausted: the failing upstream response is forwarded
			// verbatim below.
		} else {
			metrics.DispatchAttempts.WithLabelValues(alias, "ok").Inc()
		}

		s.forward(w, r, resp, cancelAttempt, release, spec, tgt, alias, key, body, start, attemptStart, attempt)
		return
	}

	// No forwardable upstream response exists.
	metrics.RequestsTotal.WithLabelValues(alias, "error").Inc()
	switch {
	case sawRateLimit && !sawTimeout:
		writeRateLimited(w, time.Second)
	case sawTimeout:
		writeGatewayTimeout(w)
	default:
		writeBadGateway(w, "all providers failed for model "+alias)
	}
}

// dispatch sends one upstream attempt: URL join, auth rewrite, model
// substitution. The returned cancel func must outlive the response body.
func (s *Server) dispatch(r *http.Request, spec *target.ProviderSpec, body []byte) (*http.Response, context.CancelFunc, error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if spec.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(r.Context(), spec.RequestTimeout)
	} else {
		ctx, cancel = context.WithCancel(r.Context())
	}

	upstreamURL := *spec.URL
	upstreamURL.Path = joinPath(spec.URL.Path, r.URL.Path)
	upstreamURL.RawQuery = r.URL.RawQuery

	outBody, err := rewriteModel(body, spec.UpstreamModelName)
	if err != nil {
		// Non-JSON bodies pass through untouched.
		outBody = body
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL.String(), bytes.NewReader(outBody))
	if err != nil {
		cancel()
		return nil, func() {}, fmt.Errorf("build upstream request: %w", err)
	}

	copyHeaders(req.Header, r.Header)
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	// Strip caller credentials before injecting the provider's own.
	req.Header.Del("Authorization")
	if s.proxyHeaderName != "" {
		req.Header.Del(s.proxyHeaderName)
	}
	if spec.UpstreamKey != "" {
		name, prefix := spec.AuthHeader()
		req.Header.Set(name, prefix+spec.UpstreamKey)
	}
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(outBody)))
	req.ContentLength = int64(len(outBody))

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return nil, func() {}, err
	}
	return resp, cancel, nil
}

// forward streams the upstream response to the caller, applying the
// sanitizer when configured, measures TTFB, and hands the exchange to the
// usage serializer.
func (s *Server) forward(
	w http.ResponseWriter, r *http.Request, resp *http.Response,
	cancelAttempt context.CancelFunc, release func(),
	spec *target.ProviderSpec, tgt *target.Target, alias string,
	key *target.KeyDefinition, body []byte,
	start, attemptStart time.Time, attempt int,
) {
	defer release()
	defer cancelAttempt()
	defer resp.Body.Close()

	log := logging.FromContext(r.Context())

	copyHeaders(w.Header(), resp.Header)
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}

	// Stamp the current tariff so the accounting path sees the prices that
	// were in force at dispatch time.
	if prices, ok := tgt.PricesFor(key.Purpose()); ok {
		if prices.InputPricePerToken != nil {
			w.Header().Set(serializer.InputTokenPriceHeader, prices.InputPricePerToken.String())
		}
		if prices.OutputPricePerToken != nil {
			w.Header().Set(serializer.OutputTokenPriceHeader, prices.OutputPricePerToken.String())
		}
	}
	w.Header().Set("X-Gateway-Provider", spec.Name)

	isSSE := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	// Sanitizing requires rewriting bytes, so the length can change and
	// compressed bodies are passed through untouched.
	sanitize := spec.SanitizeResponse && resp.Header.Get("Content-Encoding") == ""
	if sanitize {
		w.Header().Del("Content-Length")
	}

	w.WriteHeader(resp.StatusCode)

	var (
		captured bytes.Buffer
		ttfb     time.Duration
	)
	if isSSE {
		ttfb = s.streamSSE(w, resp.Body, sanitize, attemptStart, &captured)
	} else {
		ttfb = s.copyBody(w, resp.Body, sanitize, attemptStart, &captured)
	}

	duration := time.Since(start)
	outcome := "success"
	if resp.StatusCode >= 400 {
		outcome = "error"
	}
	metrics.RequestsTotal.WithLabelValues(alias, outcome).Inc()
	log.Info("request completed",
		"alias", alias, "provider", spec.Name, "status", resp.StatusCode,
		"attempts", attempt, "duration_ms", duration.Milliseconds(),
		"ttfb_ms", ttfb.Milliseconds())

	if s.usage == nil {
		return
	}

	rd := &serializer.RequestData{
		Method:        r.Method,
		URI:           r.URL.RequestURI(),
		Headers:       r.Header.Clone(),
		Body:          body,
		Timestamp:     start.UTC(),
		CorrelationID: s.nextCorrelationID(),
	}
	respHeaders := w.Header().Clone()
	respData := &serializer.ResponseData{
		Status:   resp.StatusCode,
		Headers:  respHeaders,
		Body:     append([]byte(nil), captured.Bytes()...),
		Duration: duration,
		TTFB:     ttfb,
	}

	// Accounting runs as a detached task; the trace id survives, the
	// request's cancellation does not.
	bg := context.WithoutCancel(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(bg, 30*time.Second)
		defer cancel()
		s.usage.Process(ctx, rd, respData)
	}()
}

// streamSSE forwards an event stream line by line, flushing each line and
// optionally sanitizing data payloads. Returns the time to first byte.
func (s *Server) streamSSE(w http.ResponseWriter, body io.Reader, sanitize bool, attemptStart time.Time, captured *bytes.Buffer) time.Duration {
	flusher, _ := w.(http.Flusher)
	reader := bufio.NewReader(body)
	var ttfb time.Duration

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if ttfb == 0 {
				ttfb = time.Since(attemptStart)
			}
			out := line
			if sanitize {
				out = sanitizeSSELine(line)
			}
			if captured.Len() < maxCaptureBytes {
				captured.Write(out)
			}
			if _, werr := w.Write(out); werr != nil {
				return ttfb
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return ttfb
		}
	}
}

// copyBody forwards a buffered (non-SSE) response. Sanitization rewrites the
// JSON body as a whole.
func (s *Server) copyBody(w http.ResponseWriter, body io.Reader, sanitize bool, attemptStart time.Time, captured *bytes.Buffer) time.Duration {
	if sanitize {
		raw, err := io.ReadAll(io.LimitReader(body, maxCaptureBytes))
		ttfb := time.Since(attemptStart)
		if err != nil {
			return ttfb
		}
		out := sanitizeJSON(raw)
		captured.Write(out)
		_, _ = w.Write(out)
		return ttfb
	}

	var ttfb time.Duration
	buf := make([]byte, 32<<10)
	flusher, _ := w.(http.Flusher)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if ttfb == 0 {
				ttfb = time.Since(attemptStart)
			}
			if captured.Len() < maxCaptureBytes {
				captured.Write(buf[:n])
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return ttfb
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return ttfb
		}
	}
}

// rewriteModel substitutes the body's "model" field with the provider's
// upstream model name, preserving every other field untouched.
func rewriteModel(body []byte, upstreamModel string) ([]byte, error) {
	if len(body) == 0 || upstreamModel == "" {
		return body, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	if _, ok := doc["model"]; !ok {
		return body, nil
	}
	encoded, err := json.Marshal(upstreamModel)
	if err != nil {
		return nil, err
	}
	doc["model"] = encoded
	return json.Marshal(doc)
}

// joinPath concatenates the endpoint base path with the request path.
func joinPath(base, request string) string {
	base = strings.TrimSuffix(base, "/")
	if base == "" {
		return request
	}
	return base + request
}

func copyHeaders(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
