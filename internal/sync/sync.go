// Package sync keeps the in-memory target set converged with the config
// store: it subscribes to the configuration change channel, debounces
// notification bursts, and republishes the materialized targets through the
// watch slot, with a periodic fallback resync guaranteeing eventual
// consistency even when notifications are lost.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/doubleword-ai/dwctl/internal/loader"
	"github.com/doubleword-ai/dwctl/internal/logging"
	"github.com/doubleword-ai/dwctl/internal/metrics"
	"github.com/doubleword-ai/dwctl/internal/store"
	"github.com/doubleword-ai/dwctl/internal/target"
)

// Status is a lifecycle event emitted for tests and observability.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
)

// Options tunes the engine.
type Options struct {
	// Debounce is the minimum interval between reloads (default 100ms).
	Debounce time.Duration
	// FallbackInterval drives periodic full resyncs independent of
	// notifications (default 10s). Zero disables the fallback timer,
	// which is not recommended.
	FallbackInterval time.Duration
	// StatusCh, when non-nil, receives lifecycle events.
	StatusCh chan<- Status

	EscalationAliases []string
	StrictMode        bool
}

// Engine is the single long-lived sync task.
type Engine struct {
	store *store.Store
	watch *target.Watch
	opts  Options

	cacheInfo  *metrics.CacheInfoState
	lastReload time.Time

	// onPublish hooks run after each publication (limiter reconciliation).
	onPublish []func(*target.Targets)
}

// New creates an engine publishing into watch.
func New(s *store.Store, watch *target.Watch, opts Options) *Engine {
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	return &Engine{
		store:     s,
		watch:     watch,
		opts:      opts,
		cacheInfo: metrics.NewCacheInfoState(),
	}
}

// OnPublish registers a hook invoked with every published snapshot. Must be
// called before Run.
func (e *Engine) OnPublish(fn func(*target.Targets)) {
	e.onPublish = append(e.onPublish, fn)
}

// Load performs one reload and publishes the result. Used at startup and by
// both sync paths.
func (e *Engine) Load(ctx context.Context, source string) error {
	log := logging.FromContext(ctx)
	targets, err := loader.LoadTargets(ctx, e.store, e.opts.EscalationAliases, e.opts.StrictMode)
	if err != nil {
		metrics.CacheSyncErrors.WithLabelValues(source).Inc()
		return err
	}

	e.watch.Publish(targets)
	for _, fn := range e.onPublish {
		fn(targets)
	}

	aliases := make(map[string]string, len(targets.Targets))
	for alias, tgt := range targets.Targets {
		aliases[alias] = string(tgt.Kind)
	}
	e.cacheInfo.Update(aliases)

	metrics.CacheSyncTotal.WithLabelValues(source).Inc()
	log.Info("published routing configuration", "targets", len(targets.Targets), "source", source)
	return nil
}

// Run drives the listener loop until ctx is cancelled. On SQLite backends
// (no pub/sub channel) only the fallback timer runs. A fatal store error
// (closed pool / closed connection) terminates the task with that error.
func (e *Engine) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)

	for {
		e.sendStatus(ctx, StatusConnecting)

		listener, err := e.store.NewListener()
		if errors.Is(err, store.ErrNotifyUnsupported) {
			e.sendStatus(ctx, StatusConnected)
			log.Info("change notifications unavailable, relying on fallback resync")
			return e.runFallbackOnly(ctx)
		}
		if err != nil {
			if store.IsFatalConnError(err) {
				return err
			}
			log.Error("failed to open config listener, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		e.sendStatus(ctx, StatusConnected)
		log.Info("started configuration listener", "channel", store.ConfigChangedChannel)

		fatal, err := e.listen(ctx, listener)
		_ = listener.Close()
		if fatal {
			return err
		}
		if ctx.Err() != nil {
			log.Info("configuration listener stopped")
			return nil
		}

		e.sendStatus(ctx, StatusDisconnected)
		e.sendStatus(ctx, StatusReconnecting)
	}
}

// listen consumes one subscription until it breaks or ctx is done. fatal is
// true when the engine should exit with err instead of reconnecting.
func (e *Engine) listen(ctx context.Context, listener *store.Listener) (fatal bool, err error) {
	log := logging.FromContext(ctx)

	var fallbackC <-chan time.Time
	if e.opts.FallbackInterval > 0 {
		ticker := time.NewTicker(e.opts.FallbackInterval)
		defer ticker.Stop()
		fallbackC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return false, nil

		case n, ok := <-listener.Notifications():
			if !ok {
				log.Info("notification channel closed, reconnecting")
				return false, nil
			}
			if n == nil {
				// Driver re-established the connection; events may have been
				// missed, so force a reload.
				log.Info("listener reconnected, forcing resync")
				if ferr := e.reload(ctx, "listen_notify", "", 0, false); ferr != nil {
					return true, ferr
				}
				continue
			}

			table, lag, parsed := store.ParseNotifyPayload(n.Extra)
			log.Debug("received config change notification", "payload", n.Extra)
			if e.debounced() {
				log.Debug("skipping reload due to debouncing")
				continue
			}
			if ferr := e.reload(ctx, "listen_notify", table, lag, parsed); ferr != nil {
				return true, ferr
			}

		case ev := <-listener.Events():
			if ev == pq.ListenerEventDisconnected || ev == pq.ListenerEventConnectionAttemptFailed {
				log.Warn("listener connection lost")
				return false, nil
			}

		case <-fallbackC:
			log.Debug("fallback periodic sync triggered")
			if e.debounced() {
				continue
			}
			if err := e.fallbackReload(ctx); err != nil {
				return true, err
			}
		}
	}
}

// runFallbackOnly is the timer-only loop used when the backend has no
// pub/sub channel.
func (e *Engine) runFallbackOnly(ctx context.Context) error {
	interval := e.opts.FallbackInterval
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if e.debounced() {
				continue
			}
			if err := e.fallbackReload(ctx); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) debounced() bool {
	return time.Since(e.lastReload) < e.opts.Debounce
}

// reload runs a notification-triggered load. A non-nil return means fatal.
func (e *Engine) reload(ctx context.Context, source, table string, lag time.Duration, lagKnown bool) error {
	log := logging.FromContext(ctx)
	e.lastReload = time.Now()

	if err := e.Load(ctx, source); err != nil {
		log.Error("failed to load targets", "error", err, "source", source)
		if store.IsFatalConnError(err) {
			return err
		}
		return nil
	}

	if lagKnown {
		metrics.CacheSyncLag.WithLabelValues(table).Observe(lag.Seconds())
		log.Info("updated routing configuration",
			"sync_lag_ms", float64(lag.Microseconds())/1000.0, "table", table)
	}
	return nil
}

func (e *Engine) fallbackReload(ctx context.Context) error {
	log := logging.FromContext(ctx)
	e.lastReload = time.Now()
	if err := e.Load(ctx, "fallback"); err != nil {
		log.Error("fallback sync failed", "error", err)
		if store.IsFatalConnError(err) {
			return err
		}
	}
	return nil
}

func (e *Engine) sendStatus(ctx context.Context, st Status) {
	if e.opts.StatusCh == nil {
		return
	}
	select {
	case e.opts.StatusCh <- st:
	case <-ctx.Done():
	}
}
