// Command dwctl runs the inference gateway control plane: the data-plane
// proxy, the configuration sync engine, and the minimal admin surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/doubleword-ai/dwctl/internal/admin"
	"github.com/doubleword-ai/dwctl/internal/config"
	"github.com/doubleword-ai/dwctl/internal/credits"
	"github.com/doubleword-ai/dwctl/internal/limiter"
	"github.com/doubleword-ai/dwctl/internal/logging"
	"github.com/doubleword-ai/dwctl/internal/proxy"
	"github.com/doubleword-ai/dwctl/internal/serializer"
	"github.com/doubleword-ai/dwctl/internal/store"
	syncengine "github.com/doubleword-ai/dwctl/internal/sync"
	"github.com/doubleword-ai/dwctl/internal/target"
	"github.com/doubleword-ai/dwctl/internal/version"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "dwctl",
		Short:         "Control plane for a multi-tenant AI inference gateway",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy and configuration sync engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "optional YAML config overlay")
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logging.Logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component("server")

	st, err := store.Open(cfg.DatabaseURL, cfg.DatabaseReadURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	log.Info("store opened", "dialect", string(st.Dialect()))

	watch := target.NewWatch(nil)
	limits := limiter.NewRegistry()

	engine := syncengine.New(st, watch, syncengine.Options{
		Debounce:          cfg.SyncDebounce,
		FallbackInterval:  cfg.SyncFallbackInterval,
		EscalationAliases: cfg.EscalationModels,
		StrictMode:        cfg.StrictMode,
	})
	engine.OnPublish(limits.Reconcile)

	// The initial materialization must succeed before serving traffic.
	if err := engine.Load(ctx, "startup"); err != nil {
		return fmt.Errorf("initial target load: %w", err)
	}

	var usage *serializer.Serializer
	if cfg.EnableAnalytics {
		usage = serializer.New(st, uuid.NewString(), cfg.ProxyHeaderName, cfg.Host, cfg.Port)
	}

	proxySrv := proxy.NewServer(watch, limits, usage, cfg.ProxyHeaderName)

	r := chi.NewRouter()
	r.Mount("/", proxySrv.Routes())
	r.Mount("/admin", admin.NewHandlers(st, cfg.SecretKey).Routes())
	if cfg.EnableMetrics {
		r.Handle("/internal/metrics", promhttp.Handler())
	}
	r.Get("/internal/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// Streaming completions hold response writers open; no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(ctx)
	})
	if cfg.CompactionInterval > 0 {
		ledger := credits.NewLedger(st)
		g.Go(func() error {
			ticker := time.NewTicker(cfg.CompactionInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					n, err := ledger.CompactAll(ctx)
					if err != nil {
						log.Error("balance compaction failed", "error", err)
						continue
					}
					log.Debug("balance checkpoints compacted", "users", n)
				}
			}
		})
	}
	g.Go(func() error {
		log.Info("dwctl listening", "addr", cfg.ListenAddr, "strict_mode", cfg.StrictMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	log.Info("server stopped")
	return nil
}
