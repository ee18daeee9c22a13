package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DWCTL_DATABASE_URL", "postgres://localhost/dwctl")
	t.Setenv("DWCTL_STRICT_MODE", "true")
	t.Setenv("DWCTL_ESCALATION_MODELS", "model-a,model-b")
	t.Setenv("DWCTL_SYNC_FALLBACK_INTERVAL", "30s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/dwctl" {
		t.Fatalf("database url = %q", cfg.DatabaseURL)
	}
	if cfg.DatabaseReadURL != cfg.DatabaseURL {
		t.Fatal("read URL must default to the write URL")
	}
	if !cfg.StrictMode {
		t.Fatal("strict mode not read")
	}
	if len(cfg.EscalationModels) != 2 || cfg.EscalationModels[0] != "model-a" {
		t.Fatalf("escalation models = %v", cfg.EscalationModels)
	}
	if cfg.SyncFallbackInterval != 30*time.Second {
		t.Fatalf("fallback interval = %v", cfg.SyncFallbackInterval)
	}
	// Defaults.
	if cfg.SyncDebounce != 100*time.Millisecond {
		t.Fatalf("debounce default = %v", cfg.SyncDebounce)
	}
	if cfg.ProxyHeaderName != DefaultProxyHeader {
		t.Fatalf("proxy header default = %q", cfg.ProxyHeaderName)
	}
	if !cfg.EnableMetrics || !cfg.EnableAnalytics {
		t.Fatal("feature flags must default on")
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	os.Unsetenv("DWCTL_DATABASE_URL")
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error without a database URL")
	}
}

func writeOverlay(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dwctl.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	return path
}

// Overlay values must survive envconfig's tag-default application: every
// field carrying a `default` tag is rewritten by envconfig whenever its env
// var is unset, so the merge has to run after env processing.
func TestYAMLOverlayBeatsTagDefaults(t *testing.T) {
	path := writeOverlay(t, `database_url: overlay.db
listen_addr: ":9090"
host: overlay-host
port: 9090
enable_metrics: false
enable_analytics: false
sync_debounce: 250ms
sync_fallback_interval: 1m
compaction_interval: 2h
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "overlay.db" {
		t.Fatalf("database url = %q", cfg.DatabaseURL)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("listen addr = %q, default tag must not clobber the overlay", cfg.ListenAddr)
	}
	if cfg.Host != "overlay-host" {
		t.Fatalf("host = %q, default tag must not clobber the overlay", cfg.Host)
	}
	if cfg.Port != 9090 {
		t.Fatalf("port = %d, default tag must not clobber the overlay", cfg.Port)
	}
	if cfg.EnableMetrics || cfg.EnableAnalytics {
		t.Fatal("overlay false must survive the true default tags")
	}
	if !cfg.EnableRequestLogging {
		t.Fatal("untouched fields keep their defaults")
	}
	if cfg.SyncDebounce != 250*time.Millisecond {
		t.Fatalf("sync debounce = %v", cfg.SyncDebounce)
	}
	if cfg.SyncFallbackInterval != time.Minute {
		t.Fatalf("fallback interval = %v", cfg.SyncFallbackInterval)
	}
	if cfg.CompactionInterval != 2*time.Hour {
		t.Fatalf("compaction interval = %v", cfg.CompactionInterval)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
}

func TestEnvironmentBeatsYAMLOverlay(t *testing.T) {
	path := writeOverlay(t, `database_url: overlay.db
host: overlay-host
port: 9090
strict_mode: true
`)
	t.Setenv("DWCTL_HOST", "env-host")
	t.Setenv("DWCTL_PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "env-host" {
		t.Fatalf("host = %q; environment must override the overlay", cfg.Host)
	}
	if cfg.Port != 7070 {
		t.Fatalf("port = %d; environment must override the overlay", cfg.Port)
	}
	if cfg.DatabaseURL != "overlay.db" {
		t.Fatalf("database url = %q", cfg.DatabaseURL)
	}
	if !cfg.StrictMode {
		t.Fatal("overlay strict_mode lost")
	}
}

func TestOverlayRejectsBadDuration(t *testing.T) {
	path := writeOverlay(t, "database_url: overlay.db\nsync_debounce: soon\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error for a bad duration")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	valid := Config{DatabaseURL: "x.db", Port: 3001}
	if err := Validate(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []Config{
		{Port: 3001},                                                  // no database
		{DatabaseURL: "x.db", Port: 0},                                // bad port
		{DatabaseURL: "x.db", Port: 3001, SyncDebounce: -time.Second}, // negative debounce
	}
	for i, cfg := range cases {
		if err := Validate(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
