// Package target defines the materialized routing configuration consumed by
// the proxy: the Target Set, per-target provider specs, key definitions, and
// the load-balancing strategies used to pick a provider.
package target

import (
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Default upstream auth rewrite values.
const (
	DefaultAuthHeaderName   = "Authorization"
	DefaultAuthHeaderPrefix = "Bearer "
)

// Kind discriminates single-provider targets from composite pools.
type Kind string

const (
	KindSingle Kind = "single"
	KindPool   Kind = "pool"
)

// Strategy selects how a pool picks among its providers.
type Strategy string

const (
	// StrategyWeightedRandom picks providers with probability proportional
	// to weight among enabled components.
	StrategyWeightedRandom Strategy = "weighted_random"
	// StrategyPriority tries enabled components in ascending sort order.
	StrategyPriority Strategy = "priority"
)

// RoutingAction is what a matched traffic rule does.
type RoutingAction string

const (
	ActionDeny     RoutingAction = "deny"
	ActionRedirect RoutingAction = "redirect"
)

// RoutingRule matches on the caller key's purpose label.
type RoutingRule struct {
	Purpose    string
	Action     RoutingAction
	RedirectTo string // target alias, for ActionRedirect
}

// RateLimit is a token-bucket parameter pair.
type RateLimit struct {
	RequestsPerSecond float64
	BurstSize         float64
}

// TokenPrices carries the current tariff for one (model, purpose) pair.
type TokenPrices struct {
	InputPricePerToken  *decimal.Decimal
	OutputPricePerToken *decimal.Decimal
}

// Positive reports whether at least one price is set and greater than zero.
func (p TokenPrices) Positive() bool {
	if p.InputPricePerToken != nil && p.InputPricePerToken.IsPositive() {
		return true
	}
	return p.OutputPricePerToken != nil && p.OutputPricePerToken.IsPositive()
}

// ProviderSpec is one dispatchable upstream inside a target.
type ProviderSpec struct {
	// Name is the configured endpoint name, used as the provider-name
	// fallback in analytics.
	Name string
	URL  *url.URL
	// UpstreamKey, when set, is written into AuthHeaderName with
	// AuthHeaderPrefix prepended.
	UpstreamKey       string
	UpstreamModelName string
	Weight            int
	SortOrder         int
	RateLimit         *RateLimit
	ConcurrencyLimit  *int
	AuthHeaderName    string
	AuthHeaderPrefix  string
	SanitizeResponse  bool
	// RequestTimeout bounds a single upstream attempt; zero means no bound.
	RequestTimeout time.Duration
}

// AuthHeader returns the configured header name/prefix with defaults applied.
func (p *ProviderSpec) AuthHeader() (name, prefix string) {
	name, prefix = p.AuthHeaderName, p.AuthHeaderPrefix
	if name == "" {
		name = DefaultAuthHeaderName
	}
	if prefix == "" {
		prefix = DefaultAuthHeaderPrefix
	}
	return name, prefix
}

// FallbackConfig is the pool attempt-loop policy.
type FallbackConfig struct {
	Enabled         bool
	OnRateLimit     bool
	OnStatus        map[int]struct{}
	WithReplacement bool
	// MaxAttempts is clamped to [1, len(providers)]; zero means "all".
	MaxAttempts int
}

// DefaultFallbackStatuses is the status set that triggers failover when the
// pool does not configure its own.
func DefaultFallbackStatuses() map[int]struct{} {
	return map[int]struct{}{429: {}, 500: {}, 502: {}, 503: {}, 504: {}}
}

// ShouldFailOver reports whether an upstream status triggers failover.
func (f *FallbackConfig) ShouldFailOver(status int) bool {
	if f == nil || !f.Enabled {
		return false
	}
	statuses := f.OnStatus
	if statuses == nil {
		statuses = DefaultFallbackStatuses()
	}
	_, ok := statuses[status]
	return ok
}

// Target is the routing entry for one alias: either a single provider or a
// weighted pool of them.
type Target struct {
	Alias     string
	Kind      Kind
	Providers []ProviderSpec
	Strategy  Strategy
	Fallback  *FallbackConfig

	// KeyIDs is the set of API key ids authorized for this target.
	KeyIDs map[string]struct{}

	RateLimit         *RateLimit
	ConcurrencyLimit  *int
	RoutingRules      []RoutingRule
	SanitizeResponses bool

	// Tariffs maps key purpose to the current token prices for this model.
	Tariffs map[string]TokenPrices
}

// Authorizes reports whether keyID may use this target.
func (t *Target) Authorizes(keyID string) bool {
	_, ok := t.KeyIDs[keyID]
	return ok
}

// PricesFor returns the current tariff for the given key purpose.
func (t *Target) PricesFor(purpose string) (TokenPrices, bool) {
	p, ok := t.Tariffs[purpose]
	return p, ok
}

// KeyDefinition is the global record for one API key.
type KeyDefinition struct {
	ID        string
	Secret    string
	RateLimit *RateLimit
	// Labels always includes "purpose"; keys whose owner has an email carry "email".
	Labels map[string]string
}

// Purpose returns the key's purpose label.
func (k *KeyDefinition) Purpose() string { return k.Labels["purpose"] }

// Targets is one immutable snapshot of the whole routing configuration.
// It is built by the loader and replaced atomically on each sync; readers
// never observe a partial value.
type Targets struct {
	Targets    map[string]*Target
	Keys       map[string]*KeyDefinition
	StrictMode bool

	bySecret map[string]*KeyDefinition
	byEmail  map[string]*KeyDefinition
}

// NewTargets builds a snapshot and its lookup indexes.
func NewTargets(targets map[string]*Target, keys map[string]*KeyDefinition, strictMode bool) *Targets {
	if targets == nil {
		targets = make(map[string]*Target)
	}
	if keys == nil {
		keys = make(map[string]*KeyDefinition)
	}
	t := &Targets{
		Targets:    targets,
		Keys:       keys,
		StrictMode: strictMode,
		bySecret:   make(map[string]*KeyDefinition, len(keys)),
		byEmail:    make(map[string]*KeyDefinition),
	}
	for _, k := range keys {
		t.bySecret[k.Secret] = k
		if email := k.Labels["email"]; email != "" {
			// One user may own several keys; pick deterministically, with the
			// hidden playground key (when present) taking precedence.
			cur, exists := t.byEmail[email]
			switch {
			case !exists:
				t.byEmail[email] = k
			case k.Labels["playground"] == "true" && cur.Labels["playground"] != "true":
				t.byEmail[email] = k
			case cur.Labels["playground"] == k.Labels["playground"] && k.ID < cur.ID:
				t.byEmail[email] = k
			}
		}
	}
	return t
}

// Lookup returns the target for alias.
func (t *Targets) Lookup(alias string) (*Target, bool) {
	tgt, ok := t.Targets[alias]
	return tgt, ok
}

// KeyBySecret resolves a presented bearer secret to its key definition.
func (t *Targets) KeyBySecret(secret string) (*KeyDefinition, bool) {
	k, ok := t.bySecret[secret]
	return k, ok
}

// KeyByEmail resolves a playground email to the user's hidden API key.
func (t *Targets) KeyByEmail(email string) (*KeyDefinition, bool) {
	k, ok := t.byEmail[email]
	return k, ok
}

// Aliases returns all target aliases, for /v1/models synthesis and metrics.
func (t *Targets) Aliases() []string {
	out := make([]string, 0, len(t.Targets))
	for alias := range t.Targets {
		out = append(out, alias)
	}
	return out
}
