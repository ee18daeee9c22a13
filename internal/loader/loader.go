// Package loader materializes the relational routing configuration into the
// in-memory target set consumed by the proxy.
package loader

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/doubleword-ai/dwctl/internal/logging"
	"github.com/doubleword-ai/dwctl/internal/store"
	"github.com/doubleword-ai/dwctl/internal/target"
)

// LoadTargets reads the config store and assembles a Targets snapshot.
//
// escalationAliases are model aliases that batch-purpose keys implicitly
// access. strictMode is stamped onto the snapshot for the proxy.
//
// The read handle is used throughout; any hard store error aborts the load
// and the caller keeps its prior snapshot.
func LoadTargets(ctx context.Context, s *store.Store, escalationAliases []string, strictMode bool) (*target.Targets, error) {
	targets := make(map[string]*target.Target)
	keys := make(map[string]*target.KeyDefinition)

	if err := loadSingleTargets(ctx, s, escalationAliases, targets, keys); err != nil {
		return nil, err
	}
	if err := loadPoolTargets(ctx, s, escalationAliases, targets, keys); err != nil {
		return nil, err
	}
	if err := attachRoutingRules(ctx, s, targets); err != nil {
		return nil, err
	}
	if err := attachTariffs(ctx, s, targets); err != nil {
		return nil, err
	}

	return target.NewTargets(targets, keys, strictMode), nil
}

// authorizedKeyJoin builds the ON condition granting a key access to the
// deployment identified by depCol/aliasCol:
//
//   - the key belongs to the system user, or
//   - the key's user shares a group with the deployment, or
//   - the deployment is in the Everyone group, or
//   - the key's purpose is "batch" and the alias is an escalation target,
//
// and the key owner's running balance is strictly positive, waived when the
// model has no current tariff with a positive price.
func authorizedKeyJoin(depCol, aliasCol string, escalationAliases []string) (string, []any) {
	var args []any

	escalation := "1 = 0"
	if len(escalationAliases) > 0 {
		placeholders := make([]string, len(escalationAliases))
		for i, alias := range escalationAliases {
			placeholders[i] = "?"
			args = append(args, alias)
		}
		escalation = aliasCol + " IN (" + strings.Join(placeholders, ", ") + ")"
	}

	cond := `(
	ak.user_id = '` + store.SystemUserID + `'
	OR EXISTS (
		SELECT 1 FROM user_groups ug
		INNER JOIN deployment_groups dg ON ug.group_id = dg.group_id
		WHERE ug.user_id = ak.user_id AND dg.deployment_id = ` + depCol + `
	)
	OR EXISTS (
		SELECT 1 FROM deployment_groups dge
		WHERE dge.group_id = '` + store.EveryoneGroupID + `'
		AND dge.deployment_id = ` + depCol + `
		AND ak.user_id <> '` + store.SystemUserID + `'
	)
	OR (ak.purpose = 'batch' AND ` + escalation + `)
) AND (
	COALESCE((SELECT CAST(cp.balance AS REAL) FROM user_balance_checkpoints cp WHERE cp.user_id = ak.user_id), 0)
	+ COALESCE((
		SELECT SUM(CASE WHEN ct.transaction_type IN ('purchase', 'admin_grant')
			THEN CAST(ct.amount AS REAL) ELSE -CAST(ct.amount AS REAL) END)
		FROM credits_transactions ct
		WHERE ct.user_id = ak.user_id
		AND ct.seq > COALESCE((SELECT cp2.checkpoint_seq FROM user_balance_checkpoints cp2 WHERE cp2.user_id = ak.user_id), 0)
	), 0) > 0
	OR NOT EXISTS (
		SELECT 1 FROM model_tariffs mt
		WHERE mt.deployed_model_id = ` + depCol + `
		AND mt.valid_until IS NULL
		AND (CAST(COALESCE(mt.input_price_per_token, '0') AS REAL) > 0
			OR CAST(COALESCE(mt.output_price_per_token, '0') AS REAL) > 0)
	)
)`
	return cond, args
}

type keyRow struct {
	id      sql.NullString
	secret  sql.NullString
	purpose sql.NullString
	rps     sql.NullFloat64
	burst   sql.NullInt64
	email   sql.NullString
}

// register adds the key to the global definition table.
func (kr *keyRow) register(keys map[string]*target.KeyDefinition) (id string, ok bool) {
	if !kr.id.Valid {
		return "", false
	}
	if _, exists := keys[kr.id.String]; exists {
		return kr.id.String, true
	}
	def := &target.KeyDefinition{
		ID:     kr.id.String,
		Secret: kr.secret.String,
		Labels: map[string]string{"purpose": kr.purpose.String},
	}
	if kr.email.Valid && kr.email.String != "" {
		def.Labels["email"] = kr.email.String
	}
	def.RateLimit = rateLimitFrom(kr.rps, kr.burst)
	keys[kr.id.String] = def
	return kr.id.String, true
}

// rateLimitFrom builds a rate limit; defined iff requests_per_second > 0.
// burst_size defaults to max(1, requests_per_second) when absent.
func rateLimitFrom(rps sql.NullFloat64, burst sql.NullInt64) *target.RateLimit {
	if !rps.Valid || rps.Float64 <= 0 {
		return nil
	}
	b := rps.Float64
	if burst.Valid && burst.Int64 > 0 {
		b = float64(burst.Int64)
	}
	if b < 1 {
		b = 1
	}
	return &target.RateLimit{RequestsPerSecond: rps.Float64, BurstSize: b}
}

func concurrencyFrom(capacity sql.NullInt64) *int {
	if !capacity.Valid || capacity.Int64 <= 0 {
		return nil
	}
	c := int(capacity.Int64)
	return &c
}

func loadSingleTargets(
	ctx context.Context,
	s *store.Store,
	escalationAliases []string,
	targets map[string]*target.Target,
	keys map[string]*target.KeyDefinition,
) error {
	authz, args := authorizedKeyJoin("dm.id", "dm.alias", escalationAliases)
	query := s.Bind(`SELECT
	dm.id, dm.alias, dm.model_name,
	dm.requests_per_second, dm.burst_size, dm.capacity, dm.request_timeout_secs, dm.sanitize_responses,
	ie.name, ie.url, ie.api_key, ie.auth_header_name, ie.auth_header_prefix,
	ak.id, ak.secret, ak.purpose, ak.requests_per_second, ak.burst_size,
	u.email
FROM deployed_models dm
INNER JOIN inference_endpoints ie ON dm.hosted_on = ie.id
LEFT JOIN api_keys ak ON ` + authz + `
LEFT JOIN users u ON u.id = ak.user_id
WHERE dm.deleted = FALSE AND dm.is_composite = FALSE
ORDER BY dm.alias`)

	rows, err := s.Read.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("load single targets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, alias, modelName            string
			rps                             sql.NullFloat64
			burst, capacity, timeoutSecs    sql.NullInt64
			sanitize                        bool
			epName, epURL                   string
			epKey, epAuthName, epAuthPrefix sql.NullString
			kr                              keyRow
		)
		if err := rows.Scan(
			&id, &alias, &modelName,
			&rps, &burst, &capacity, &timeoutSecs, &sanitize,
			&epName, &epURL, &epKey, &epAuthName, &epAuthPrefix,
			&kr.id, &kr.secret, &kr.purpose, &kr.rps, &kr.burst,
			&kr.email,
		); err != nil {
			return fmt.Errorf("scan single target row: %w", err)
		}

		tgt, exists := targets[alias]
		if !exists {
			parsed, perr := url.Parse(epURL)
			if perr != nil || parsed.Scheme == "" || parsed.Host == "" {
				logging.FromContext(ctx).Warn("skipping target with invalid endpoint URL",
					"alias", alias, "url", epURL)
				continue
			}
			spec := target.ProviderSpec{
				Name:              epName,
				URL:               parsed,
				UpstreamKey:       epKey.String,
				UpstreamModelName: modelName,
				Weight:            1,
				AuthHeaderName:    epAuthName.String,
				AuthHeaderPrefix:  epAuthPrefix.String,
				SanitizeResponse:  sanitize,
			}
			if timeoutSecs.Valid && timeoutSecs.Int64 > 0 {
				spec.RequestTimeout = time.Duration(timeoutSecs.Int64) * time.Second
			}
			tgt = &target.Target{
				Alias:             alias,
				Kind:              target.KindSingle,
				Providers:         []target.ProviderSpec{spec},
				KeyIDs:            make(map[string]struct{}),
				RateLimit:         rateLimitFrom(rps, burst),
				ConcurrencyLimit:  concurrencyFrom(capacity),
				SanitizeResponses: sanitize,
				Tariffs:           make(map[string]target.TokenPrices),
			}
			targets[alias] = tgt
		}
		if tgt == nil {
			continue
		}
		if keyID, ok := kr.register(keys); ok {
			tgt.KeyIDs[keyID] = struct{}{}
		}
	}
	return rows.Err()
}

func loadPoolTargets(
	ctx context.Context,
	s *store.Store,
	escalationAliases []string,
	targets map[string]*target.Target,
	keys map[string]*target.KeyDefinition,
) error {
	authz, args := authorizedKeyJoin("cm.id", "cm.alias", escalationAliases)
	query := s.Bind(`SELECT
	cm.id, cm.alias, cm.lb_strategy,
	cm.fallback_enabled, cm.fallback_on_rate_limit, cm.fallback_on_status,
	cm.fallback_with_replacement, cm.fallback_max_attempts,
	cm.requests_per_second, cm.burst_size, cm.capacity, cm.sanitize_responses,
	comp.deployed_model_id, comp.weight, comp.sort_order,
	dm.model_name, dm.is_composite,
	dm.requests_per_second, dm.burst_size, dm.capacity, dm.request_timeout_secs,
	ie.name, ie.url, ie.api_key, ie.auth_header_name, ie.auth_header_prefix,
	ak.id, ak.secret, ak.purpose, ak.requests_per_second, ak.burst_size,
	u.email
FROM deployed_models cm
LEFT JOIN deployed_model_components comp ON comp.composite_id = cm.id AND comp.enabled = TRUE
LEFT JOIN deployed_models dm ON dm.id = comp.deployed_model_id AND dm.deleted = FALSE
LEFT JOIN inference_endpoints ie ON dm.hosted_on = ie.id
LEFT JOIN api_keys ak ON ` + authz + `
LEFT JOIN users u ON u.id = ak.user_id
WHERE cm.deleted = FALSE AND cm.is_composite = TRUE
ORDER BY cm.alias, comp.sort_order`)

	rows, err := s.Read.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("load pool targets: %w", err)
	}
	defer rows.Close()

	log := logging.FromContext(ctx)
	seenComponents := make(map[string]map[string]struct{})

	for rows.Next() {
		var (
			id, alias                                 string
			strategy                                  sql.NullString
			fbEnabled, fbOnRateLimit, fbWithReplace   bool
			fbOnStatus                                sql.NullString
			fbMaxAttempts                             sql.NullInt64
			poolRPS                                   sql.NullFloat64
			poolBurst, poolCapacity                   sql.NullInt64
			poolSanitize                              bool
			componentID                               sql.NullString
			weight, sortOrder                         sql.NullInt64
			compModelName                             sql.NullString
			compIsComposite                           sql.NullBool
			compRPS                                   sql.NullFloat64
			compBurst, compCapacity, compTimeoutSecs  sql.NullInt64
			epName, epURL, epKey, epAuthN, epAuthPref sql.NullString
			kr                                        keyRow
		)
		if err := rows.Scan(
			&id, &alias, &strategy,
			&fbEnabled, &fbOnRateLimit, &fbOnStatus,
			&fbWithReplace, &fbMaxAttempts,
			&poolRPS, &poolBurst, &poolCapacity, &poolSanitize,
			&componentID, &weight, &sortOrder,
			&compModelName, &compIsComposite,
			&compRPS, &compBurst, &compCapacity, &compTimeoutSecs,
			&epName, &epURL, &epKey, &epAuthN, &epAuthPref,
			&kr.id, &kr.secret, &kr.purpose, &kr.rps, &kr.burst,
			&kr.email,
		); err != nil {
			return fmt.Errorf("scan pool target row: %w", err)
		}

		tgt, exists := targets[alias]
		if !exists {
			tgt = &target.Target{
				Alias:             alias,
				Kind:              target.KindPool,
				Strategy:          parseStrategy(strategy.String),
				Fallback:          parseFallback(fbEnabled, fbOnRateLimit, fbOnStatus, fbWithReplace, fbMaxAttempts),
				KeyIDs:            make(map[string]struct{}),
				RateLimit:         rateLimitFrom(poolRPS, poolBurst),
				ConcurrencyLimit:  concurrencyFrom(poolCapacity),
				SanitizeResponses: poolSanitize,
				Tariffs:           make(map[string]target.TokenPrices),
			}
			targets[alias] = tgt
			seenComponents[alias] = make(map[string]struct{})
		}

		if keyID, ok := kr.register(keys); ok {
			tgt.KeyIDs[keyID] = struct{}{}
		}

		if !componentID.Valid {
			continue
		}
		if _, dup := seenComponents[alias][componentID.String]; dup {
			continue
		}
		seenComponents[alias][componentID.String] = struct{}{}

		// Composites fan out over plain models only; a composite appearing as
		// a component violates the one-level invariant and is excluded.
		if compIsComposite.Valid && compIsComposite.Bool {
			log.Error("invariant violation: composite model listed as component, excluding",
				"composite", alias, "component_id", componentID.String)
			continue
		}
		if !compModelName.Valid || !epURL.Valid {
			continue
		}
		parsed, perr := url.Parse(epURL.String)
		if perr != nil || parsed.Scheme == "" || parsed.Host == "" {
			log.Warn("skipping pool provider with invalid endpoint URL",
				"composite", alias, "url", epURL.String)
			continue
		}

		spec := target.ProviderSpec{
			Name:              epName.String,
			URL:               parsed,
			UpstreamKey:       epKey.String,
			UpstreamModelName: compModelName.String,
			Weight:            int(weight.Int64),
			SortOrder:         int(sortOrder.Int64),
			RateLimit:         rateLimitFrom(compRPS, compBurst),
			ConcurrencyLimit:  concurrencyFrom(compCapacity),
			AuthHeaderName:    epAuthN.String,
			AuthHeaderPrefix:  epAuthPref.String,
			// The composite's sanitize setting overrides the component's own
			// value for every provider routed through it.
			SanitizeResponse: poolSanitize,
		}
		if compTimeoutSecs.Valid && compTimeoutSecs.Int64 > 0 {
			spec.RequestTimeout = time.Duration(compTimeoutSecs.Int64) * time.Second
		}
		tgt.Providers = append(tgt.Providers, spec)
	}
	return rows.Err()
}

func attachRoutingRules(ctx context.Context, s *store.Store, targets map[string]*target.Target) error {
	query := `SELECT dm.alias, r.api_key_purpose, r.action, rt.alias
FROM model_traffic_rules r
INNER JOIN deployed_models dm ON dm.id = r.deployed_model_id AND dm.deleted = FALSE
LEFT JOIN deployed_models rt ON rt.id = r.redirect_target_id
ORDER BY r.id`
	rows, err := s.Read.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("load traffic rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			alias, purpose, action string
			redirect               sql.NullString
		)
		if err := rows.Scan(&alias, &purpose, &action, &redirect); err != nil {
			return fmt.Errorf("scan traffic rule: %w", err)
		}
		tgt, ok := targets[alias]
		if !ok {
			continue
		}
		rule := target.RoutingRule{
			Purpose:    purpose,
			Action:     target.RoutingAction(action),
			RedirectTo: redirect.String,
		}
		tgt.RoutingRules = append(tgt.RoutingRules, rule)
	}
	return rows.Err()
}

func attachTariffs(ctx context.Context, s *store.Store, targets map[string]*target.Target) error {
	query := `SELECT dm.alias, mt.api_key_purpose, mt.input_price_per_token, mt.output_price_per_token
FROM model_tariffs mt
INNER JOIN deployed_models dm ON dm.id = mt.deployed_model_id AND dm.deleted = FALSE
WHERE mt.valid_until IS NULL`
	rows, err := s.Read.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("load tariffs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			alias, purpose string
			input, output  sql.NullString
		)
		if err := rows.Scan(&alias, &purpose, &input, &output); err != nil {
			return fmt.Errorf("scan tariff: %w", err)
		}
		tgt, ok := targets[alias]
		if !ok {
			continue
		}
		prices := target.TokenPrices{}
		if input.Valid {
			d, derr := decimal.NewFromString(input.String)
			if derr != nil {
				return fmt.Errorf("parse input price %q: %w", input.String, derr)
			}
			prices.InputPricePerToken = &d
		}
		if output.Valid {
			d, derr := decimal.NewFromString(output.String)
			if derr != nil {
				return fmt.Errorf("parse output price %q: %w", output.String, derr)
			}
			prices.OutputPricePerToken = &d
		}
		tgt.Tariffs[purpose] = prices
	}
	return rows.Err()
}

func parseStrategy(raw string) target.Strategy {
	if target.Strategy(raw) == target.StrategyPriority {
		return target.StrategyPriority
	}
	return target.StrategyWeightedRandom
}

func parseFallback(enabled, onRateLimit bool, onStatus sql.NullString, withReplacement bool, maxAttempts sql.NullInt64) *target.FallbackConfig {
	fb := &target.FallbackConfig{
		Enabled:         enabled,
		OnRateLimit:     onRateLimit,
		WithReplacement: withReplacement,
	}
	if maxAttempts.Valid && maxAttempts.Int64 > 0 {
		fb.MaxAttempts = int(maxAttempts.Int64)
	}
	if onStatus.Valid && strings.TrimSpace(onStatus.String) != "" {
		statuses := make(map[int]struct{})
		for _, part := range strings.Split(onStatus.String, ",") {
			code, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			statuses[code] = struct{}{}
		}
		if len(statuses) > 0 {
			fb.OnStatus = statuses
		}
	}
	return fb
}
