package store

import "fmt"

// Nil UUID, doubling as the system user id and the Everyone group id.
const (
	SystemUserID    = "00000000-0000-0000-0000-000000000000"
	EveryoneGroupID = "00000000-0000-0000-0000-000000000000"
)

// migrate creates the schema when absent. Identifiers are stored as TEXT
// UUIDs and monetary values as NUMERIC (TEXT under SQLite) so both dialects
// share one query surface.
func (s *Store) migrate() error {
	ts := "DATETIME"
	num := "TEXT"
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ"
		num = "NUMERIC(21, 6)"
		serial = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	email TEXT UNIQUE NOT NULL,
	created_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS groups (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS user_groups (
	user_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	PRIMARY KEY (user_id, group_id)
)`,
		`CREATE TABLE IF NOT EXISTS inference_endpoints (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	api_key TEXT NULL,
	auth_header_name TEXT NULL,
	auth_header_prefix TEXT NULL,
	created_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS deployed_models (
	id TEXT PRIMARY KEY,
	alias TEXT UNIQUE NOT NULL,
	model_name TEXT NOT NULL,
	hosted_on TEXT NULL,
	is_composite BOOLEAN NOT NULL DEFAULT FALSE,
	lb_strategy TEXT NULL,
	fallback_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	fallback_on_rate_limit BOOLEAN NOT NULL DEFAULT FALSE,
	fallback_on_status TEXT NULL,
	fallback_with_replacement BOOLEAN NOT NULL DEFAULT FALSE,
	fallback_max_attempts INTEGER NULL,
	requests_per_second REAL NULL,
	burst_size INTEGER NULL,
	capacity INTEGER NULL,
	request_timeout_secs INTEGER NULL,
	sanitize_responses BOOLEAN NOT NULL DEFAULT FALSE,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS deployed_model_components (
	composite_id TEXT NOT NULL,
	deployed_model_id TEXT NOT NULL,
	weight INTEGER NOT NULL DEFAULT 1,
	sort_order INTEGER NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (composite_id, deployed_model_id)
)`,
		`CREATE TABLE IF NOT EXISTS deployment_groups (
	deployment_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	PRIMARY KEY (deployment_id, group_id)
)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	secret TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	user_id TEXT NOT NULL,
	purpose TEXT NOT NULL DEFAULT 'realtime',
	requests_per_second REAL NULL,
	burst_size INTEGER NULL,
	created_at ` + ts + ` NOT NULL,
	last_used ` + ts + ` NULL
)`,
		`CREATE TABLE IF NOT EXISTS model_tariffs (
	id TEXT PRIMARY KEY,
	deployed_model_id TEXT NOT NULL,
	api_key_purpose TEXT NOT NULL,
	input_price_per_token ` + num + ` NULL,
	output_price_per_token ` + num + ` NULL,
	valid_until ` + ts + ` NULL
)`,
		`CREATE TABLE IF NOT EXISTS model_traffic_rules (
	id TEXT PRIMARY KEY,
	deployed_model_id TEXT NOT NULL,
	api_key_purpose TEXT NOT NULL,
	action TEXT NOT NULL,
	redirect_target_id TEXT NULL
)`,
		`CREATE TABLE IF NOT EXISTS credits_transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	transaction_type TEXT NOT NULL,
	amount ` + num + ` NOT NULL,
	source_id TEXT NULL,
	description TEXT NULL,
	balance_after ` + num + ` NOT NULL,
	created_at ` + ts + ` NOT NULL,
	UNIQUE (user_id, seq)
)`,
		`CREATE TABLE IF NOT EXISTS user_balance_checkpoints (
	user_id TEXT PRIMARY KEY,
	balance ` + num + ` NOT NULL,
	checkpoint_seq BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS http_analytics (
	id ` + serial + `,
	instance_id TEXT NOT NULL,
	correlation_id BIGINT NOT NULL,
	timestamp ` + ts + ` NOT NULL,
	method TEXT NOT NULL,
	uri TEXT NOT NULL,
	request_model TEXT NULL,
	response_model TEXT NULL,
	status_code INTEGER NOT NULL,
	duration_ms BIGINT NOT NULL,
	duration_to_first_byte_ms BIGINT NULL,
	prompt_tokens BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	response_type TEXT NOT NULL,
	user_id TEXT NULL,
	user_email TEXT NULL,
	access_source TEXT NOT NULL,
	input_price_per_token ` + num + ` NULL,
	output_price_per_token ` + num + ` NULL,
	server_address TEXT NOT NULL,
	server_port INTEGER NOT NULL,
	provider_name TEXT NULL,
	UNIQUE (instance_id, correlation_id)
)`,
		`CREATE TABLE IF NOT EXISTS system_config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_secret ON api_keys(secret)`,
		`CREATE INDEX IF NOT EXISTS idx_credits_transactions_user_seq ON credits_transactions(user_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_deployed_models_alias ON deployed_models(alias)`,
	}

	for _, ddl := range statements {
		if _, err := s.Write.Exec(ddl); err != nil {
			return fmt.Errorf("initialize %s schema: %w", s.dialect, err)
		}
	}
	return s.seedReserved()
}

// seedReserved inserts the system user and the Everyone group. The Everyone
// group virtually contains all non-system users and cannot be deleted.
func (s *Store) seedReserved() error {
	insertUser := s.Bind(`INSERT INTO users(id, username, email, created_at)
VALUES(?, 'system', 'system@localhost', CURRENT_TIMESTAMP)
ON CONFLICT (id) DO NOTHING`)
	if _, err := s.Write.Exec(insertUser, SystemUserID); err != nil {
		return fmt.Errorf("seed system user: %w", err)
	}
	insertGroup := s.Bind(`INSERT INTO groups(id, name) VALUES(?, 'Everyone')
ON CONFLICT (id) DO NOTHING`)
	if _, err := s.Write.Exec(insertGroup, EveryoneGroupID); err != nil {
		return fmt.Errorf("seed Everyone group: %w", err)
	}
	return nil
}
