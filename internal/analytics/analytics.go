// Package analytics persists per-request usage rows. Writes are idempotent
// on (instance_id, correlation_id) so retried submissions merge instead of
// duplicating.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/doubleword-ai/dwctl/internal/store"
)

// Row is one http_analytics record.
type Row struct {
	ID                    int64
	InstanceID            string
	CorrelationID         int64
	Timestamp             time.Time
	Method                string
	URI                   string
	RequestModel          string
	ResponseModel         string
	StatusCode            int
	DurationMS            int64
	DurationToFirstByteMS *int64
	PromptTokens          int64
	CompletionTokens      int64
	TotalTokens           int64
	ResponseType          string
	UserID                string
	UserEmail             string
	AccessSource          string
	InputPricePerToken    *decimal.Decimal
	OutputPricePerToken   *decimal.Decimal
	ServerAddress         string
	ServerPort            int
	ProviderName          string
}

// Writer persists analytics rows.
type Writer struct {
	store *store.Store
}

// NewWriter wraps a store.
func NewWriter(s *store.Store) *Writer {
	return &Writer{store: s}
}

// Upsert inserts the row, merging mutable fields when a row for the same
// (instance_id, correlation_id) already exists. Returns the row id.
func (w *Writer) Upsert(ctx context.Context, row *Row) (int64, error) {
	query := w.store.Bind(`INSERT INTO http_analytics (
	instance_id, correlation_id, timestamp, method, uri,
	request_model, response_model, status_code, duration_ms, duration_to_first_byte_ms,
	prompt_tokens, completion_tokens, total_tokens, response_type,
	user_id, user_email, access_source,
	input_price_per_token, output_price_per_token,
	server_address, server_port, provider_name
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (instance_id, correlation_id) DO UPDATE SET
	response_model = excluded.response_model,
	status_code = excluded.status_code,
	duration_ms = excluded.duration_ms,
	duration_to_first_byte_ms = excluded.duration_to_first_byte_ms,
	prompt_tokens = excluded.prompt_tokens,
	completion_tokens = excluded.completion_tokens,
	total_tokens = excluded.total_tokens,
	response_type = excluded.response_type,
	user_id = excluded.user_id,
	user_email = excluded.user_email,
	access_source = excluded.access_source,
	input_price_per_token = excluded.input_price_per_token,
	output_price_per_token = excluded.output_price_per_token,
	provider_name = excluded.provider_name
RETURNING id`)

	var id int64
	err := w.store.Write.QueryRowContext(ctx, query,
		row.InstanceID, row.CorrelationID, row.Timestamp, row.Method, row.URI,
		nullable(row.RequestModel), nullable(row.ResponseModel), row.StatusCode, row.DurationMS, row.DurationToFirstByteMS,
		row.PromptTokens, row.CompletionTokens, row.TotalTokens, row.ResponseType,
		nullable(row.UserID), nullable(row.UserEmail), row.AccessSource,
		decimalString(row.InputPricePerToken), decimalString(row.OutputPricePerToken),
		row.ServerAddress, row.ServerPort, nullable(row.ProviderName),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert analytics row: %w", err)
	}
	row.ID = id
	return id, nil
}

// Get reads one row back by its idempotency key.
func (w *Writer) Get(ctx context.Context, instanceID string, correlationID int64) (*Row, error) {
	query := w.store.Bind(`SELECT
	id, instance_id, correlation_id, timestamp, method, uri,
	request_model, response_model, status_code, duration_ms, duration_to_first_byte_ms,
	prompt_tokens, completion_tokens, total_tokens, response_type,
	user_id, user_email, access_source,
	input_price_per_token, output_price_per_token,
	server_address, server_port, provider_name
FROM http_analytics WHERE instance_id = ? AND correlation_id = ?`)

	return scanRow(w.store.Read.QueryRowContext(ctx, query, instanceID, correlationID))
}

func scanRow(scanner interface{ Scan(dest ...any) error }) (*Row, error) {
	var (
		row                     Row
		reqModel, respModel     sql.NullString
		ttfb                    sql.NullInt64
		userID, userEmail       sql.NullString
		inputPrice, outputPrice sql.NullString
		providerName            sql.NullString
	)
	err := scanner.Scan(
		&row.ID, &row.InstanceID, &row.CorrelationID, &row.Timestamp, &row.Method, &row.URI,
		&reqModel, &respModel, &row.StatusCode, &row.DurationMS, &ttfb,
		&row.PromptTokens, &row.CompletionTokens, &row.TotalTokens, &row.ResponseType,
		&userID, &userEmail, &row.AccessSource,
		&inputPrice, &outputPrice,
		&row.ServerAddress, &row.ServerPort, &providerName,
	)
	if err != nil {
		return nil, err
	}
	row.RequestModel = reqModel.String
	row.ResponseModel = respModel.String
	if ttfb.Valid {
		v := ttfb.Int64
		row.DurationToFirstByteMS = &v
	}
	row.UserID = userID.String
	row.UserEmail = userEmail.String
	row.ProviderName = providerName.String
	if inputPrice.Valid {
		d, derr := decimal.NewFromString(inputPrice.String)
		if derr != nil {
			return nil, fmt.Errorf("parse input price %q: %w", inputPrice.String, derr)
		}
		row.InputPricePerToken = &d
	}
	if outputPrice.Valid {
		d, derr := decimal.NewFromString(outputPrice.String)
		if derr != nil {
			return nil, fmt.Errorf("parse output price %q: %w", outputPrice.String, derr)
		}
		row.OutputPricePerToken = &d
	}
	return &row, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func decimalString(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}
