package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Query defines analytics listing filters.
type Query struct {
	Limit        int
	Offset       int
	Model        string
	UserID       string
	AccessSource string
	MinStatus    int
	Since        *time.Time
}

// ListResult is a paginated analytics query response.
type ListResult struct {
	Data  []Row
	Total int
}

// List returns paginated analytics rows with optional filters, newest first.
func (w *Writer) List(ctx context.Context, query Query) (ListResult, error) {
	if query.Limit <= 0 {
		query.Limit = 50
	}
	if query.Limit > 200 {
		query.Limit = 200
	}
	if query.Offset < 0 {
		query.Offset = 0
	}

	whereClauses := make([]string, 0)
	args := make([]any, 0)

	if query.Model != "" {
		whereClauses = append(whereClauses, "request_model = ?")
		args = append(args, query.Model)
	}
	if query.UserID != "" {
		whereClauses = append(whereClauses, "user_id = ?")
		args = append(args, query.UserID)
	}
	if query.AccessSource != "" {
		whereClauses = append(whereClauses, "access_source = ?")
		args = append(args, query.AccessSource)
	}
	if query.MinStatus > 0 {
		whereClauses = append(whereClauses, "status_code >= ?")
		args = append(args, query.MinStatus)
	}
	if query.Since != nil {
		whereClauses = append(whereClauses, "timestamp >= ?")
		args = append(args, query.Since.UTC())
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	countQuery := w.store.Bind("SELECT COUNT(*) FROM http_analytics" + whereSQL)
	var total int
	if err := w.store.Read.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count analytics rows: %w", err)
	}

	listQuery := w.store.Bind(`SELECT
	id, instance_id, correlation_id, timestamp, method, uri,
	request_model, response_model, status_code, duration_ms, duration_to_first_byte_ms,
	prompt_tokens, completion_tokens, total_tokens, response_type,
	user_id, user_email, access_source,
	input_price_per_token, output_price_per_token,
	server_address, server_port, provider_name
FROM http_analytics` + whereSQL + ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`)
	listArgs := append(args, query.Limit, query.Offset)

	rows, err := w.store.Read.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list analytics rows: %w", err)
	}
	defer rows.Close()

	data := make([]Row, 0, query.Limit)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return ListResult{}, err
		}
		data = append(data, *row)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("iterate analytics rows: %w", err)
	}
	return ListResult{Data: data, Total: total}, nil
}
