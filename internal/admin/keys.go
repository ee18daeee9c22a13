// Package admin exposes the minimal management surface the control plane
// needs for itself: minting and revoking API keys, managing users, and
// recording manual credit transactions. Full admin CRUD lives in the
// management plane; this package only covers what the proxy's own tests and
// bootstrap require.
package admin

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/doubleword-ai/dwctl/internal/store"
)

// APIKey is one api_keys row. The secret is only returned on creation.
type APIKey struct {
	ID                string     `json:"id"`
	Secret            string     `json:"secret,omitempty"`
	Name              string     `json:"name"`
	UserID            string     `json:"user_id"`
	Purpose           string     `json:"purpose"`
	RequestsPerSecond *float64   `json:"requests_per_second,omitempty"`
	BurstSize         *int       `json:"burst_size,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastUsed          *time.Time `json:"last_used,omitempty"`
}

// Keys persists API keys.
type Keys struct {
	store *store.Store
}

// NewKeys wraps a store.
func NewKeys(s *store.Store) *Keys {
	return &Keys{store: s}
}

// Create mints a new key. Caller-facing secrets always begin with "sk-".
func (k *Keys) Create(ctx context.Context, userID, name, purpose string, rps *float64, burst *int) (*APIKey, error) {
	if purpose == "" {
		purpose = "realtime"
	}
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	key := &APIKey{
		ID:                uuid.NewString(),
		Secret:            secret,
		Name:              name,
		UserID:            userID,
		Purpose:           purpose,
		RequestsPerSecond: rps,
		BurstSize:         burst,
		CreatedAt:         time.Now().UTC(),
	}

	q := k.store.Bind(`INSERT INTO api_keys(id, secret, name, user_id, purpose, requests_per_second, burst_size, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := k.store.Write.ExecContext(ctx, q,
		key.ID, key.Secret, key.Name, key.UserID, key.Purpose,
		nullableFloat(rps), nullableInt(burst), key.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}
	if err := k.store.NotifyConfigChanged(ctx, "api_keys"); err != nil {
		return nil, err
	}
	return key, nil
}

// List returns a user's keys with the secret omitted.
func (k *Keys) List(ctx context.Context, userID string) ([]*APIKey, error) {
	q := k.store.Bind(`SELECT id, name, user_id, purpose, requests_per_second, burst_size, created_at, last_used
FROM api_keys WHERE user_id = ? ORDER BY created_at`)
	rows, err := k.store.Read.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]*APIKey, 0)
	for rows.Next() {
		var (
			key      APIKey
			rps      sql.NullFloat64
			burst    sql.NullInt64
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&key.ID, &key.Name, &key.UserID, &key.Purpose, &rps, &burst, &key.CreatedAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if rps.Valid {
			v := rps.Float64
			key.RequestsPerSecond = &v
		}
		if burst.Valid {
			v := int(burst.Int64)
			key.BurstSize = &v
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			key.LastUsed = &t
		}
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

// Revoke deletes a key by id.
func (k *Keys) Revoke(ctx context.Context, id string) error {
	q := k.store.Bind(`DELETE FROM api_keys WHERE id = ?`)
	res, err := k.store.Write.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("key not found: %s", id)
	}
	return k.store.NotifyConfigChanged(ctx, "api_keys")
}

func generateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating key secret: %w", err)
	}
	return "sk-" + hex.EncodeToString(raw), nil
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
