// Package credits implements the prepaid credit ledger: an append-only
// transaction log per user with a checkpointed balance cache that bounds
// balance computation to the post-checkpoint suffix.
package credits

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doubleword-ai/dwctl/internal/store"
)

// TransactionType classifies a ledger entry. Purchase and AdminGrant add to
// the balance; Usage and AdminRemoval subtract.
type TransactionType string

const (
	Purchase     TransactionType = "purchase"
	AdminGrant   TransactionType = "admin_grant"
	Usage        TransactionType = "usage"
	AdminRemoval TransactionType = "admin_removal"
)

// Credits reports whether the type adds to the running balance.
func (t TransactionType) Credits() bool {
	return t == Purchase || t == AdminGrant
}

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case Purchase, AdminGrant, Usage, AdminRemoval:
		return true
	}
	return false
}

// Transaction is one committed ledger row.
type Transaction struct {
	ID           string
	UserID       string
	Seq          int64
	Type         TransactionType
	Amount       decimal.Decimal
	SourceID     string
	Description  string
	BalanceAfter decimal.Decimal
	CreatedAt    time.Time
}

// CreateRequest describes a transaction to append.
type CreateRequest struct {
	UserID      string
	Type        TransactionType
	Amount      decimal.Decimal
	SourceID    string
	Description string
}

// Ledger provides transactional access to the credit tables.
type Ledger struct {
	store *store.Store
}

// NewLedger wraps a store.
func NewLedger(s *store.Store) *Ledger {
	return &Ledger{store: s}
}

// CreateTransaction appends one row, computing seq and balance_after inside
// a single database transaction while holding the user's checkpoint row lock.
// Amounts are stored at 2-decimal precision after banker's rounding and must
// not be negative.
func (l *Ledger) CreateTransaction(ctx context.Context, req CreateRequest) (*Transaction, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown transaction type %q", req.Type)
	}
	amount := req.Amount.RoundBank(2)
	if amount.IsNegative() {
		return nil, fmt.Errorf("transaction amount must not be negative, got %s", req.Amount)
	}

	tx, err := l.store.Write.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin credit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Make sure a checkpoint row exists so there is something to lock.
	ensure := l.store.Bind(`INSERT INTO user_balance_checkpoints(user_id, balance, checkpoint_seq)
VALUES(?, '0', 0) ON CONFLICT (user_id) DO NOTHING`)
	if _, err := tx.ExecContext(ctx, ensure, req.UserID); err != nil {
		return nil, fmt.Errorf("ensure balance checkpoint: %w", err)
	}

	lockQuery := `SELECT balance, checkpoint_seq FROM user_balance_checkpoints WHERE user_id = ?`
	if l.store.Dialect() == store.DialectPostgres {
		lockQuery += " FOR UPDATE"
	}
	var (
		balanceRaw    string
		checkpointSeq int64
	)
	if err := tx.QueryRowContext(ctx, l.store.Bind(lockQuery), req.UserID).Scan(&balanceRaw, &checkpointSeq); err != nil {
		return nil, fmt.Errorf("lock balance checkpoint: %w", err)
	}
	balance, err := decimal.NewFromString(balanceRaw)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint balance %q: %w", balanceRaw, err)
	}

	suffix, maxSeq, err := sumSignedAmounts(ctx, tx, l.store, req.UserID, checkpointSeq)
	if err != nil {
		return nil, err
	}
	current := balance.Add(suffix)

	signed := amount
	if !req.Type.Credits() {
		signed = amount.Neg()
	}
	balanceAfter := current.Add(signed)

	seq := maxSeq + 1
	if seq <= checkpointSeq {
		seq = checkpointSeq + 1
	}

	row := &Transaction{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Seq:          seq,
		Type:         req.Type,
		Amount:       amount,
		SourceID:     req.SourceID,
		Description:  req.Description,
		BalanceAfter: balanceAfter,
		CreatedAt:    time.Now().UTC(),
	}

	insert := l.store.Bind(`INSERT INTO credits_transactions
(id, user_id, seq, transaction_type, amount, source_id, description, balance_after, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		row.ID, row.UserID, row.Seq, string(row.Type),
		row.Amount.String(), nullableString(row.SourceID), nullableString(row.Description),
		row.BalanceAfter.String(), row.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert credit transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit credit transaction: %w", err)
	}
	return row, nil
}

// UserBalance returns checkpoint.balance plus the signed sum of transactions
// past the checkpoint. Routed to the read handle.
func (l *Ledger) UserBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var (
		balanceRaw    sql.NullString
		checkpointSeq sql.NullInt64
	)
	q := l.store.Bind(`SELECT balance, checkpoint_seq FROM user_balance_checkpoints WHERE user_id = ?`)
	err := l.store.Read.QueryRowContext(ctx, q, userID).Scan(&balanceRaw, &checkpointSeq)
	if err != nil && err != sql.ErrNoRows {
		return decimal.Zero, fmt.Errorf("read balance checkpoint: %w", err)
	}

	balance := decimal.Zero
	if balanceRaw.Valid {
		balance, err = decimal.NewFromString(balanceRaw.String)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse checkpoint balance %q: %w", balanceRaw.String, err)
		}
	}

	suffix, _, err := sumSignedAmounts(ctx, l.store.Read, l.store, userID, checkpointSeq.Int64)
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Add(suffix), nil
}

// ListTransactions returns the user's transactions ordered by seq descending.
func (l *Ledger) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	q := l.store.Bind(`SELECT id, user_id, seq, transaction_type, amount, source_id, description, balance_after, created_at
FROM credits_transactions WHERE user_id = ? ORDER BY seq DESC LIMIT ?`)
	rows, err := l.store.Read.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, limit)
	for rows.Next() {
		var (
			t           Transaction
			typ         string
			amountRaw   string
			afterRaw    string
			sourceID    sql.NullString
			description sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Seq, &typ, &amountRaw, &sourceID, &description, &afterRaw, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		t.Type = TransactionType(typ)
		if t.Amount, err = decimal.NewFromString(amountRaw); err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", amountRaw, err)
		}
		if t.BalanceAfter, err = decimal.NewFromString(afterRaw); err != nil {
			return nil, fmt.Errorf("parse balance_after %q: %w", afterRaw, err)
		}
		t.SourceID = sourceID.String
		t.Description = description.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// Compact advances the user's checkpoint to the newest transaction, setting
// the cached balance to that row's balance_after. Safe to run periodically;
// a user with no post-checkpoint rows is left untouched.
func (l *Ledger) Compact(ctx context.Context, userID string) error {
	tx, err := l.store.Write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := l.store.Bind(`SELECT seq, balance_after FROM credits_transactions
WHERE user_id = ? ORDER BY seq DESC LIMIT 1`)
	var (
		maxSeq   int64
		afterRaw string
	)
	err = tx.QueryRowContext(ctx, q, userID).Scan(&maxSeq, &afterRaw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read newest transaction: %w", err)
	}

	upsert := l.store.Bind(`INSERT INTO user_balance_checkpoints(user_id, balance, checkpoint_seq)
VALUES(?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET balance = excluded.balance, checkpoint_seq = excluded.checkpoint_seq`)
	if _, err := tx.ExecContext(ctx, upsert, userID, afterRaw, maxSeq); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return tx.Commit()
}

// CompactAll advances the checkpoint of every user holding transactions past
// their current checkpoint. Returns the number of users compacted.
func (l *Ledger) CompactAll(ctx context.Context) (int, error) {
	q := `SELECT DISTINCT ct.user_id
FROM credits_transactions ct
LEFT JOIN user_balance_checkpoints cp ON cp.user_id = ct.user_id
WHERE ct.seq > COALESCE(cp.checkpoint_seq, 0)`
	rows, err := l.store.Read.QueryContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("find users to compact: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan user id: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for i, id := range userIDs {
		if err := l.Compact(ctx, id); err != nil {
			return i, fmt.Errorf("compact user %s: %w", id, err)
		}
	}
	return len(userIDs), nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// sumSignedAmounts totals the signed amounts of transactions with
// seq > afterSeq and reports the highest seq seen (afterSeq when none).
func sumSignedAmounts(ctx context.Context, q querier, s *store.Store, userID string, afterSeq int64) (decimal.Decimal, int64, error) {
	query := s.Bind(`SELECT transaction_type, amount, seq FROM credits_transactions
WHERE user_id = ? AND seq > ? ORDER BY seq ASC`)
	rows, err := q.QueryContext(ctx, query, userID, afterSeq)
	if err != nil {
		return decimal.Zero, afterSeq, fmt.Errorf("sum credit transactions: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	maxSeq := afterSeq
	for rows.Next() {
		var (
			typ       string
			amountRaw string
			seq       int64
		)
		if err := rows.Scan(&typ, &amountRaw, &seq); err != nil {
			return decimal.Zero, afterSeq, fmt.Errorf("scan credit transaction: %w", err)
		}
		amount, err := decimal.NewFromString(amountRaw)
		if err != nil {
			return decimal.Zero, afterSeq, fmt.Errorf("parse amount %q: %w", amountRaw, err)
		}
		if TransactionType(typ).Credits() {
			sum = sum.Add(amount)
		} else {
			sum = sum.Sub(amount)
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return sum, maxSeq, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
