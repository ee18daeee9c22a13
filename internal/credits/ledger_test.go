package credits

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doubleword-ai/dwctl/internal/store/storetest"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestRunningBalanceFollowsSignedAmounts(t *testing.T) {
	ledger := NewLedger(storetest.Open(t))
	ctx := context.Background()
	userID := uuid.NewString()

	steps := []struct {
		txType TransactionType
		amount string
		want   string
	}{
		{Purchase, "10.00", "10"},
		{Usage, "0.02", "9.98"},
		{AdminGrant, "5.00", "14.98"},
		{AdminRemoval, "1.98", "13"},
		{Usage, "0.50", "12.5"},
	}

	var lastSeq int64
	for i, step := range steps {
		tx, err := ledger.CreateTransaction(ctx, CreateRequest{
			UserID: userID,
			Type:   step.txType,
			Amount: dec(t, step.amount),
		})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if !tx.BalanceAfter.Equal(dec(t, step.want)) {
			t.Fatalf("step %d: balance_after = %s, want %s", i, tx.BalanceAfter, step.want)
		}
		if tx.Seq <= lastSeq {
			t.Fatalf("step %d: seq %d not strictly increasing after %d", i, tx.Seq, lastSeq)
		}
		lastSeq = tx.Seq
	}

	balance, err := ledger.UserBalance(ctx, userID)
	if err != nil {
		t.Fatalf("user balance: %v", err)
	}
	if !balance.Equal(dec(t, "12.5")) {
		t.Fatalf("balance = %s, want 12.5", balance)
	}
}

func TestUnknownUserHasZeroBalance(t *testing.T) {
	ledger := NewLedger(storetest.Open(t))
	balance, err := ledger.UserBalance(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("user balance: %v", err)
	}
	if !balance.IsZero() {
		t.Fatalf("balance = %s, want 0", balance)
	}
}

func TestAmountsRoundedBankers(t *testing.T) {
	ledger := NewLedger(storetest.Open(t))
	ctx := context.Background()
	userID := uuid.NewString()

	// 0.025 rounds half-to-even to 0.02.
	tx, err := ledger.CreateTransaction(ctx, CreateRequest{
		UserID: userID,
		Type:   Purchase,
		Amount: dec(t, "0.025"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !tx.Amount.Equal(dec(t, "0.02")) {
		t.Fatalf("amount = %s, want 0.02", tx.Amount)
	}

	// 0.035 rounds half-to-even to 0.04.
	tx, err = ledger.CreateTransaction(ctx, CreateRequest{
		UserID: userID,
		Type:   Purchase,
		Amount: dec(t, "0.035"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !tx.Amount.Equal(dec(t, "0.04")) {
		t.Fatalf("amount = %s, want 0.04", tx.Amount)
	}
}

func TestNegativeAmountRejected(t *testing.T) {
	ledger := NewLedger(storetest.Open(t))
	_, err := ledger.CreateTransaction(context.Background(), CreateRequest{
		UserID: uuid.NewString(),
		Type:   Purchase,
		Amount: dec(t, "-1"),
	})
	if err == nil {
		t.Fatal("expected rejection of negative amount")
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	ledger := NewLedger(storetest.Open(t))
	_, err := ledger.CreateTransaction(context.Background(), CreateRequest{
		UserID: uuid.NewString(),
		Type:   TransactionType("refund"),
		Amount: dec(t, "1"),
	})
	if err == nil {
		t.Fatal("expected rejection of unknown transaction type")
	}
}

func TestNegativeBalanceStillCommits(t *testing.T) {
	ledger := NewLedger(storetest.Open(t))
	ctx := context.Background()
	userID := uuid.NewString()

	if _, err := ledger.CreateTransaction(ctx, CreateRequest{UserID: userID, Type: Purchase, Amount: dec(t, "1.00")}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	tx, err := ledger.CreateTransaction(ctx, CreateRequest{UserID: userID, Type: Usage, Amount: dec(t, "2.50")})
	if err != nil {
		t.Fatalf("usage past zero must still commit: %v", err)
	}
	if !tx.BalanceAfter.Equal(dec(t, "-1.5")) {
		t.Fatalf("balance_after = %s, want -1.5", tx.BalanceAfter)
	}
}

func TestCompactAdvancesCheckpoint(t *testing.T) {
	s := storetest.Open(t)
	ledger := NewLedger(s)
	ctx := context.Background()
	userID := uuid.NewString()

	for _, amount := range []string{"10.00", "5.00"} {
		if _, err := ledger.CreateTransaction(ctx, CreateRequest{UserID: userID, Type: Purchase, Amount: dec(t, amount)}); err != nil {
			t.Fatalf("purchase: %v", err)
		}
	}
	if err := ledger.Compact(ctx, userID); err != nil {
		t.Fatalf("compact: %v", err)
	}

	var (
		balanceRaw    string
		checkpointSeq int64
	)
	row := s.Read.QueryRow(s.Bind(`SELECT balance, checkpoint_seq FROM user_balance_checkpoints WHERE user_id = ?`), userID)
	if err := row.Scan(&balanceRaw, &checkpointSeq); err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if !dec(t, balanceRaw).Equal(dec(t, "15")) {
		t.Fatalf("checkpoint balance = %s, want 15", balanceRaw)
	}
	if checkpointSeq != 2 {
		t.Fatalf("checkpoint seq = %d, want 2", checkpointSeq)
	}

	// Balance and subsequent transactions stay consistent across the compaction.
	tx, err := ledger.CreateTransaction(ctx, CreateRequest{UserID: userID, Type: Usage, Amount: dec(t, "0.50")})
	if err != nil {
		t.Fatalf("post-compaction usage: %v", err)
	}
	if !tx.BalanceAfter.Equal(dec(t, "14.5")) {
		t.Fatalf("balance_after = %s, want 14.5", tx.BalanceAfter)
	}
	if tx.Seq != 3 {
		t.Fatalf("seq = %d, want 3", tx.Seq)
	}
}

func TestCompactAllCoversEveryPendingUser(t *testing.T) {
	ledger := NewLedger(storetest.Open(t))
	ctx := context.Background()

	userA := uuid.NewString()
	userB := uuid.NewString()
	for _, id := range []string{userA, userB} {
		if _, err := ledger.CreateTransaction(ctx, CreateRequest{UserID: id, Type: Purchase, Amount: dec(t, "5.00")}); err != nil {
			t.Fatalf("purchase: %v", err)
		}
	}

	n, err := ledger.CompactAll(ctx)
	if err != nil {
		t.Fatalf("compact all: %v", err)
	}
	if n != 2 {
		t.Fatalf("compacted %d users, want 2", n)
	}

	// Idempotent: nothing pending on the second pass.
	n, err = ledger.CompactAll(ctx)
	if err != nil {
		t.Fatalf("second compact all: %v", err)
	}
	if n != 0 {
		t.Fatalf("second pass compacted %d users, want 0", n)
	}

	for _, id := range []string{userA, userB} {
		balance, err := ledger.UserBalance(ctx, id)
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		if !balance.Equal(dec(t, "5")) {
			t.Fatalf("balance = %s, want 5", balance)
		}
	}
}

func TestListTransactionsNewestFirst(t *testing.T) {
	ledger := NewLedger(storetest.Open(t))
	ctx := context.Background()
	userID := uuid.NewString()

	for _, amount := range []string{"1.00", "2.00", "3.00"} {
		if _, err := ledger.CreateTransaction(ctx, CreateRequest{UserID: userID, Type: Purchase, Amount: dec(t, amount)}); err != nil {
			t.Fatalf("purchase: %v", err)
		}
	}
	txs, err := ledger.ListTransactions(ctx, userID, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txs))
	}
	if txs[0].Seq != 3 || txs[1].Seq != 2 {
		t.Fatalf("unexpected order: seqs %d, %d", txs[0].Seq, txs[1].Seq)
	}
}
