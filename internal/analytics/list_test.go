package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/doubleword-ai/dwctl/internal/store/storetest"
)

func TestListFiltersAndPaginates(t *testing.T) {
	w := NewWriter(storetest.Open(t))
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := int64(1); i <= 5; i++ {
		row := sampleRow(i)
		row.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			row.RequestModel = "other-model"
			row.StatusCode = 500
		}
		if _, err := w.Upsert(ctx, row); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	all, err := w.List(ctx, Query{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if all.Total != 5 || len(all.Data) != 5 {
		t.Fatalf("total=%d len=%d, want 5/5", all.Total, len(all.Data))
	}
	// Newest first.
	if all.Data[0].CorrelationID != 5 {
		t.Fatalf("first row correlation = %d, want 5", all.Data[0].CorrelationID)
	}

	filtered, err := w.List(ctx, Query{Model: "other-model"})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if filtered.Total != 2 {
		t.Fatalf("filtered total = %d, want 2", filtered.Total)
	}

	errorsOnly, err := w.List(ctx, Query{MinStatus: 400})
	if err != nil {
		t.Fatalf("list errors: %v", err)
	}
	if errorsOnly.Total != 2 {
		t.Fatalf("errors total = %d, want 2", errorsOnly.Total)
	}

	paged, err := w.List(ctx, Query{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if paged.Total != 5 || len(paged.Data) != 2 {
		t.Fatalf("paged total=%d len=%d, want 5/2", paged.Total, len(paged.Data))
	}

	since := base.Add(4*time.Minute - time.Second)
	recent, err := w.List(ctx, Query{Since: &since})
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if recent.Total != 2 {
		t.Fatalf("since total = %d, want 2", recent.Total)
	}
}
