// Package storetest provides in-memory SQLite stores for package tests.
package storetest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/doubleword-ai/dwctl/internal/store"
)

var counter atomic.Int64

// Open returns a Store backed by a fresh in-memory SQLite database. The
// shared-cache DSN keeps every pooled connection on the same database.
func Open(t *testing.T) *store.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, counter.Add(1))
	s, err := store.Open(dsn, "")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
