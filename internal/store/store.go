// Package store owns the relational source of truth: connection handling for
// Postgres and SQLite backends, schema bootstrap, and the configuration
// change channel.
//
// Two handles are kept per store: Write for mutations (analytics, credits,
// admin) and Read for everything on the request/sync read path. With a
// read-replica DSN configured the Read handle points at the replica.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ConfigChangedChannel is the pub/sub channel notified on any mutation of a
// table feeding the routing configuration. Payload: "<table>:<epoch_micros>".
const ConfigChangedChannel = "onwards_config_changed"

// Store bundles the write and read database handles.
type Store struct {
	Write *sql.DB
	Read  *sql.DB

	dialect  Dialect
	writeDSN string
}

// Open connects to the database named by writeDSN and readDSN. DSNs starting
// with postgres:// or postgresql:// select Postgres; anything else is treated
// as a SQLite path or DSN.
func Open(writeDSN, readDSN string) (*Store, error) {
	writeDSN = strings.TrimSpace(writeDSN)
	if writeDSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if readDSN = strings.TrimSpace(readDSN); readDSN == "" {
		readDSN = writeDSN
	}

	dialect := DialectSQLite
	driver := "sqlite"
	if isPostgresDSN(writeDSN) {
		dialect = DialectPostgres
		driver = "postgres"
	}

	write, err := sql.Open(driver, writeDSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect, err)
	}

	var read *sql.DB
	if readDSN == writeDSN || dialect == DialectSQLite {
		// SQLite has a single writer; sharing one handle avoids lock churn.
		read = write
	} else {
		read, err = sql.Open(driver, readDSN)
		if err != nil {
			_ = write.Close()
			return nil, fmt.Errorf("open %s read store: %w", dialect, err)
		}
	}

	s := &Store{Write: write, Read: read, dialect: dialect, writeDSN: writeDSN}
	if err := s.init(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func (s *Store) init() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Write.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s store: %w", s.dialect, err)
	}
	if s.Read != s.Write {
		if err := s.Read.PingContext(ctx); err != nil {
			return fmt.Errorf("ping %s read store: %w", s.dialect, err)
		}
	}
	return s.migrate()
}

// Dialect returns the active SQL dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Bind rewrites ?-style placeholders to $n for Postgres. SQLite queries pass
// through unchanged.
func (s *Store) Bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// NotifyConfigChanged publishes a change notification for table on the config
// channel. On SQLite this is a no-op: consumers rely on the fallback resync.
func (s *Store) NotifyConfigChanged(ctx context.Context, table string) error {
	if s.dialect != DialectPostgres {
		return nil
	}
	payload := fmt.Sprintf("%s:%d", table, time.Now().UnixMicro())
	_, err := s.Write.ExecContext(ctx, "SELECT pg_notify($1, $2)", ConfigChangedChannel, payload)
	if err != nil {
		return fmt.Errorf("notify config changed: %w", err)
	}
	return nil
}

// Close releases both handles.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.Read != nil && s.Read != s.Write {
		err = s.Read.Close()
	}
	if s.Write != nil {
		if cerr := s.Write.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// IsFatalConnError reports whether err carries a closed-pool or closed-
// connection signature. The sync engine treats these as fatal for its task.
func IsFatalConnError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "closed pool") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "database is closed")
}
