// Package database opens the local metadata store's SQL connection.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Open establishes a connection to the local SQLite metadata database at
// path and verifies connectivity with a ping. The returned *sql.DB must be
// closed by the caller.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("metadata database path is required")
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}
	// SQLite has no server-side connection pool; a single writer avoids
	// "database is locked" errors under the journal's append workload.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping metadata database: %w", err)
	}
	return db, nil
}
