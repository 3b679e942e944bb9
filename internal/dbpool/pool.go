// Package dbpool owns the process-wide PostgreSQL connection pool.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/CedrosPay/ticketing/internal/config"
)

// SharedPool is the single *sql.DB handed to every postgres-backed component.
type SharedPool struct {
	db *sql.DB
}

// Open connects to connectionString, applies the pool settings and pings the
// server within timeout.
func Open(ctx context.Context, connectionString string, poolConfig config.PostgresPoolConfig, timeout time.Duration) (*SharedPool, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("dbpool: open postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dbpool: ping postgres: %w", err)
	}
	return &SharedPool{db: db}, nil
}

// DB returns the pool.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Stats exposes pool counters for the health endpoint.
func (p *SharedPool) Stats() sql.DBStats {
	return p.db.Stats()
}

// Close closes the pool. Call it once, after every user of DB is done.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
