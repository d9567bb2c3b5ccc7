// Package audit provides a durable, best-effort record of security
// events (abuse blocks, health transitions, failed reloads) for
// post-incident review, independent of the low-latency hot path.
//
// Adapted from the teacher's database.DB connection-pool/Health/Close
// pattern, repurposed from generic route/service storage to a single
// append-only events table.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/saidutt46/tollbooth/internal/events"
	"github.com/saidutt46/tollbooth/internal/logging"
)

// Config holds audit database connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns reasonable pool defaults, mirroring the teacher's
// database.Config.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS security_events (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT NOT NULL,
	source_addr TEXT NOT NULL DEFAULT '',
	user_id     TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
)`

// Sink persists security events to Postgres and implements
// events.Publisher so it can sit directly behind the event bus, or be
// fed the same events independently for a durable record.
type Sink struct {
	pool *sql.DB
}

// New connects to Postgres, verifies connectivity, and ensures the
// security_events table exists.
func New(cfg Config) (*Sink, error) {
	logging.WithComponent("audit").Info().Msg("connecting to audit database")

	pool, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open database connection: %w", err)
	}

	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: failed to ping database: %w", err)
	}

	if _, err := pool.ExecContext(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: failed to ensure schema: %w", err)
	}

	logging.WithComponent("audit").Info().Msg("audit database connection established")

	return &Sink{pool: pool}, nil
}

// Publish persists event. Failures are logged, never returned: the audit
// sink is a best-effort side channel, per SPEC_FULL.md 7.
func (s *Sink) Publish(ctx context.Context, event events.Event) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO security_events (kind, source_addr, user_id, detail, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		string(event.Kind), event.SourceAddr, event.UserID, event.Detail, event.OccurredAt,
	)
	if err != nil {
		logging.LogError(err, "failed to persist security event", map[string]interface{}{
			"component": "audit",
			"kind":      string(event.Kind),
			"user_id":   event.UserID,
		})
	}
}

// Since returns events recorded at or after t, newest first, for the
// GET /admin/audit/events?since= endpoint (SPEC_FULL.md 6).
func (s *Sink) Since(ctx context.Context, t time.Time) ([]events.Event, error) {
	rows, err := s.pool.QueryContext(ctx,
		`SELECT kind, source_addr, user_id, detail, occurred_at FROM security_events WHERE occurred_at >= $1 ORDER BY occurred_at DESC`,
		t,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query failed: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var kind string
		if err := rows.Scan(&kind, &e.SourceAddr, &e.UserID, &e.Detail, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("audit: scan failed: %w", err)
		}
		e.Kind = events.Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *Sink) Close() error {
	return s.pool.Close()
}
