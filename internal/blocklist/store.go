// Package blocklist persists rate gate blocks in PostgreSQL so they survive restarts.
package blocklist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/af-corp/gaianet-gateway/internal/config"
	"github.com/af-corp/gaianet-gateway/internal/ratelimit"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store reads and writes the blocked_clients table.
type Store struct {
	db DB
}

// Connect opens a pool for the configured database.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Record upserts a block.
func (s *Store) Record(ctx context.Context, e ratelimit.BlockEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO blocked_clients (client_id, reason, blocked_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id) DO UPDATE
		SET reason = EXCLUDED.reason,
		    blocked_at = EXCLUDED.blocked_at,
		    expires_at = EXCLUDED.expires_at
	`, e.ClientID, e.Reason, e.BlockedAt, nullableTime(e.ExpiresAt))
	if err != nil {
		return fmt.Errorf("record block: %w", err)
	}
	return nil
}

// Delete removes a block. Deleting an unknown client is not an error.
func (s *Store) Delete(ctx context.Context, clientID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM blocked_clients WHERE client_id = $1`, clientID); err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	return nil
}

// List returns blocks that have not expired, oldest first.
func (s *Store) List(ctx context.Context) ([]ratelimit.BlockEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT client_id, reason, blocked_at, expires_at
		FROM blocked_clients
		WHERE expires_at IS NULL OR expires_at > NOW()
		ORDER BY blocked_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var out []ratelimit.BlockEntry
	for rows.Next() {
		var e ratelimit.BlockEntry
		var expires *time.Time
		if err := rows.Scan(&e.ClientID, &e.Reason, &e.BlockedAt, &expires); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		if expires != nil {
			e.ExpiresAt = *expires
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return out, nil
}

// Hook returns a ratelimit.BlockHook that records each block before the
// blocking request returns, so a later unblock always deletes a row that is
// already written. Gates call it outside their locks. Failures are logged;
// the gate's own block is authoritative for admission.
func (s *Store) Hook(timeout time.Duration) ratelimit.BlockHook {
	return func(e ratelimit.BlockEntry) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Record(ctx, e); err != nil {
			slog.Error("failed to persist block", "client_id", e.ClientID, "error", err)
		}
	}
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
