package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool is the subset of pgxpool.Pool the store uses, so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore keeps settings in a two-column table.
type PostgresStore struct {
	pool  DBPool
	table string
	log   *zap.Logger
}

// NewPostgresStore verifies the connection and creates the table if needed.
func NewPostgresStore(ctx context.Context, pool DBPool, table string, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if table == "" {
		table = "autotap_settings"
	}
	s := &PostgresStore{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
		log:   logger.Named("settings.postgres"),
	}
	if _, err := pool.Exec(ctx, s.createSQL()); err != nil {
		return nil, fmt.Errorf("failed to create settings table: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) createSQL() string {
	return `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM `+s.table+` WHERE key = $1`, string(key)).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key Key, value string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO `+s.table+` (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, string(key), value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	s.log.Debug("Setting written", zap.String("key", string(key)))
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
