package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/scribe-cli/pkg/db"
)

const createCacheTable = `
CREATE TABLE IF NOT EXISTS scribe_cache (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresBlobStore keeps values in the scribe_cache table.
type PostgresBlobStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// OpenPostgresBlobStore connects using dsn and creates the table if needed.
func OpenPostgresBlobStore(ctx context.Context, dsn string) (*PostgresBlobStore, error) {
	pool, err := db.Connect(ctx, db.DefaultConfig(dsn))
	if err != nil {
		return nil, err
	}
	store, err := NewPostgresBlobStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresBlobStore wraps an existing pool and creates the table if needed.
func NewPostgresBlobStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresBlobStore, error) {
	if _, err := pool.Exec(ctx, createCacheTable); err != nil {
		return nil, fmt.Errorf("failed to create scribe_cache table: %w", err)
	}
	return &PostgresBlobStore{pool: pool, timeout: 5 * time.Second}, nil
}

func (p *PostgresBlobStore) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var value string
	err := p.pool.QueryRow(ctx, `SELECT value FROM scribe_cache WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres get: %w", err)
	}
	return value, true, nil
}

func (p *PostgresBlobStore) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	_, err := p.pool.Exec(ctx, `
		INSERT INTO scribe_cache (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("postgres set: %w", err)
	}
	return nil
}

func (p *PostgresBlobStore) Remove(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if _, err := p.pool.Exec(ctx, `DELETE FROM scribe_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *PostgresBlobStore) Close() error {
	db.Close(p.pool)
	return nil
}
