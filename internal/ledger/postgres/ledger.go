// Package postgres records issued identifiers in a Postgres table keyed by
// (range_start, range_end, id). The primary key makes a duplicate append a
// no-op that is reported back to the allocator.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for the ledger table.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Provider opens range-scoped ledgers backed by one table.
type Provider struct {
	pool  querier
	table string
}

// NewProvider connects to Postgres and makes sure the ledger table exists.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p, err := NewProviderWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewProviderWithPool constructs a provider from an existing pool (primarily for testing).
func NewProviderWithPool(pool querier, table string) (*Provider, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "used_ids"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Provider{pool: pool, table: table}, nil
}

// EnsureSchema creates the ledger table when missing.
func (p *Provider) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	range_start  BIGINT      NOT NULL,
	range_end    BIGINT      NOT NULL,
	id           BIGINT      NOT NULL,
	allocated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (range_start, range_end, id)
)`, p.table)
	if _, err := p.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// Open returns the ledger view for r.
func (p *Provider) Open(_ context.Context, r harvest.Range) (harvest.Ledger, error) {
	return &Ledger{provider: p, rng: r}, nil
}

// Reset deletes every row recorded for exactly r.
func (p *Provider) Reset(ctx context.Context, r harvest.Range) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE range_start = $1 AND range_end = $2`, p.table)
	if _, err := p.pool.Exec(ctx, query, r.Start, r.End); err != nil {
		return fmt.Errorf("delete ledger rows: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (p *Provider) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

// Ledger reads and appends rows for one range.
type Ledger struct {
	provider *Provider
	rng      harvest.Range
}

// Load returns the recorded ids in allocation order.
func (l *Ledger) Load(ctx context.Context) ([]int64, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE range_start = $1 AND range_end = $2 ORDER BY allocated_at, id`, l.provider.table)
	rows, err := l.provider.pool.Query(ctx, query, l.rng.Start, l.rng.End)
	if err != nil {
		return nil, fmt.Errorf("select ledger rows: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return ids, nil
}

// Append inserts id. The commit is durable before the call returns; a row
// that already exists yields harvest.ErrAlreadyRecorded.
func (l *Ledger) Append(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`INSERT INTO %s (range_start, range_end, id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, l.provider.table)
	tag, err := l.provider.pool.Exec(ctx, query, l.rng.Start, l.rng.End, id)
	if err != nil {
		return fmt.Errorf("insert ledger row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %d: %w", l.rng.Key(), id, harvest.ErrAlreadyRecorded)
	}
	return nil
}

// Close is a no-op; the pool belongs to the provider.
func (l *Ledger) Close() error { return nil }
