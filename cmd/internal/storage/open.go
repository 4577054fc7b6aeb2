package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	PebblePath  string
	DatabaseURL string
	Schema      string
	Namespace   string
	MaxConns    int32
}

// Open constructs the configured Store. Postgres stores own their pool and run Migrate.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil

	case BackendPebble:
		return OpenPebble(opts.PebblePath)

	case BackendPostgres:
		pcfg, err := pgxpool.ParseConfig(opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("storage: parse database url: %w", err)
		}
		if opts.MaxConns > 0 {
			pcfg.MaxConns = opts.MaxConns
		}

		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return nil, err
		}
		if err := ping(ctx, pool, 3*time.Second); err != nil {
			pool.Close()
			return nil, err
		}

		var pgOpts []PostgresOption
		if opts.Schema != "" {
			pgOpts = append(pgOpts, WithSchema(opts.Schema))
		}
		if opts.Namespace != "" {
			pgOpts = append(pgOpts, WithNamespace(opts.Namespace))
		}
		st, err := NewPostgresStore(pool, pgOpts...)
		if err != nil {
			pool.Close()
			return nil, err
		}
		st.ownsPool = true

		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: migrate: %w", err)
		}
		return st, nil

	default:
		return nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
	}
}

func ping(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
