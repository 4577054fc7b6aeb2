package storage

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL, used when several headless clients
// share one database. Rows are scoped by namespace (typically the account name).
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool unless it was created by Open.
type PostgresStore struct {
	pool      *pgxpool.Pool
	ownsPool  bool
	schema    string
	namespace string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "unigate").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("storage: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("storage: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithNamespace scopes keys to ns (default: "default").
func WithNamespace(ns string) PostgresOption {
	return func(s *PostgresStore) error {
		ns = strings.TrimSpace(ns)
		if ns == "" {
			return errors.New("storage: empty namespace")
		}
		s.namespace = ns
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:      pool,
		schema:    "unigate",
		namespace: "default",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("storage: nil pool")
	}
	return st, nil
}

// Migrate creates the schema and table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrClosed
	}
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table()+` (
		namespace  text        NOT NULL,
		key        text        NOT NULL,
		value      text        NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (namespace, key)
	)`)
	return err
}

// Get returns the value for key or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	if s == nil || s.pool == nil {
		return "", ErrClosed
	}
	if err := checkKey(key); err != nil {
		return "", err
	}

	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM `+s.table()+` WHERE namespace = $1 AND key = $2`,
		s.namespace, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// Set upserts value under key.
func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	if s == nil || s.pool == nil {
		return ErrClosed
	}
	if err := checkKey(key); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (namespace, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		s.namespace, key, value,
	)
	return err
}

// Remove deletes key.
func (s *PostgresStore) Remove(ctx context.Context, key string) error {
	if s == nil || s.pool == nil {
		return ErrClosed
	}
	if err := checkKey(key); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table()+` WHERE namespace = $1 AND key = $2`,
		s.namespace, key,
	)
	return err
}

// Close closes the pool only when this store owns it.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	if s.ownsPool {
		s.pool.Close()
	}
	s.pool = nil
	return nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "kv"}.Sanitize()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
