package storage

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

const pebbleKeyPrefix = "kv:"

// PebbleStore is the on-disk Store used by the CLI. Writes are synced.
type PebbleStore struct {
	mu sync.RWMutex
	db *pebble.DB
}

// OpenPebble opens (or creates) a pebble database at path.
func OpenPebble(path string) (*PebbleStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: empty pebble path")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

// Get returns the value for key or ErrNotFound.
func (s *PebbleStore) Get(ctx context.Context, key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return "", ErrClosed
	}

	v, closer, err := s.db.Get([]byte(pebbleKeyPrefix + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	// v is only valid until closer.Close.
	out := string(v)
	_ = closer.Close()
	return out, nil
}

// Set stores value under key.
func (s *PebbleStore) Set(ctx context.Context, key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return ErrClosed
	}
	return s.db.Set([]byte(pebbleKeyPrefix+key), []byte(value), pebble.Sync)
}

// Remove deletes key.
func (s *PebbleStore) Remove(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return ErrClosed
	}
	return s.db.Delete([]byte(pebbleKeyPrefix+key), pebble.Sync)
}

// Close closes the database. It is idempotent.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
