package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/execution-hub/regflow/internal/domain/event"
	"github.com/execution-hub/regflow/internal/domain/kv"
)

// NotifyChannel carries the key of every changed entry.
const NotifyChannel = "regflow_kv"

// KVStore implements kv.Store on a kv_entries table. Writes publish the
// changed key with pg_notify inside the same transaction; Listen turns those
// notifications into watcher callbacks for every connected process.
type KVStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	mu       sync.Mutex
	watchers map[string]*event.Registry[[]byte]
}

var _ kv.Store = (*KVStore)(nil)

func NewKVStore(pool *pgxpool.Pool, logger zerolog.Logger) *KVStore {
	return &KVStore{
		pool:     pool,
		logger:   logger.With().Str("store", "postgres").Logger(),
		watchers: make(map[string]*event.Registry[[]byte]),
	}
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value::text FROM kv_entries WHERE key=$1`, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return []byte(value), nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	return s.SetMany(ctx, map[string][]byte{key: value})
}

func (s *KVStore) SetMany(ctx context.Context, entries map[string][]byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for k, v := range entries {
		if k == "" {
			return kv.ErrEmptyKey
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO kv_entries (key, value, updated_at)
			VALUES ($1, $2::jsonb, $3)
			ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at
		`, k, string(v), now)
		if err != nil {
			return fmt.Errorf("write %s: %w", k, err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, k); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *KVStore) Remove(ctx context.Context, key string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := tx.Exec(ctx, `DELETE FROM kv_entries WHERE key=$1`, key)
	if err != nil {
		return err
	}
	if res.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, key); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *KVStore) Watch(key string, fn func([]byte)) func() {
	s.mu.Lock()
	reg, ok := s.watchers[key]
	if !ok {
		reg = &event.Registry[[]byte]{}
		s.watchers[key] = reg
	}
	s.mu.Unlock()
	return reg.Subscribe(fn)
}

// Listen holds one pooled connection on NotifyChannel and dispatches changes
// until ctx is cancelled.
func (s *KVStore) Listen(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	s.logger.Info().Str("channel", NotifyChannel).Msg("listening for store changes")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.dispatch(ctx, n.Payload)
	}
}

func (s *KVStore) dispatch(ctx context.Context, key string) {
	s.mu.Lock()
	reg := s.watchers[key]
	s.mu.Unlock()
	if reg == nil || reg.Len() == 0 {
		return
	}
	value, err := s.Get(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to read changed key")
		return
	}
	reg.Publish(value, func(err error) {
		s.logger.Error().Err(err).Str("key", key).Msg("store watcher failed")
	})
}
