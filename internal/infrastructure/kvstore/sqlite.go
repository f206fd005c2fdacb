package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/execution-hub/regflow/internal/domain/kv"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB,
	deleted    INTEGER NOT NULL DEFAULT 0,
	version    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore shares state between processes on one host through a SQLite
// file. Every write bumps a version counter; Run tails the counter and
// delivers changes made by any process, including this one.
type SQLiteStore struct {
	db       *sql.DB
	watchers *watchers
	logger   zerolog.Logger
	lastSeen int64
}

var _ kv.Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens the database at path and ensures the schema.
func OpenSQLiteStore(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("store", "sqlite").Logger(),
	}
	s.watchers = newWatchers(s.logger)
	// only changes made after open are delivered
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM kv_entries`).Scan(&s.lastSeen); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read version: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = ? AND deleted = 0`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	return s.SetMany(ctx, map[string][]byte{key: value})
}

func (s *SQLiteStore) SetMany(ctx context.Context, entries map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for k, v := range entries {
		if k == "" {
			return kv.ErrEmptyKey
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO kv_entries (key, value, deleted, version, updated_at)
			VALUES (?, ?, 0, (SELECT COALESCE(MAX(version), 0) + 1 FROM kv_entries), ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				deleted = 0,
				version = excluded.version,
				updated_at = excluded.updated_at`,
			k, v, now)
		if err != nil {
			return fmt.Errorf("write %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE kv_entries
		SET value = NULL, deleted = 1,
			version = (SELECT COALESCE(MAX(version), 0) + 1 FROM kv_entries),
			updated_at = ?
		WHERE key = ? AND deleted = 0`,
		time.Now().UnixMilli(), key)
	return err
}

func (s *SQLiteStore) Watch(key string, fn func([]byte)) func() {
	return s.watchers.watch(key, fn)
}

// Run delivers changes to watchers until ctx is cancelled.
func (s *SQLiteStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.poll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("change feed poll failed")
			}
		}
	}
}

type sqliteChange struct {
	key     string
	value   []byte
	deleted bool
	version int64
}

func (s *SQLiteStore) poll(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, deleted, version FROM kv_entries WHERE version > ? ORDER BY version`, s.lastSeen)
	if err != nil {
		return err
	}
	var changes []sqliteChange
	for rows.Next() {
		var c sqliteChange
		if err := rows.Scan(&c.key, &c.value, &c.deleted, &c.version); err != nil {
			rows.Close()
			return err
		}
		changes = append(changes, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range changes {
		s.lastSeen = c.version
		if c.deleted {
			s.watchers.notify(c.key, nil)
			continue
		}
		s.watchers.notify(c.key, c.value)
	}
	return nil
}
