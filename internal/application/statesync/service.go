package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/regflow/internal/domain/event"
	"github.com/execution-hub/regflow/internal/domain/kv"
	"github.com/execution-hub/regflow/internal/domain/workflow"
)

// Persisted keys.
const (
	StateKey = "registrationState"
	LockKey  = "state_operation_lock"
	SyncKey  = "state_sync_timestamp"
)

var (
	// ErrLockTimeout is retryable: the lock was busy for the whole timeout.
	ErrLockTimeout = errors.New("timed out acquiring state lock")
)

// LockRecord marks the current holder of the state lock.
type LockRecord struct {
	HolderID   string `json:"holderId"`
	AcquiredAt int64  `json:"acquiredAt"`
}

// Options tunes the lock, broadcast and heartbeat timings.
type Options struct {
	// ContextName prefixes the holder id, e.g. "controller" or "ui".
	ContextName       string
	Staleness         time.Duration
	SettleDelay       time.Duration
	PollInterval      time.Duration
	LockTimeout       time.Duration
	HeartbeatInterval time.Duration
	StaleSyncAfter    time.Duration
	Now               func() time.Time
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		ContextName:       "controller",
		Staleness:         10 * time.Second,
		SettleDelay:       50 * time.Millisecond,
		PollInterval:      100 * time.Millisecond,
		LockTimeout:       5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		StaleSyncAfter:    30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ContextName == "" {
		o.ContextName = d.ContextName
	}
	if o.Staleness <= 0 {
		o.Staleness = d.Staleness
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = d.SettleDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = d.LockTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.StaleSyncAfter <= 0 {
		o.StaleSyncAfter = d.StaleSyncAfter
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Service synchronizes workflow state between execution contexts through a
// shared kv.Store.
//
// The lock is advisory and best effort. The store has no compare-and-swap,
// so acquisition writes a LockRecord, waits SettleDelay and reads it back;
// the last writer wins. Two contexts racing inside the settle window can both
// believe they hold the lock.
type Service struct {
	store    kv.Store
	opts     Options
	holderID string
	logger   zerolog.Logger

	mu   sync.Mutex
	held bool

	listeners   event.Registry[*workflow.Snapshot]
	watchMu     sync.Mutex
	watchCancel func()

	hbMu     sync.Mutex
	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

func NewService(store kv.Store, opts Options, logger zerolog.Logger) *Service {
	opts = opts.withDefaults()
	return &Service{
		store:    store,
		opts:     opts,
		holderID: opts.ContextName + "-" + uuid.NewString(),
		logger:   logger.With().Str("service", "statesync").Str("context", opts.ContextName).Logger(),
	}
}

// HolderID identifies this context in lock records.
func (s *Service) HolderID() string {
	return s.holderID
}

// AcquireLock polls until the lock is won or timeout elapses. timeout <= 0
// selects the configured default.
func (s *Service) AcquireLock(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.opts.LockTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		won, err := s.tryAcquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Msg("lock round failed")
		}
		if won {
			return nil
		}
		if time.Now().Add(s.opts.PollInterval).After(deadline) {
			return fmt.Errorf("%w after %s", ErrLockTimeout, timeout)
		}
		if err := sleep(ctx, s.opts.PollInterval); err != nil {
			return err
		}
	}
}

func (s *Service) tryAcquire(ctx context.Context) (bool, error) {
	current, err := s.readLock(ctx)
	if err != nil {
		return false, err
	}
	now := s.opts.Now()
	// a record naming us is left over from a round whose check failed
	own := current != nil && current.HolderID == s.holderID
	if current != nil && !own && !s.isStale(current, now) {
		return false, nil
	}
	if current != nil && !own {
		s.logger.Info().Str("previous_holder", current.HolderID).Msg("reclaiming stale lock")
	}

	data, err := json.Marshal(LockRecord{HolderID: s.holderID, AcquiredAt: now.UnixMilli()})
	if err != nil {
		return false, err
	}
	if err := s.store.Set(ctx, LockKey, data); err != nil {
		return false, err
	}
	if err := sleep(ctx, s.opts.SettleDelay); err != nil {
		return false, err
	}

	check, err := s.readLock(ctx)
	if err != nil {
		return false, err
	}
	if check == nil || check.HolderID != s.holderID {
		return false, nil
	}
	s.mu.Lock()
	s.held = true
	s.mu.Unlock()
	return true, nil
}

func (s *Service) isStale(rec *LockRecord, now time.Time) bool {
	return now.Sub(time.UnixMilli(rec.AcquiredAt)) > s.opts.Staleness
}

// ReleaseLock deletes the lock record if this context still holds it.
func (s *Service) ReleaseLock(ctx context.Context) error {
	s.mu.Lock()
	held := s.held
	s.held = false
	s.mu.Unlock()
	if !held {
		return nil
	}

	current, err := s.readLock(ctx)
	if err != nil {
		return err
	}
	if current == nil || current.HolderID != s.holderID {
		s.logger.Warn().Msg("lock superseded before release")
		return nil
	}
	return s.store.Remove(ctx, LockKey)
}

// ExecuteWithLock runs op while holding the lock. The lock is released even
// when op fails or panics.
func (s *Service) ExecuteWithLock(ctx context.Context, op func(ctx context.Context) error) error {
	if err := s.AcquireLock(ctx, 0); err != nil {
		return err
	}
	defer func() {
		if err := s.ReleaseLock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error().Err(err).Msg("failed to release lock")
		}
	}()
	return op(ctx)
}

func (s *Service) readLock(ctx context.Context) (*LockRecord, error) {
	data, err := s.store.Get(ctx, LockKey)
	if err != nil || data == nil {
		return nil, err
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// unreadable records are treated as abandoned
		s.logger.Warn().Err(err).Msg("invalid lock record")
		return &LockRecord{}, nil
	}
	return &rec, nil
}

// SyncState persists the snapshot and the sync timestamp in one write.
func (s *Service) SyncState(ctx context.Context, snap workflow.Snapshot) error {
	now := s.opts.Now()
	snap.SyncTimestamp = &now
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	err = s.store.SetMany(ctx, map[string][]byte{
		StateKey: data,
		SyncKey:  []byte(strconv.FormatInt(now.UnixMilli(), 10)),
	})
	if err != nil {
		return fmt.Errorf("sync state: %w", err)
	}
	return nil
}

// Save persists the machine.
func (s *Service) Save(ctx context.Context, m *workflow.Machine) error {
	return s.SyncState(ctx, m.Snapshot())
}

// LoadSnapshot returns the persisted snapshot, or nil when none exists.
func (s *Service) LoadSnapshot(ctx context.Context) (*workflow.Snapshot, error) {
	data, err := s.store.Get(ctx, StateKey)
	if err != nil || data == nil {
		return nil, err
	}
	var snap workflow.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &snap, nil
}

// Load restores the machine from the store. It reports false when nothing
// was persisted.
func (s *Service) Load(ctx context.Context, m *workflow.Machine) (bool, error) {
	snap, err := s.LoadSnapshot(ctx)
	if err != nil || snap == nil {
		return false, err
	}
	if err := m.Restore(*snap); err != nil {
		return false, err
	}
	return true, nil
}

// Clear erases the persisted state.
func (s *Service) Clear(ctx context.Context) error {
	if err := s.store.Remove(ctx, StateKey); err != nil {
		return err
	}
	return s.store.Remove(ctx, SyncKey)
}

// ResetAndClear returns m to IDLE and erases the persisted state while
// holding the lock.
func (s *Service) ResetAndClear(ctx context.Context, m workflow.Resetter) error {
	return s.ExecuteWithLock(ctx, func(ctx context.Context) error {
		m.Reset()
		return s.Clear(ctx)
	})
}

// OnChange registers fn for state changes written by any context. fn
// receives nil when the state is cleared.
func (s *Service) OnChange(fn func(*workflow.Snapshot)) (unsubscribe func()) {
	s.watchMu.Lock()
	if s.watchCancel == nil {
		s.watchCancel = s.store.Watch(StateKey, s.handleChange)
	}
	s.watchMu.Unlock()
	return s.listeners.Subscribe(fn)
}

func (s *Service) handleChange(value []byte) {
	var snap *workflow.Snapshot
	if value != nil {
		snap = &workflow.Snapshot{}
		if err := json.Unmarshal(value, snap); err != nil {
			s.logger.Warn().Err(err).Msg("ignoring undecodable state change")
			return
		}
	}
	s.listeners.Publish(snap, func(err error) {
		s.logger.Error().Err(err).Msg("sync listener failed")
	})
}

// Consistency is the result of one heartbeat check.
type Consistency struct {
	HasState bool
	LastSync time.Time
	Lag      time.Duration
	Stale    bool
}

// CheckConsistency compares the last sync timestamp with the clock.
func (s *Service) CheckConsistency(ctx context.Context) (Consistency, error) {
	state, err := s.store.Get(ctx, StateKey)
	if err != nil || state == nil {
		return Consistency{}, err
	}
	res := Consistency{HasState: true}
	raw, err := s.store.Get(ctx, SyncKey)
	if err != nil {
		return res, err
	}
	if raw != nil {
		ms, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return res, fmt.Errorf("decode sync timestamp: %w", err)
		}
		res.LastSync = time.UnixMilli(ms).UTC()
	}
	res.Lag = s.opts.Now().Sub(res.LastSync)
	res.Stale = res.Lag > s.opts.StaleSyncAfter
	if res.Stale {
		s.logger.Warn().Dur("lag", res.Lag).Msg("state sync is stale")
	}
	return res, nil
}

// StartHeartbeat runs CheckConsistency periodically. Calling it while the
// heartbeat runs is a no-op.
func (s *Service) StartHeartbeat(ctx context.Context) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.hbCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.hbCancel = cancel
	s.hbDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.CheckConsistency(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn().Err(err).Msg("heartbeat check failed")
				}
			}
		}
	}()
}

// StopHeartbeat stops the heartbeat and waits for it to exit.
func (s *Service) StopHeartbeat() {
	s.hbMu.Lock()
	cancel, done := s.hbCancel, s.hbDone
	s.hbCancel, s.hbDone = nil, nil
	s.hbMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops the heartbeat and the store watch.
func (s *Service) Close() {
	s.StopHeartbeat()
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
