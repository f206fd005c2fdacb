package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/execution-hub/regflow/internal/domain/kv/mocks"
	"github.com/execution-hub/regflow/internal/domain/workflow"
	"github.com/execution-hub/regflow/internal/infrastructure/kvstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fastOptions(name string, clock *fakeClock) Options {
	return Options{
		ContextName:       name,
		SettleDelay:       2 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		LockTimeout:       100 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		Now:               clock.Now,
	}
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func putLock(t *testing.T, store *kvstore.MemoryStore, holder string, at time.Time) {
	t.Helper()
	data, err := json.Marshal(LockRecord{HolderID: holder, AcquiredAt: at.UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), LockKey, data))
}

func readLock(t *testing.T, store *kvstore.MemoryStore) *LockRecord {
	t.Helper()
	data, err := store.Get(context.Background(), LockKey)
	require.NoError(t, err)
	if data == nil {
		return nil
	}
	var rec LockRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	return &rec
}

func TestAcquireLock_Staleness(t *testing.T) {
	ctx := context.Background()

	t.Run("lock older than the window is reclaimed", func(t *testing.T) {
		clock := newClock()
		store := kvstore.NewMemoryStore(zerolog.Nop())
		putLock(t, store, "ui-dead", clock.Now().Add(-11*time.Second))

		svc := NewService(store, fastOptions("controller", clock), zerolog.Nop())
		require.NoError(t, svc.AcquireLock(ctx, 0))
		assert.Equal(t, svc.HolderID(), readLock(t, store).HolderID)
	})

	t.Run("fresh lock is not acquirable", func(t *testing.T) {
		clock := newClock()
		store := kvstore.NewMemoryStore(zerolog.Nop())
		putLock(t, store, "ui-alive", clock.Now().Add(-5*time.Second))

		svc := NewService(store, fastOptions("controller", clock), zerolog.Nop())
		err := svc.AcquireLock(ctx, 50*time.Millisecond)
		require.ErrorIs(t, err, ErrLockTimeout)
		assert.Equal(t, "ui-alive", readLock(t, store).HolderID)
	})
}

func TestLock_TwoContexts(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := kvstore.NewMemoryStore(zerolog.Nop())
	a := NewService(store, fastOptions("controller", clock), zerolog.Nop())
	b := NewService(store, fastOptions("ui", clock), zerolog.Nop())

	require.NoError(t, a.AcquireLock(ctx, 0))
	require.ErrorIs(t, b.AcquireLock(ctx, 30*time.Millisecond), ErrLockTimeout)

	require.NoError(t, a.ReleaseLock(ctx))
	assert.Nil(t, readLock(t, store))
	require.NoError(t, b.AcquireLock(ctx, 0))
	assert.Equal(t, b.HolderID(), readLock(t, store).HolderID)
}

func TestReleaseLock_NeverDeletesForeignLock(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := kvstore.NewMemoryStore(zerolog.Nop())
	svc := NewService(store, fastOptions("controller", clock), zerolog.Nop())

	t.Run("not holding", func(t *testing.T) {
		putLock(t, store, "ui-1", clock.Now())
		require.NoError(t, svc.ReleaseLock(ctx))
		require.NoError(t, svc.ReleaseLock(ctx))
		assert.Equal(t, "ui-1", readLock(t, store).HolderID)
	})

	t.Run("superseded after staleness", func(t *testing.T) {
		require.NoError(t, store.Remove(ctx, LockKey))
		require.NoError(t, svc.AcquireLock(ctx, 0))
		clock.Advance(11 * time.Second)
		putLock(t, store, "ui-2", clock.Now())

		require.NoError(t, svc.ReleaseLock(ctx))
		assert.Equal(t, "ui-2", readLock(t, store).HolderID)
	})
}

func TestExecuteWithLock(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := kvstore.NewMemoryStore(zerolog.Nop())
	svc := NewService(store, fastOptions("controller", clock), zerolog.Nop())

	t.Run("runs under the lock", func(t *testing.T) {
		var holder string
		err := svc.ExecuteWithLock(ctx, func(ctx context.Context) error {
			holder = readLock(t, store).HolderID
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, svc.HolderID(), holder)
		assert.Nil(t, readLock(t, store))
	})

	t.Run("releases on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := svc.ExecuteWithLock(ctx, func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
		assert.Nil(t, readLock(t, store))
	})

	t.Run("releases on panic", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = svc.ExecuteWithLock(ctx, func(context.Context) error { panic("op failed") })
		})
		assert.Nil(t, readLock(t, store))
	})

	t.Run("lock timeout is surfaced", func(t *testing.T) {
		putLock(t, store, "ui-busy", clock.Now())
		ran := false
		err := svc.ExecuteWithLock(ctx, func(context.Context) error { ran = true; return nil })
		require.ErrorIs(t, err, ErrLockTimeout)
		assert.False(t, ran)
		require.NoError(t, store.Remove(ctx, LockKey))
	})
}

func TestAcquireLock_ReadErrorRetriedNextRound(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	clock := newClock()
	store := mocks.NewMockStore(ctrl)
	svc := NewService(store, fastOptions("controller", clock), zerolog.Nop())

	var written []byte
	gomock.InOrder(
		store.EXPECT().Get(gomock.Any(), LockKey).Return(nil, errors.New("io timeout")),
		store.EXPECT().Get(gomock.Any(), LockKey).Return(nil, nil),
		store.EXPECT().Set(gomock.Any(), LockKey, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, v []byte) error {
				written = v
				return nil
			}),
		store.EXPECT().Get(gomock.Any(), LockKey).DoAndReturn(func(context.Context, string) ([]byte, error) {
			return written, nil
		}),
	)

	require.NoError(t, svc.AcquireLock(ctx, 0))
}

func TestAcquireLock_SettleCheckErrorRetriedNextRound(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	clock := newClock()
	store := mocks.NewMockStore(ctrl)
	svc := NewService(store, fastOptions("controller", clock), zerolog.Nop())

	var written []byte
	capture := func(_ context.Context, _ string, v []byte) error {
		written = v
		return nil
	}
	current := func(context.Context, string) ([]byte, error) {
		return written, nil
	}
	gomock.InOrder(
		store.EXPECT().Get(gomock.Any(), LockKey).Return(nil, nil),
		store.EXPECT().Set(gomock.Any(), LockKey, gomock.Any()).DoAndReturn(capture),
		store.EXPECT().Get(gomock.Any(), LockKey).Return(nil, errors.New("io timeout")),
		// our own record from the failed round is claimed again
		store.EXPECT().Get(gomock.Any(), LockKey).DoAndReturn(current),
		store.EXPECT().Set(gomock.Any(), LockKey, gomock.Any()).DoAndReturn(capture),
		store.EXPECT().Get(gomock.Any(), LockKey).DoAndReturn(current),
	)

	require.NoError(t, svc.AcquireLock(ctx, 0))
}

func TestResetAndClear(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*kvstore.MemoryStore, *Service, *workflow.Machine) {
		clock := newClock()
		store := kvstore.NewMemoryStore(zerolog.Nop())
		svc := NewService(store, fastOptions("controller", clock), zerolog.Nop())
		m := workflow.NewMachine(0, zerolog.Nop())
		require.True(t, m.Transition(workflow.StatePreparing, workflow.Metadata{"email": "a@example.com"}))
		require.NoError(t, svc.Save(ctx, m))
		putLock(t, store, "ui-other", clock.Now())
		return store, svc, m
	}

	t.Run("foreign fresh lock blocks the clear", func(t *testing.T) {
		store, svc, m := setup(t)

		err := svc.ResetAndClear(ctx, m)
		assert.ErrorIs(t, err, ErrLockTimeout)
		assert.Equal(t, workflow.StatePreparing, m.State())
		snap, err := svc.LoadSnapshot(ctx)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, "ui-other", readLock(t, store).HolderID)
	})

	t.Run("clear waits for the foreign release", func(t *testing.T) {
		store, svc, m := setup(t)
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = store.Remove(context.Background(), LockKey)
		}()

		require.NoError(t, svc.ResetAndClear(ctx, m))
		assert.Equal(t, workflow.StateIdle, m.State())
		snap, err := svc.LoadSnapshot(ctx)
		require.NoError(t, err)
		assert.Nil(t, snap)
		assert.Nil(t, readLock(t, store))
	})
}

func TestSyncState_SingleWrite(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	clock := newClock()
	store := mocks.NewMockStore(ctrl)
	svc := NewService(store, fastOptions("controller", clock), zerolog.Nop())
	m := workflow.NewMachine(0, zerolog.Nop())
	require.True(t, m.Transition(workflow.StatePreparing, workflow.Metadata{"email": "a@example.com"}))

	store.EXPECT().SetMany(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, entries map[string][]byte) error {
			require.Len(t, entries, 2)
			assert.Equal(t, strconv.FormatInt(clock.Now().UnixMilli(), 10), string(entries[SyncKey]))
			var snap workflow.Snapshot
			require.NoError(t, json.Unmarshal(entries[StateKey], &snap))
			assert.Equal(t, workflow.StatePreparing, snap.CurrentState)
			require.NotNil(t, snap.SyncTimestamp)
			return nil
		})

	require.NoError(t, svc.Save(context.Background(), m))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := kvstore.NewMemoryStore(zerolog.Nop())
	svc := NewService(store, fastOptions("controller", clock), zerolog.Nop())

	m := workflow.NewMachine(0, zerolog.Nop())
	require.True(t, m.Transition(workflow.StatePreparing, workflow.Metadata{"email": "a@example.com"}))
	require.True(t, m.Transition(workflow.StateDetectingPage, workflow.Metadata{"url": "https://example.com"}))
	require.True(t, m.Transition(workflow.StateFillingStep1, nil))
	require.True(t, m.Transition(workflow.StateRetrying, workflow.Metadata{"reason": "timeout"}))
	require.NoError(t, svc.Save(ctx, m))

	other := NewService(store, fastOptions("ui", clock), zerolog.Nop())
	fresh := workflow.NewMachine(0, zerolog.Nop())
	ok, err := other.Load(ctx, fresh)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, m.State(), fresh.State())
	assert.Equal(t, m.PreviousState(), fresh.PreviousState())
	assert.Equal(t, m.RetryCount(), fresh.RetryCount())
	assert.Equal(t, m.Metadata(), fresh.Metadata())

	require.NoError(t, svc.Clear(ctx))
	ok, err = other.Load(ctx, workflow.NewMachine(0, zerolog.Nop()))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOnChange(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := kvstore.NewMemoryStore(zerolog.Nop())
	writer := NewService(store, fastOptions("controller", clock), zerolog.Nop())
	reader := NewService(store, fastOptions("ui", clock), zerolog.Nop())
	defer reader.Close()

	var got []*workflow.Snapshot
	reader.OnChange(func(*workflow.Snapshot) { panic("bad listener") })
	unsubscribe := reader.OnChange(func(s *workflow.Snapshot) { got = append(got, s) })

	m := workflow.NewMachine(0, zerolog.Nop())
	require.True(t, m.Transition(workflow.StatePreparing, nil))
	require.NoError(t, writer.Save(ctx, m))
	require.Len(t, got, 1)
	assert.Equal(t, workflow.StatePreparing, got[0].CurrentState)

	require.NoError(t, writer.Clear(ctx))
	require.Len(t, got, 2)
	assert.Nil(t, got[1])

	unsubscribe()
	require.NoError(t, writer.Save(ctx, m))
	assert.Len(t, got, 2)
}

func TestCheckConsistency(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := kvstore.NewMemoryStore(zerolog.Nop())
	svc := NewService(store, fastOptions("controller", clock), zerolog.Nop())

	res, err := svc.CheckConsistency(ctx)
	require.NoError(t, err)
	assert.False(t, res.HasState)

	require.NoError(t, svc.Save(ctx, workflow.NewMachine(0, zerolog.Nop())))
	clock.Advance(10 * time.Second)
	res, err = svc.CheckConsistency(ctx)
	require.NoError(t, err)
	assert.True(t, res.HasState)
	assert.False(t, res.Stale)
	assert.Equal(t, 10*time.Second, res.Lag)

	clock.Advance(21 * time.Second)
	res, err = svc.CheckConsistency(ctx)
	require.NoError(t, err)
	assert.True(t, res.Stale)
}

func TestHeartbeat_Idempotent(t *testing.T) {
	clock := newClock()
	store := kvstore.NewMemoryStore(zerolog.Nop())
	svc := NewService(store, fastOptions("controller", clock), zerolog.Nop())

	svc.StopHeartbeat()
	svc.StartHeartbeat(context.Background())
	svc.StartHeartbeat(context.Background())
	time.Sleep(20 * time.Millisecond)
	svc.StopHeartbeat()
	svc.StopHeartbeat()
	svc.Close()
}
