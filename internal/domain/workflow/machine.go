package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/regflow/internal/domain/event"
)

// Machine is the registration state machine. It performs no I/O.
//
// Transitions are serialized and listener notification happens while the
// transition is still in progress, so a listener must not call Transition
// synchronously. Reading accessors from a listener is fine.
type Machine struct {
	transitionMu sync.Mutex

	mu         sync.RWMutex
	state      State
	previous   State
	retryCount int
	maxRetries int
	metadata   Metadata
	history    []HistoryEntry
	updatedAt  time.Time

	listeners event.Registry[Change]
	now       func() time.Time
	logger    zerolog.Logger
}

// NewMachine creates an idle machine. maxRetries <= 0 selects DefaultMaxRetries.
func NewMachine(maxRetries int, logger zerolog.Logger) *Machine {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	m := &Machine{
		state:      StateIdle,
		maxRetries: maxRetries,
		metadata:   Metadata{},
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With().Str("component", "fsm").Logger(),
	}
	m.updatedAt = m.now()
	return m
}

// Transition moves the machine to target, merging patch into the metadata.
// It returns false without side effects when the move is not allowed.
//
// Entering RETRYING increments the retry count and entering IDLE, PREPARING
// or COMPLETED zeroes it. Every other target, ERROR and the page states of a
// retried attempt included, leaves the count unchanged.
func (m *Machine) Transition(target State, patch Metadata) bool {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	from := m.state
	if !from.CanTransitionTo(target) {
		m.mu.Unlock()
		m.logger.Warn().
			Str("from", string(from)).
			Str("to", string(target)).
			Msg("illegal transition rejected")
		return false
	}

	now := m.now()
	m.previous = from
	m.state = target
	for k, v := range patch {
		m.metadata[k] = v
	}
	switch target {
	case StateRetrying:
		m.retryCount++
	case StateIdle, StatePreparing, StateCompleted:
		m.retryCount = 0
	}
	m.history = append(m.history, HistoryEntry{State: target, Timestamp: now, Metadata: patch.Clone()})
	m.updatedAt = now
	change := Change{From: from, To: target, Patch: patch.Clone(), Snapshot: m.snapshotLocked()}
	m.mu.Unlock()

	m.logger.Info().
		Str("from", string(from)).
		Str("to", string(target)).
		Int("retry_count", change.Snapshot.RetryCount).
		Msg("state transition")

	m.listeners.Publish(change, func(err error) {
		m.logger.Error().Err(err).Str("to", string(target)).Msg("state listener failed")
	})
	return true
}

// Subscribe registers a listener for accepted transitions.
func (m *Machine) Subscribe(fn func(Change)) (unsubscribe func()) {
	return m.listeners.Subscribe(fn)
}

// Resetter returns a state machine to IDLE.
type Resetter interface {
	Reset()
}

// Reset returns the machine to IDLE and discards metadata and history.
// Listeners are not notified.
func (m *Machine) Reset() {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
	m.previous = ""
	m.retryCount = 0
	m.metadata = Metadata{}
	m.history = nil
	m.updatedAt = m.now()
}

// Restore replaces the machine contents with a persisted snapshot.
func (m *Machine) Restore(s Snapshot) error {
	if !s.CurrentState.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, s.CurrentState)
	}
	if s.PreviousState != "" && !s.PreviousState.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, s.PreviousState)
	}
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s.CurrentState
	m.previous = s.PreviousState
	m.retryCount = s.RetryCount
	if s.MaxRetries > 0 {
		m.maxRetries = s.MaxRetries
	}
	m.metadata = s.Metadata.Clone()
	m.history = append([]HistoryEntry(nil), s.History...)
	m.updatedAt = s.Timestamp
	return nil
}

// Snapshot returns a copy of the machine contents.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		CurrentState:  m.state,
		PreviousState: m.previous,
		RetryCount:    m.retryCount,
		MaxRetries:    m.maxRetries,
		Metadata:      m.metadata.Clone(),
		History:       append([]HistoryEntry(nil), m.history...),
		Timestamp:     m.updatedAt,
	}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) PreviousState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.previous
}

// Metadata returns a copy of the accumulated metadata.
func (m *Machine) Metadata() Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata.Clone()
}

func (m *Machine) History() []HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]HistoryEntry(nil), m.history...)
}

func (m *Machine) RetryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retryCount
}

func (m *Machine) MaxRetries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxRetries
}

// Progress returns the completion percentage of the current state.
func (m *Machine) Progress() int {
	return m.State().Progress()
}

// StateText returns a human readable label for the current state.
func (m *Machine) StateText() string {
	return m.State().Text()
}

// ShouldAutoRestore reports whether a persisted run should be resumed.
func (m *Machine) ShouldAutoRestore() bool {
	return m.State().InProgress()
}

// CanRetry reports whether another RETRYING entry is allowed.
func (m *Machine) CanRetry() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retryCount < m.maxRetries
}

// CanStartNewRegistration reports whether a fresh attempt may begin.
func (m *Machine) CanStartNewRegistration() bool {
	switch m.State() {
	case StateIdle, StateCompleted, StateError:
		return true
	}
	return false
}

func (m *Machine) IsIdle() bool      { return m.State() == StateIdle }
func (m *Machine) IsCompleted() bool { return m.State() == StateCompleted }
func (m *Machine) IsError() bool     { return m.State() == StateError }
func (m *Machine) IsInProgress() bool {
	return m.State().InProgress()
}
