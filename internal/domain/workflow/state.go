package workflow

import (
	"errors"
	"time"
)

// State represents a registration workflow state.
type State string

const (
	StateIdle                State = "IDLE"
	StatePreparing           State = "PREPARING"
	StateDetectingPage       State = "DETECTING_PAGE"
	StateFillingStep1        State = "FILLING_STEP1"
	StateWaitingStep1Submit  State = "WAITING_STEP1_SUBMIT"
	StateFillingStep2        State = "FILLING_STEP2"
	StateWaitingCloudflare   State = "WAITING_CLOUDFLARE"
	StateWaitingVerification State = "WAITING_VERIFICATION"
	StateCompleted           State = "COMPLETED"
	StateError               State = "ERROR"
	StateRetrying            State = "RETRYING"
)

// DefaultMaxRetries bounds the number of RETRYING entries per attempt.
const DefaultMaxRetries = 3

var (
	ErrUnknownState = errors.New("unknown workflow state")
)

var transitions = map[State][]State{
	StateIdle:                {StatePreparing},
	StatePreparing:           {StateDetectingPage, StateError},
	StateDetectingPage:       {StateFillingStep1, StateFillingStep2, StateError},
	StateFillingStep1:        {StateWaitingStep1Submit, StateWaitingVerification, StateError, StateRetrying},
	StateWaitingStep1Submit:  {StateFillingStep2, StateWaitingVerification, StateError, StateRetrying},
	StateFillingStep2:        {StateWaitingCloudflare, StateWaitingVerification, StateError, StateRetrying},
	StateWaitingCloudflare:   {StateWaitingVerification, StateError, StateRetrying},
	StateWaitingVerification: {StateCompleted, StateError},
	StateCompleted:           {StateIdle},
	StateError:               {StateRetrying, StateIdle},
	StateRetrying:            {StateDetectingPage, StateError, StateIdle},
}

var progress = map[State]int{
	StateIdle:                0,
	StatePreparing:           10,
	StateDetectingPage:       20,
	StateFillingStep1:        30,
	StateWaitingStep1Submit:  40,
	StateFillingStep2:        50,
	StateWaitingCloudflare:   70,
	StateWaitingVerification: 85,
	StateCompleted:           100,
	StateError:               0,
	StateRetrying:            15,
}

var stateText = map[State]string{
	StateIdle:                "Ready",
	StatePreparing:           "Preparing registration",
	StateDetectingPage:       "Detecting page",
	StateFillingStep1:        "Filling step 1",
	StateWaitingStep1Submit:  "Waiting for step 1 submit",
	StateFillingStep2:        "Filling step 2",
	StateWaitingCloudflare:   "Waiting for human verification",
	StateWaitingVerification: "Waiting for verification code",
	StateCompleted:           "Registration completed",
	StateError:               "Registration failed",
	StateRetrying:            "Retrying",
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo validates a state transition.
func (s State) CanTransitionTo(target State) bool {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// AllowedTargets returns the states reachable from s in one step.
func (s State) AllowedTargets() []State {
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// Progress returns the presentational completion percentage of s.
func (s State) Progress() int {
	return progress[s]
}

// Text returns a human readable label.
func (s State) Text() string {
	if t, ok := stateText[s]; ok {
		return t
	}
	return string(s)
}

// InProgress reports whether s is neither idle nor terminal.
func (s State) InProgress() bool {
	switch s {
	case StateIdle, StateCompleted, StateError:
		return false
	}
	return s.Valid()
}

// Metadata is the free-form context carried across transitions.
type Metadata map[string]any

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String returns the value of key if it is a string.
func (m Metadata) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// HistoryEntry records one accepted transition.
type HistoryEntry struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata,omitempty"`
}

// Snapshot is the persisted form of a Machine.
type Snapshot struct {
	CurrentState  State          `json:"currentState"`
	PreviousState State          `json:"previousState,omitempty"`
	RetryCount    int            `json:"retryCount"`
	MaxRetries    int            `json:"maxRetries"`
	Metadata      Metadata       `json:"metadata"`
	History       []HistoryEntry `json:"history"`
	Timestamp     time.Time      `json:"timestamp"`
	SyncTimestamp *time.Time     `json:"syncTimestamp,omitempty"`
}

// Change is delivered to listeners after every accepted transition.
type Change struct {
	From     State
	To       State
	Patch    Metadata
	Snapshot Snapshot
}
