package poller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/regflow/internal/domain/registration"
	"github.com/execution-hub/regflow/internal/domain/workflow"
)

var (
	ErrDeadlineExceeded = errors.New("no verification code before deadline")
	ErrRetriesExhausted = errors.New("verification retries exhausted")
)

// CodeChecker asks whether a verification code has been delivered.
// It returns nil when nothing has arrived yet.
type CodeChecker interface {
	CheckCode(ctx context.Context, sessionID, email string) (*registration.Delivery, error)
}

// Query correlates a poll with one registration.
type Query struct {
	SessionID string
	Email     string
}

// Options configures polling cadence and bounds.
type Options struct {
	Interval       time.Duration
	Jitter         time.Duration
	Deadline       time.Duration
	Cooldown       time.Duration
	RequestTimeout time.Duration
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		Interval:       2 * time.Second,
		Jitter:         300 * time.Millisecond,
		Deadline:       120 * time.Second,
		Cooldown:       3 * time.Second,
		RequestTimeout: 3 * time.Second,
	}
}

// Poller polls a CodeChecker for verification codes.
type Poller struct {
	checker CodeChecker
	opts    Options
	logger  zerolog.Logger
}

func New(checker CodeChecker, opts Options, logger zerolog.Logger) *Poller {
	d := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = d.Interval
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	if opts.Deadline <= 0 {
		opts.Deadline = d.Deadline
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = d.Cooldown
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = d.RequestTimeout
	}
	return &Poller{
		checker: checker,
		opts:    opts,
		logger:  logger.With().Str("service", "poller").Logger(),
	}
}

func (p *Poller) nextInterval() time.Duration {
	if p.opts.Jitter == 0 {
		return p.opts.Interval
	}
	j := int64(p.opts.Jitter)
	d := p.opts.Interval + time.Duration(rand.Int63n(2*j+1)-j)
	if d < 0 {
		return 0
	}
	return d
}

// Subscription is a running poll. Stop is idempotent.
type Subscription struct {
	active   atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Stop halts scheduling. A check already in flight completes but its result
// is discarded.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.active.Store(false)
		close(s.stop)
	})
}

// Done is closed when the poll goroutine exits.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe checks immediately and then on every jittered interval until
// ctx ends or Stop is called. fn runs at most once per distinct delivery.
func (p *Poller) Subscribe(ctx context.Context, q Query, fn func(registration.Delivery)) *Subscription {
	sub := &Subscription{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	sub.active.Store(true)
	go p.run(ctx, q, sub, fn)
	return sub
}

func (p *Poller) run(ctx context.Context, q Query, sub *Subscription, fn func(registration.Delivery)) {
	defer close(sub.done)
	seen := make(map[string]struct{})
	check := func() {
		// the round deadline must not cut an in-flight request short
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.RequestTimeout)
		d, err := p.checker.CheckCode(reqCtx, q.SessionID, q.Email)
		cancel()
		if !sub.active.Load() || ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Debug().Err(err).Str("session_id", q.SessionID).Msg("code check failed")
			return
		}
		if d == nil || d.Code == "" {
			return
		}
		sig := d.Signature()
		if _, ok := seen[sig]; ok {
			return
		}
		seen[sig] = struct{}{}
		fn(*d)
	}

	check()
	for {
		timer := time.NewTimer(p.nextInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-sub.stop:
			timer.Stop()
			return
		case <-timer.C:
			if !sub.active.Load() {
				return
			}
			check()
		}
	}
}

// Await polls until the first delivery or the configured deadline.
func (p *Poller) Await(ctx context.Context, q Query) (registration.Delivery, error) {
	roundCtx, cancel := context.WithTimeout(ctx, p.opts.Deadline)
	defer cancel()

	found := make(chan registration.Delivery, 1)
	sub := p.Subscribe(roundCtx, q, func(d registration.Delivery) {
		select {
		case found <- d:
		default:
		}
	})
	defer sub.Stop()

	select {
	case d := <-found:
		return d, nil
	case <-roundCtx.Done():
		if err := ctx.Err(); err != nil {
			return registration.Delivery{}, err
		}
		return registration.Delivery{}, ErrDeadlineExceeded
	}
}

// Workflow is the state machine view the retry policy drives. Transition
// returns an error when the move was rejected or could not be persisted.
type Workflow interface {
	State() workflow.State
	CanRetry() bool
	RetryCount() int
	MaxRetries() int
	Transition(ctx context.Context, target workflow.State, patch workflow.Metadata) error
}

// Rearm prepares the page for another verification round. It is called with
// the workflow in DETECTING_PAGE and should bring it back to
// WAITING_VERIFICATION.
type Rearm func(ctx context.Context) error

// Run awaits a code with the bounded retry policy. Each exhausted round
// moves the workflow to RETRYING, waits the cooldown, re-enters
// DETECTING_PAGE and rearms. WAITING_VERIFICATION has no direct edge to
// RETRYING, so from there the timeout is first recorded as ERROR. When no
// retry is left the workflow moves to ERROR with a reason and
// ErrRetriesExhausted is returned.
func (p *Poller) Run(ctx context.Context, q Query, wf Workflow, rearm Rearm) (registration.Delivery, error) {
	for {
		d, err := p.Await(ctx, q)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrDeadlineExceeded) {
			return registration.Delivery{}, err
		}

		if !wf.CanRetry() {
			reason := fmt.Sprintf("no verification code after %d retries", wf.RetryCount())
			if terr := wf.Transition(ctx, workflow.StateError, workflow.Metadata{"reason": reason}); terr != nil {
				p.logger.Error().Err(terr).Msg("failed to record verification failure")
			}
			return registration.Delivery{}, fmt.Errorf("%w: %s", ErrRetriesExhausted, reason)
		}

		attempt := wf.RetryCount() + 1
		p.logger.Info().
			Int("retry_count", attempt).
			Int("max_retries", wf.MaxRetries()).
			Str("session_id", q.SessionID).
			Msg("verification round timed out, retrying")
		if !wf.State().CanTransitionTo(workflow.StateRetrying) {
			err = wf.Transition(ctx, workflow.StateError, workflow.Metadata{
				"reason": fmt.Sprintf("verification code timeout (attempt %d of %d)", attempt, wf.MaxRetries()+1),
			})
			if err != nil {
				return registration.Delivery{}, err
			}
		}
		err = wf.Transition(ctx, workflow.StateRetrying, workflow.Metadata{
			"reason":     "verification code timeout",
			"retryCount": attempt,
			"maxRetries": wf.MaxRetries(),
		})
		if err != nil {
			return registration.Delivery{}, err
		}

		if err := sleep(ctx, p.opts.Cooldown); err != nil {
			return registration.Delivery{}, err
		}
		if err := wf.Transition(ctx, workflow.StateDetectingPage, nil); err != nil {
			return registration.Delivery{}, err
		}
		if rearm != nil {
			if err := rearm(ctx); err != nil {
				reason := "failed to re-arm page: " + err.Error()
				if terr := wf.Transition(ctx, workflow.StateError, workflow.Metadata{"reason": reason}); terr != nil {
					p.logger.Error().Err(terr).Msg("failed to record rearm failure")
				}
				return registration.Delivery{}, err
			}
		}
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
