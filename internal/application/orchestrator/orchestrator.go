package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/regflow/internal/application/poller"
	"github.com/execution-hub/regflow/internal/application/statesync"
	"github.com/execution-hub/regflow/internal/application/validator"
	"github.com/execution-hub/regflow/internal/domain/registration"
	"github.com/execution-hub/regflow/internal/domain/workflow"
)

var (
	ErrInProgress        = errors.New("a registration is already in progress")
	ErrNotStarted        = errors.New("no registration in progress")
	ErrNoRoute           = errors.New("event does not apply in the current state")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Options tunes remote account creation.
type Options struct {
	CreateAttempts int
	CreateBackoff  time.Duration
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.CreateAttempts <= 0 {
		o.CreateAttempts = 3
	}
	if o.CreateBackoff <= 0 {
		o.CreateBackoff = time.Second
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Orchestrator drives the registration workflow in response to page agent
// events and verification code deliveries.
type Orchestrator struct {
	machine   *workflow.Machine
	sync      *statesync.Service
	validator *validator.Validator
	poller    *poller.Poller
	accounts  registration.AccountService
	records   registration.RecordRepository
	agent     PageAgent
	routes    []route
	opts      Options
	logger    zerolog.Logger

	mu         sync.Mutex
	record     *registration.Record
	stopVerify context.CancelFunc
	verifyDone chan struct{}
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(
	machine *workflow.Machine,
	syncSvc *statesync.Service,
	v *validator.Validator,
	p *poller.Poller,
	accounts registration.AccountService,
	records registration.RecordRepository,
	agent PageAgent,
	opts Options,
	logger zerolog.Logger,
) (*Orchestrator, error) {
	routes, err := compileRoutes(routeTable)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		machine:   machine,
		sync:      syncSvc,
		validator: v,
		poller:    p,
		accounts:  accounts,
		records:   records,
		agent:     agent,
		routes:    routes,
		opts:      opts.withDefaults(),
		logger:    logger.With().Str("service", "orchestrator").Logger(),
	}, nil
}

// Subscribe registers fn for every accepted transition.
func (o *Orchestrator) Subscribe(fn func(workflow.Change)) (unsubscribe func()) {
	return o.machine.Subscribe(fn)
}

// StateView is the presentational state of the workflow.
type StateView struct {
	Snapshot    workflow.Snapshot `json:"snapshot"`
	Progress    int               `json:"progress"`
	Text        string            `json:"text"`
	CanRetry    bool              `json:"canRetry"`
	CanStartNew bool              `json:"canStartNew"`
	// Next lists the states reachable from the current one.
	Next []workflow.State `json:"next"`
}

// State returns the current workflow state.
func (o *Orchestrator) State() StateView {
	snap := o.machine.Snapshot()
	return StateView{
		Snapshot:    snap,
		Progress:    snap.CurrentState.Progress(),
		Text:        snap.CurrentState.Text(),
		CanRetry:    o.machine.CanRetry(),
		CanStartNew: o.machine.CanStartNewRegistration(),
		Next:        snap.CurrentState.AllowedTargets(),
	}
}

// Record returns a copy of the current registration record, or nil.
func (o *Orchestrator) Record() *registration.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.record == nil {
		return nil
	}
	rec := *o.record
	return &rec
}

func (o *Orchestrator) currentRecord() *registration.Record {
	if rec := o.Record(); rec != nil {
		return rec
	}
	return registration.RecordFromMetadata(o.machine.Metadata())
}

// commit applies a transition and persists the result under the state lock.
// A snapshot persisted by another context since our last write is adopted
// before the transition is checked.
func (o *Orchestrator) commit(ctx context.Context, to workflow.State, patch workflow.Metadata) error {
	return o.sync.ExecuteWithLock(ctx, func(ctx context.Context) error {
		if err := o.adoptNewer(ctx); err != nil {
			return err
		}
		from := o.machine.State()
		if !o.machine.Transition(to, patch) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
		return o.sync.Save(ctx, o.machine)
	})
}

func (o *Orchestrator) adoptNewer(ctx context.Context) error {
	persisted, err := o.sync.LoadSnapshot(ctx)
	if err != nil || persisted == nil {
		return err
	}
	local := o.machine.Snapshot()
	if !persisted.Timestamp.After(local.Timestamp) {
		return nil
	}
	o.logger.Info().
		Str("local_state", string(local.CurrentState)).
		Str("persisted_state", string(persisted.CurrentState)).
		Msg("adopting newer persisted state")
	return o.machine.Restore(*persisted)
}

// fail moves the workflow to ERROR with reason. Failures to do so are only
// logged since the caller is already on an error path.
func (o *Orchestrator) fail(ctx context.Context, reason string) {
	if err := o.commit(ctx, workflow.StateError, workflow.Metadata{"reason": reason}); err != nil {
		o.logger.Error().Err(err).Str("reason", reason).Msg("failed to record workflow error")
		return
	}
	o.updateRecord(ctx, func(rec *registration.Record) { rec.MarkFailed(o.opts.Now()) })
}

// Start begins a registration for id. An in-progress registration is first
// reconciled; it blocks the new one unless the validator discards it.
func (o *Orchestrator) Start(ctx context.Context, id registration.Identity) (*registration.Record, error) {
	if o.machine.IsInProgress() {
		res, err := o.validator.SmartCheckAndHandle(ctx, o.currentRecord(), o.machine)
		if err != nil {
			return nil, err
		}
		if !res.CanStartNew {
			return nil, fmt.Errorf("%w: %s", ErrInProgress, res.Verdict.Reason)
		}
	}
	o.stopVerification()
	if err := o.sync.ResetAndClear(ctx, o.machine); err != nil {
		return nil, err
	}

	rec, err := registration.NewRecord(id, o.opts.Now())
	if err != nil {
		return nil, err
	}
	o.setRecord(rec)

	if err := o.commit(ctx, workflow.StatePreparing, rec.Metadata()); err != nil {
		return nil, err
	}
	if err := o.records.Save(ctx, rec); err != nil {
		o.fail(ctx, "failed to cache record: "+err.Error())
		return nil, err
	}

	// the validator reports sync_failed later if the account never lands remotely
	if err := o.createAccount(ctx, rec); err != nil {
		o.logger.Warn().Err(err).Str("email", rec.Email).Msg("remote account not created")
	}
	if err := o.accounts.StartMonitor(ctx, rec.Email, rec.SessionID); err != nil {
		o.logger.Warn().Err(err).Str("session_id", rec.SessionID).Msg("failed to start mailbox monitor")
	}

	if err := o.commit(ctx, workflow.StateDetectingPage, nil); err != nil {
		return nil, err
	}
	o.logger.Info().Str("email", rec.Email).Str("session_id", rec.SessionID).Msg("registration started")
	return o.Record(), nil
}

func (o *Orchestrator) setRecord(rec *registration.Record) {
	o.mu.Lock()
	o.record = rec
	o.mu.Unlock()
}

func (o *Orchestrator) updateRecord(ctx context.Context, fn func(rec *registration.Record)) {
	o.mu.Lock()
	if o.record == nil {
		o.mu.Unlock()
		return
	}
	fn(o.record)
	rec := *o.record
	o.mu.Unlock()
	if err := o.records.Save(ctx, &rec); err != nil {
		o.logger.Warn().Err(err).Str("email", rec.Email).Msg("failed to cache record")
	}
}

func (o *Orchestrator) createAccount(ctx context.Context, rec *registration.Record) error {
	var err error
	for attempt := 1; attempt <= o.opts.CreateAttempts; attempt++ {
		if err = o.accounts.Create(ctx, rec); err == nil {
			return nil
		}
		o.logger.Warn().Err(err).Int("attempt", attempt).Msg("create account failed")
		if attempt == o.opts.CreateAttempts {
			break
		}
		t := time.NewTimer(o.opts.CreateBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("create account after %d attempts: %w", o.opts.CreateAttempts, err)
}

// HandleEvent routes a page agent event to a transition and runs the side
// effects of the entered state.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) (workflow.State, error) {
	params := eventParams(ev.Payload)
	from := o.machine.State()
	var target *route
	for i := range o.routes {
		r := &o.routes[i]
		if r.event != ev.Type || r.from != from {
			continue
		}
		ok, err := evaluateCondition(r.expr, params)
		if err != nil {
			o.logger.Warn().Err(err).Str("event", string(ev.Type)).Str("condition", r.when).Msg("route condition failed")
			continue
		}
		if ok {
			target = r
			break
		}
	}
	if target == nil {
		o.logger.Debug().Str("event", string(ev.Type)).Str("state", string(from)).Msg("event ignored")
		return from, fmt.Errorf("%w: %s in %s", ErrNoRoute, ev.Type, from)
	}

	if err := o.commit(ctx, target.to, eventPatch(ev, params, target.to)); err != nil {
		return o.machine.State(), err
	}

	switch target.to {
	case workflow.StateFillingStep1, workflow.StateFillingStep2:
		o.fillForm(ctx)
	case workflow.StateWaitingStep1Submit, workflow.StateWaitingVerification:
		o.updateRecord(ctx, func(rec *registration.Record) {
			rec.Submitted = true
			rec.UpdatedAt = o.opts.Now()
		})
		if target.to == workflow.StateWaitingVerification {
			o.startVerification(ctx)
		}
	case workflow.StateError:
		o.updateRecord(ctx, func(rec *registration.Record) { rec.MarkFailed(o.opts.Now()) })
	}
	return o.machine.State(), nil
}

func (o *Orchestrator) fillForm(ctx context.Context) {
	rec := o.Record()
	if rec == nil {
		o.fail(ctx, "no registration record to fill")
		return
	}
	res, err := o.agent.FillForm(ctx, rec)
	switch {
	case err != nil:
		o.fail(ctx, "form fill failed: "+err.Error())
	case !res.Success:
		reason := res.Error
		if reason == "" {
			reason = "page agent reported a failed fill"
		}
		o.fail(ctx, reason)
	}
}

// startVerification launches the verification loop unless one is running.
func (o *Orchestrator) startVerification(ctx context.Context) {
	rec := o.Record()
	if rec == nil {
		o.fail(ctx, "no registration record to verify")
		return
	}
	o.mu.Lock()
	if o.stopVerify != nil {
		o.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	o.stopVerify = cancel
	o.verifyDone = done
	o.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			o.mu.Lock()
			if o.verifyDone == done {
				o.stopVerify = nil
				o.verifyDone = nil
			}
			o.mu.Unlock()
			cancel()
		}()
		o.verify(runCtx, rec)
	}()
}

func (o *Orchestrator) verify(ctx context.Context, rec *registration.Record) {
	q := poller.Query{SessionID: rec.SessionID, Email: rec.Email}
	d, err := o.poller.Run(ctx, q, machineDriver{o}, o.rearm)
	switch {
	case err == nil:
		o.complete(ctx, d.Code)
	case errors.Is(err, context.Canceled):
		o.logger.Info().Str("session_id", rec.SessionID).Msg("verification stopped")
	default:
		o.logger.Warn().Err(err).Str("session_id", rec.SessionID).Msg("verification failed")
		o.updateRecord(ctx, func(r *registration.Record) { r.MarkFailed(o.opts.Now()) })
		update := registration.StatusUpdate{Status: registration.StatusFailed, ErrorMessage: err.Error()}
		if uerr := o.accounts.UpdateStatus(ctx, rec.Email, update); uerr != nil {
			o.logger.Warn().Err(uerr).Msg("failed to report verification failure")
		}
	}
}

// rearm resubmits the second step so a fresh code is sent.
func (o *Orchestrator) rearm(ctx context.Context) error {
	if err := o.commit(ctx, workflow.StateFillingStep2, workflow.Metadata{"last_event": "rearm"}); err != nil {
		return err
	}
	rec := o.Record()
	if rec == nil {
		return ErrNotStarted
	}
	res, err := o.agent.FillForm(ctx, rec)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("page agent: %s", res.Error)
	}
	return o.commit(ctx, workflow.StateWaitingVerification, nil)
}

// complete fills the delivered code and finishes the workflow.
func (o *Orchestrator) complete(ctx context.Context, code string) {
	if st := o.machine.State(); st != workflow.StateWaitingVerification {
		if !st.CanTransitionTo(workflow.StateWaitingVerification) {
			o.logger.Warn().Str("state", string(st)).Msg("code delivered but workflow cannot complete from here")
			return
		}
		if err := o.commit(ctx, workflow.StateWaitingVerification, nil); err != nil {
			o.logger.Error().Err(err).Msg("failed to enter verification")
			return
		}
	}
	if err := o.agent.FillVerificationCode(ctx, code); err != nil {
		o.fail(ctx, "failed to fill verification code: "+err.Error())
		return
	}
	if err := o.commit(ctx, workflow.StateCompleted, workflow.Metadata{registration.MetaCode: code}); err != nil {
		o.logger.Error().Err(err).Msg("failed to complete registration")
		return
	}

	now := o.opts.Now()
	o.updateRecord(ctx, func(rec *registration.Record) { rec.MarkVerified(code, now) })
	rec := o.Record()
	if rec == nil {
		return
	}
	update := registration.StatusUpdate{Status: registration.StatusVerified, VerificationCode: code}
	if err := o.accounts.UpdateStatus(ctx, rec.Email, update); err != nil {
		o.logger.Warn().Err(err).Str("email", rec.Email).Msg("failed to mark account verified")
	}
	o.logger.Info().Str("email", rec.Email).Msg("registration completed")
}

// Restore resumes or discards the persisted workflow after a cold start.
// It returns nil when nothing was persisted.
func (o *Orchestrator) Restore(ctx context.Context) (*validator.CheckResult, error) {
	var resume bool
	err := o.sync.ExecuteWithLock(ctx, func(ctx context.Context) error {
		loaded, err := o.sync.Load(ctx, o.machine)
		if err != nil || !loaded {
			return err
		}
		if st := o.machine.State(); st == workflow.StateCompleted || st == workflow.StateError {
			o.logger.Info().Str("state", string(st)).Msg("discarding finished workflow")
			o.machine.Reset()
			return o.sync.Clear(ctx)
		}
		resume = true
		return nil
	})
	if err != nil || !resume {
		return nil, err
	}

	rec := registration.RecordFromMetadata(o.machine.Metadata())
	if rec != nil {
		cached, err := o.records.Get(ctx, rec.Email)
		if err != nil {
			o.logger.Warn().Err(err).Str("email", rec.Email).Msg("record cache unavailable")
		} else if cached != nil {
			rec = cached
		}
	}
	o.setRecord(rec)

	res, err := o.validator.SmartCheckAndHandle(ctx, rec, o.machine)
	if err != nil {
		return nil, err
	}
	o.logger.Info().
		Str("state", string(o.machine.State())).
		Str("action", string(res.Outcome.Action)).
		Msg("restored workflow")

	switch res.Outcome.Action {
	case validator.ActionCleared, validator.ActionRetry:
		o.setRecord(nil)
	case validator.ActionContinue:
		switch {
		case res.Outcome.VerificationCode != "":
			o.complete(ctx, res.Outcome.VerificationCode)
		case o.machine.State() == workflow.StateWaitingVerification:
			o.startVerification(ctx)
		}
	}
	return &res, nil
}

// Validate reconciles the current record and applies the recommendation.
func (o *Orchestrator) Validate(ctx context.Context) (validator.CheckResult, error) {
	rec := o.currentRecord()
	if rec == nil {
		return validator.CheckResult{}, ErrNotStarted
	}
	res, err := o.validator.SmartCheckAndHandle(ctx, rec, o.machine)
	if err != nil {
		return res, err
	}
	switch res.Outcome.Action {
	case validator.ActionCleared, validator.ActionRetry:
		o.stopVerification()
		o.setRecord(nil)
	}
	return res, nil
}

// Reset stops any verification loop, returns the workflow to IDLE and erases
// the persisted state.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.stopVerification()
	o.setRecord(nil)
	return o.sync.ResetAndClear(ctx, o.machine)
}

// Stop ends monitoring for the current registration.
func (o *Orchestrator) Stop(ctx context.Context) error {
	rec := o.Record()
	if rec == nil && !o.machine.IsInProgress() {
		return ErrNotStarted
	}
	if rec != nil {
		o.logger.Info().Str("session_id", rec.SessionID).Msg("monitoring stopped")
	}
	return o.Reset(ctx)
}

func (o *Orchestrator) stopVerification() {
	o.mu.Lock()
	cancel, done := o.stopVerify, o.verifyDone
	o.stopVerify, o.verifyDone = nil, nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops background work.
func (o *Orchestrator) Close() {
	o.stopVerification()
}

// machineDriver exposes the machine to the poller with persisted transitions.
type machineDriver struct {
	o *Orchestrator
}

func (d machineDriver) State() workflow.State { return d.o.machine.State() }
func (d machineDriver) CanRetry() bool        { return d.o.machine.CanRetry() }
func (d machineDriver) RetryCount() int       { return d.o.machine.RetryCount() }
func (d machineDriver) MaxRetries() int       { return d.o.machine.MaxRetries() }

func (d machineDriver) Transition(ctx context.Context, target workflow.State, patch workflow.Metadata) error {
	return d.o.commit(ctx, target, patch)
}
