package validator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/regflow/internal/domain/registration"
	"github.com/execution-hub/regflow/internal/domain/workflow"
)

// StateEraser resets a machine and erases the persisted workflow state as
// one locked operation.
type StateEraser interface {
	ResetAndClear(ctx context.Context, m workflow.Resetter) error
}

// Options configures the validity windows and remote call timeouts.
type Options struct {
	Expiry         time.Duration
	Warning        time.Duration
	RequestTimeout time.Duration
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Expiry <= 0 {
		o.Expiry = 30 * time.Minute
	}
	if o.Warning <= 0 {
		o.Warning = 10 * time.Minute
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 3 * time.Second
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Validator reconciles a cached registration record with the remote
// account service.
type Validator struct {
	accounts registration.AccountService
	eraser   StateEraser
	opts     Options
	logger   zerolog.Logger
}

func NewValidator(accounts registration.AccountService, eraser StateEraser, opts Options, logger zerolog.Logger) *Validator {
	return &Validator{
		accounts: accounts,
		eraser:   eraser,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("service", "validator").Logger(),
	}
}

// Validate computes the verdict for rec. Remote failures degrade the
// affected signal instead of failing the validation.
func (v *Validator) Validate(ctx context.Context, rec *registration.Record) Verdict {
	if rec == nil || rec.Email == "" {
		return Verdict{
			RealStatus:     StatusInvalid,
			Reason:         "record has no email",
			NeedReset:      true,
			Recommendation: RecommendNone,
		}
	}

	signals := v.Gather(ctx, rec)
	verdict := Decide(signals)
	v.logger.Info().
		Str("email", rec.Email).
		Str("real_status", string(verdict.RealStatus)).
		Str("recommendation", string(verdict.Recommendation)).
		Str("reason", verdict.Reason).
		Msg("record validated")
	return verdict
}

// Gather collects the four signals for rec. The two remote lookups run
// concurrently, each under its own timeout.
func (v *Validator) Gather(ctx context.Context, rec *registration.Record) Signals {
	var s Signals
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Remote = v.remoteStatus(ctx, rec.Email)
	}()
	go func() {
		defer wg.Done()
		s.Delivery = v.deliveredCode(ctx, rec.SessionID, rec.Email)
	}()
	wg.Wait()

	s.Time = v.timeValidity(rec.CreatedAt)
	s.Local = LocalSignal{Complete: rec.Complete(), HasAllFields: rec.HasAllFields()}
	return s
}

func (v *Validator) remoteStatus(ctx context.Context, email string) RemoteSignal {
	ctx, cancel := context.WithTimeout(ctx, v.opts.RequestTimeout)
	defer cancel()
	acct, err := v.accounts.Find(ctx, email)
	if err != nil {
		v.logger.Warn().Err(err).Str("email", email).Msg("remote status unavailable")
		return RemoteSignal{}
	}
	if acct == nil {
		return RemoteSignal{}
	}
	return RemoteSignal{
		Exists:     true,
		Status:     string(acct.Status),
		VerifiedAt: acct.VerifiedAt,
		CreatedAt:  acct.CreatedAt,
	}
}

func (v *Validator) deliveredCode(ctx context.Context, sessionID, email string) DeliverySignal {
	if sessionID == "" && email == "" {
		return DeliverySignal{}
	}
	ctx, cancel := context.WithTimeout(ctx, v.opts.RequestTimeout)
	defer cancel()
	d, err := v.accounts.CheckCode(ctx, sessionID, email)
	if err != nil {
		v.logger.Warn().Err(err).Str("session_id", sessionID).Msg("code lookup unavailable")
		return DeliverySignal{}
	}
	if d == nil || d.Code == "" {
		return DeliverySignal{}
	}
	return DeliverySignal{Exists: true, Code: d.Code, ReceivedAt: d.ReceivedAt}
}

func (v *Validator) timeValidity(createdAt time.Time) TimeSignal {
	if createdAt.IsZero() {
		return TimeSignal{}
	}
	elapsed := v.opts.Now().Sub(createdAt)
	return TimeSignal{
		Elapsed: elapsed,
		Expired: elapsed > v.opts.Expiry,
		Warning: elapsed > v.opts.Warning,
	}
}

// Action is what ExecuteRecommendation did.
type Action string

const (
	ActionCleared  Action = "cleared"
	ActionContinue Action = "continue"
	ActionRetry    Action = "retry"
	ActionNone     Action = "none"
)

// Outcome describes the side effect taken for a verdict.
type Outcome struct {
	Action           Action `json:"action"`
	Message          string `json:"message"`
	VerificationCode string `json:"verificationCode,omitempty"`
}

// ExecuteRecommendation applies the verdict. clear and retry reset the
// machine and erase persisted state; continue and none have no side effect.
func (v *Validator) ExecuteRecommendation(ctx context.Context, verdict Verdict, m workflow.Resetter) (Outcome, error) {
	switch verdict.Recommendation {
	case RecommendClear, RecommendRetry:
		if err := v.eraser.ResetAndClear(ctx, m); err != nil {
			return Outcome{}, err
		}
		if verdict.Recommendation == RecommendRetry {
			return Outcome{Action: ActionRetry, Message: "state reset, ready to retry"}, nil
		}
		return Outcome{Action: ActionCleared, Message: "state cleared, ready for a new registration"}, nil
	case RecommendContinue:
		return Outcome{Action: ActionContinue, Message: "registration may resume", VerificationCode: verdict.VerificationCode}, nil
	default:
		return Outcome{Action: ActionNone, Message: "no action required"}, nil
	}
}

// CheckResult bundles a verdict with its executed outcome.
type CheckResult struct {
	Verdict     Verdict `json:"verdict"`
	Outcome     Outcome `json:"outcome"`
	CanStartNew bool    `json:"canStartNew"`
}

// SmartCheckAndHandle validates rec and applies the recommendation to m.
func (v *Validator) SmartCheckAndHandle(ctx context.Context, rec *registration.Record, m workflow.Resetter) (CheckResult, error) {
	verdict := v.Validate(ctx, rec)
	outcome, err := v.ExecuteRecommendation(ctx, verdict, m)
	if err != nil {
		return CheckResult{Verdict: verdict}, err
	}
	return CheckResult{
		Verdict:     verdict,
		Outcome:     outcome,
		CanStartNew: verdict.NeedReset,
	}, nil
}
