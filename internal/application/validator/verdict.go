package validator

import (
	"fmt"
	"time"
)

// RealStatus is the reconciled status of a registration.
type RealStatus string

const (
	StatusInvalid      RealStatus = "invalid"
	StatusVerified     RealStatus = "verified"
	StatusCodeReceived RealStatus = "code_received"
	StatusExpired      RealStatus = "expired"
	StatusSyncFailed   RealStatus = "sync_failed"
	StatusIncomplete   RealStatus = "incomplete"
	StatusInProgress   RealStatus = "in_progress"
	StatusUnknown      RealStatus = "unknown"
)

// Recommendation is the recovery action suggested by a verdict.
type Recommendation string

const (
	RecommendClear    Recommendation = "clear"
	RecommendContinue Recommendation = "continue"
	RecommendRetry    Recommendation = "retry"
	RecommendNone     Recommendation = "none"
)

// Verdict is the outcome of reconciling one record. It is never persisted.
type Verdict struct {
	IsValid          bool           `json:"isValid"`
	RealStatus       RealStatus     `json:"realStatus"`
	Reason           string         `json:"reason"`
	NeedReset        bool           `json:"needReset"`
	Recommendation   Recommendation `json:"recommendation"`
	VerificationCode string         `json:"verificationCode,omitempty"`
	Warning          string         `json:"warning,omitempty"`
}

// RemoteSignal is the authoritative remote account status.
type RemoteSignal struct {
	Exists     bool
	Status     string
	VerifiedAt *time.Time
	CreatedAt  time.Time
}

// DeliverySignal reports whether a verification code was already delivered.
type DeliverySignal struct {
	Exists     bool
	Code       string
	ReceivedAt time.Time
}

// TimeSignal is the age of the record against the expiry windows.
type TimeSignal struct {
	Elapsed time.Duration
	Expired bool
	Warning bool
}

// LocalSignal describes the completeness of the cached record.
type LocalSignal struct {
	Complete     bool
	HasAllFields bool
}

// Signals are the independent inputs of Decide.
type Signals struct {
	Remote   RemoteSignal
	Delivery DeliverySignal
	Time     TimeSignal
	Local    LocalSignal
}

// Decide applies the reconciliation rules in priority order. It performs no
// I/O. A remotely verified account still yields clear so the slot is freed
// for the next attempt.
func Decide(s Signals) Verdict {
	var v Verdict
	switch {
	case s.Remote.Exists && s.Remote.Status == "verified":
		v = Verdict{IsValid: true, RealStatus: StatusVerified, Reason: "account already verified", NeedReset: true, Recommendation: RecommendClear}
	case s.Delivery.Exists && s.Remote.VerifiedAt == nil:
		v = Verdict{IsValid: true, RealStatus: StatusCodeReceived, Reason: "verification code already delivered", Recommendation: RecommendContinue, VerificationCode: s.Delivery.Code}
	case s.Time.Expired:
		v = Verdict{RealStatus: StatusExpired, Reason: fmt.Sprintf("record expired after %s", s.Time.Elapsed.Round(time.Minute)), NeedReset: true, Recommendation: RecommendClear}
	case !s.Remote.Exists && s.Local.Complete:
		v = Verdict{RealStatus: StatusSyncFailed, Reason: "record was never stored remotely", NeedReset: true, Recommendation: RecommendRetry}
	case !s.Local.Complete:
		v = Verdict{RealStatus: StatusIncomplete, Reason: "local record is incomplete", NeedReset: true, Recommendation: RecommendClear}
	case s.Remote.Status == "pending":
		v = Verdict{IsValid: true, RealStatus: StatusInProgress, Reason: "registration still pending", Recommendation: RecommendContinue}
	default:
		v = Verdict{RealStatus: StatusUnknown, Reason: "unrecognized remote status " + quoted(s.Remote.Status), NeedReset: true, Recommendation: RecommendClear}
	}
	if s.Time.Warning && !s.Time.Expired {
		v.Warning = fmt.Sprintf("record is %s old", s.Time.Elapsed.Round(time.Minute))
	}
	return v
}

func quoted(s string) string {
	if s == "" {
		return `""`
	}
	return fmt.Sprintf("%q", s)
}
