package registration

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle of one registration attempt.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

var (
	ErrEmailRequired    = errors.New("email is required")
	ErrEmailImmutable   = errors.New("email cannot change once set")
	ErrSessionImmutable = errors.New("session id cannot change once assigned")
	ErrInvalidStatus    = errors.New("invalid registration status")
)

// Record represents one attempted account.
type Record struct {
	Email            string    `json:"email"`
	Password         string    `json:"password"`
	Username         string    `json:"username"`
	SessionID        string    `json:"sessionId"`
	Status           Status    `json:"status"`
	VerificationCode string    `json:"verificationCode,omitempty"`
	Submitted        bool      `json:"submitted,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Identity is the credential triple supplied by the identity generator.
type Identity struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

// NewRecord creates a pending record with a fresh session id.
func NewRecord(id Identity, now time.Time) (*Record, error) {
	email := strings.TrimSpace(id.Email)
	if email == "" {
		return nil, ErrEmailRequired
	}
	return &Record{
		Email:     email,
		Password:  id.Password,
		Username:  id.Username,
		SessionID: uuid.NewString(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusFailed:
		return true
	}
	return false
}

// Complete reports whether the record carries credentials.
func (r *Record) Complete() bool {
	return r.Email != "" && r.Password != ""
}

// HasAllFields reports whether credentials and a status are present.
func (r *Record) HasAllFields() bool {
	return r.Complete() && r.Status != ""
}

// Merge applies update onto r. Email and session id may be filled in but
// never changed.
func (r *Record) Merge(update Record) error {
	if update.Email != "" && r.Email != "" && update.Email != r.Email {
		return ErrEmailImmutable
	}
	if update.SessionID != "" && r.SessionID != "" && update.SessionID != r.SessionID {
		return ErrSessionImmutable
	}
	if update.Status != "" && !update.Status.Valid() {
		return ErrInvalidStatus
	}
	if r.Email == "" {
		r.Email = update.Email
	}
	if r.SessionID == "" {
		r.SessionID = update.SessionID
	}
	if update.Password != "" {
		r.Password = update.Password
	}
	if update.Username != "" {
		r.Username = update.Username
	}
	if update.Status != "" {
		r.Status = update.Status
	}
	if update.VerificationCode != "" {
		r.VerificationCode = update.VerificationCode
	}
	if update.Submitted {
		r.Submitted = true
	}
	if !update.UpdatedAt.IsZero() {
		r.UpdatedAt = update.UpdatedAt
	}
	return nil
}

// MarkVerified records a delivered verification code.
func (r *Record) MarkVerified(code string, now time.Time) {
	r.Status = StatusVerified
	r.VerificationCode = code
	r.UpdatedAt = now
}

// MarkFailed marks the attempt as failed.
func (r *Record) MarkFailed(now time.Time) {
	r.Status = StatusFailed
	r.UpdatedAt = now
}

// Metadata keys used when a record travels inside workflow metadata.
const (
	MetaEmail     = "email"
	MetaPassword  = "password"
	MetaUsername  = "username"
	MetaSessionID = "session_id"
	MetaStatus    = "status"
	MetaCreatedAt = "created_at"
	MetaSubmitted = "submitted"
	MetaCode      = "verification_code"
)

// Metadata returns the record as a workflow metadata patch.
func (r *Record) Metadata() map[string]any {
	return map[string]any{
		MetaEmail:     r.Email,
		MetaPassword:  r.Password,
		MetaUsername:  r.Username,
		MetaSessionID: r.SessionID,
		MetaStatus:    string(r.Status),
		MetaCreatedAt: r.CreatedAt.Format(time.RFC3339Nano),
	}
}

// RecordFromMetadata rebuilds a record from workflow metadata. It returns nil
// when no email is present.
func RecordFromMetadata(md map[string]any) *Record {
	str := func(k string) string {
		if v, ok := md[k].(string); ok {
			return v
		}
		return ""
	}
	if str(MetaEmail) == "" {
		return nil
	}
	r := &Record{
		Email:            str(MetaEmail),
		Password:         str(MetaPassword),
		Username:         str(MetaUsername),
		SessionID:        str(MetaSessionID),
		Status:           Status(str(MetaStatus)),
		VerificationCode: str(MetaCode),
	}
	if v, ok := md[MetaSubmitted].(bool); ok {
		r.Submitted = v
	}
	if ts := str(MetaCreatedAt); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			r.CreatedAt = t
			r.UpdatedAt = t
		}
	}
	return r
}

// Account is the authoritative remote view of a registration.
type Account struct {
	Email            string     `json:"email"`
	Status           Status     `json:"status"`
	SessionID        string     `json:"session_id,omitempty"`
	VerificationCode string     `json:"verification_code,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Delivery is a verification code delivered out of band.
type Delivery struct {
	Code       string    `json:"code"`
	ReceivedAt time.Time `json:"received_at"`
}

// Signature identifies a delivery for de-duplication.
func (d Delivery) Signature() string {
	return d.ReceivedAt.UTC().Format(time.RFC3339Nano) + "-" + d.Code
}

// StatusUpdate is a partial update of a remote account.
type StatusUpdate struct {
	Status           Status
	VerificationCode string
	ErrorMessage     string
}
