package registration

import (
	"context"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . AccountService,RecordRepository

// AccountService is the remote account service.
type AccountService interface {
	Create(ctx context.Context, rec *Record) error
	UpdateStatus(ctx context.Context, email string, update StatusUpdate) error
	List(ctx context.Context, limit int) ([]*Account, error)
	// Find returns the newest account for email, or nil when none exists.
	Find(ctx context.Context, email string) (*Account, error)
	// CheckCode returns the delivered code for the session, or nil when none
	// has arrived yet.
	CheckCode(ctx context.Context, sessionID, email string) (*Delivery, error)
	StartMonitor(ctx context.Context, email, sessionID string) error
}

// RecordRepository caches registration records by email.
type RecordRepository interface {
	Save(ctx context.Context, rec *Record) error
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, email string) (*Record, error)
	List(ctx context.Context, limit int) ([]*Record, error)
	Delete(ctx context.Context, email string) error
}
