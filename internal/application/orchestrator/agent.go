package orchestrator

import (
	"context"

	"github.com/execution-hub/regflow/internal/domain/registration"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_agent.go -package=mocks . PageAgent

// FillResult is the page agent's answer to a fill request.
type FillResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PageAgent drives the registration page.
type PageAgent interface {
	FillForm(ctx context.Context, rec *registration.Record) (FillResult, error)
	FillVerificationCode(ctx context.Context, code string) error
}
