package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/regflow/internal/domain/registration"
)

// ErrUnexpectedStatus is returned for non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// Config configures the remote account service client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements registration.AccountService over the account service
// HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

var _ registration.AccountService = (*Client)(nil)

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("service", "accounts_client").Logger(),
	}
}

type createRequest struct {
	Email     string    `json:"email"`
	Password  string    `json:"password"`
	Username  string    `json:"username"`
	Status    string    `json:"status"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type updateRequest struct {
	Email            string `json:"email"`
	Status           string `json:"status,omitempty"`
	VerificationCode string `json:"verification_code,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

type listResponse struct {
	Success bool                    `json:"success"`
	Data    []*registration.Account `json:"data"`
}

type checkCodeResponse struct {
	Success    bool      `json:"success"`
	Code       string    `json:"code"`
	ReceivedAt time.Time `json:"received_at"`
	Message    string    `json:"message,omitempty"`
}

type startMonitorRequest struct {
	Email     string `json:"email"`
	SessionID string `json:"session_id"`
}

func (c *Client) Create(ctx context.Context, rec *registration.Record) error {
	return c.do(ctx, http.MethodPost, "/api/accounts", createRequest{
		Email:     rec.Email,
		Password:  rec.Password,
		Username:  rec.Username,
		Status:    string(rec.Status),
		SessionID: rec.SessionID,
		CreatedAt: rec.CreatedAt,
	}, nil)
}

func (c *Client) UpdateStatus(ctx context.Context, email string, update registration.StatusUpdate) error {
	if update.Status != "" && !update.Status.Valid() {
		return registration.ErrInvalidStatus
	}
	return c.do(ctx, http.MethodPatch, "/api/accounts", updateRequest{
		Email:            email,
		Status:           string(update.Status),
		VerificationCode: update.VerificationCode,
		ErrorMessage:     update.ErrorMessage,
	}, nil)
}

func (c *Client) List(ctx context.Context, limit int) ([]*registration.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/api/accounts?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Find returns the newest account for email.
func (c *Client) Find(ctx context.Context, email string) (*registration.Account, error) {
	q := url.Values{"email": {email}, "limit": {"1"}}
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/api/accounts?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	var newest *registration.Account
	for _, a := range resp.Data {
		if a == nil || a.Email != email {
			continue
		}
		if newest == nil || a.CreatedAt.After(newest.CreatedAt) {
			newest = a
		}
	}
	return newest, nil
}

// CheckCode asks for a code delivered to the session. The email narrows the
// match so a code for another account is never returned.
func (c *Client) CheckCode(ctx context.Context, sessionID, email string) (*registration.Delivery, error) {
	if sessionID == "" {
		return nil, nil
	}
	path := "/api/check-code/" + url.PathEscape(sessionID)
	if email != "" {
		path += "?" + url.Values{"email": {email}}.Encode()
	}
	var resp checkCodeResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Code == "" {
		return nil, nil
	}
	return &registration.Delivery{Code: resp.Code, ReceivedAt: resp.ReceivedAt}, nil
}

func (c *Client) StartMonitor(ctx context.Context, email, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/start-monitor", startMonitorRequest{Email: email, SessionID: sessionID}, nil)
}

// Health reports whether the account service answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Int("status_code", resp.StatusCode).
			Str("response_body", string(respBody)).
			Msg("account service request failed")
		return fmt.Errorf("%w: %s %s returned %d", ErrUnexpectedStatus, method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
