package pageagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/regflow/internal/application/orchestrator"
	"github.com/execution-hub/regflow/internal/domain/registration"
)

var ErrRejected = errors.New("page agent rejected request")

// Client drives a remote page agent over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

var _ orchestrator.PageAgent = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("service", "page_agent").Logger(),
	}
}

type fillFormRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Username  string `json:"username"`
	SessionID string `json:"sessionId"`
}

type fillCodeRequest struct {
	Code string `json:"code"`
}

func (c *Client) FillForm(ctx context.Context, rec *registration.Record) (orchestrator.FillResult, error) {
	var res orchestrator.FillResult
	err := c.post(ctx, "/fill-form", fillFormRequest{
		Email:     rec.Email,
		Password:  rec.Password,
		Username:  rec.Username,
		SessionID: rec.SessionID,
	}, &res)
	return res, err
}

func (c *Client) FillVerificationCode(ctx context.Context, code string) error {
	var res orchestrator.FillResult
	if err := c.post(ctx, "/fill-code", fillCodeRequest{Code: code}, &res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrRejected, res.Error)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("page agent %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Debug().Str("path", path).Int("status_code", resp.StatusCode).Str("response_body", string(respBody)).Msg("page agent request failed")
		return fmt.Errorf("%w: %s returned %d", ErrRejected, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
