package accounts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/regflow/internal/domain/registration"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/", APIKey: "k-1", Timeout: time.Second}, zerolog.Nop())
}

func TestClient_Create(t *testing.T) {
	created := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/accounts", r.URL.Path)
		assert.Equal(t, "k-1", r.Header.Get("X-API-Key"))
		var body createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a@x.com", body.Email)
		assert.Equal(t, "pending", body.Status)
		assert.True(t, created.Equal(body.CreatedAt))
		w.WriteHeader(http.StatusCreated)
	})

	err := c.Create(context.Background(), &registration.Record{
		Email: "a@x.com", Password: "pw", Status: registration.StatusPending, CreatedAt: created,
	})
	require.NoError(t, err)
}

func TestClient_UpdateStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		var body updateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, updateRequest{Email: "a@x.com", Status: "verified", VerificationCode: "482913"}, body)
	})

	err := c.UpdateStatus(context.Background(), "a@x.com", registration.StatusUpdate{Status: registration.StatusVerified, VerificationCode: "482913"})
	require.NoError(t, err)

	err = c.UpdateStatus(context.Background(), "a@x.com", registration.StatusUpdate{Status: "bogus"})
	assert.ErrorIs(t, err, registration.ErrInvalidStatus)
}

func TestClient_Find(t *testing.T) {
	older := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("email") {
		case "a@x.com":
			_ = json.NewEncoder(w).Encode(listResponse{Success: true, Data: []*registration.Account{
				{Email: "a@x.com", Status: registration.StatusPending, CreatedAt: older},
				{Email: "a@x.com", Status: registration.StatusVerified, CreatedAt: older.Add(time.Minute)},
			}})
		default:
			_ = json.NewEncoder(w).Encode(listResponse{Success: true})
		}
	})

	acct, err := c.Find(context.Background(), "a@x.com")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, registration.StatusVerified, acct.Status)

	acct, err = c.Find(context.Background(), "none@x.com")
	require.NoError(t, err)
	assert.Nil(t, acct)
}

func TestClient_CheckCode(t *testing.T) {
	received := time.Date(2026, 6, 1, 9, 0, 4, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a@x.com", r.URL.Query().Get("email"))
		switch r.URL.Path {
		case "/api/check-code/s-1":
			_ = json.NewEncoder(w).Encode(checkCodeResponse{Success: true, Code: "482913", ReceivedAt: received})
		case "/api/check-code/s-2":
			_ = json.NewEncoder(w).Encode(checkCodeResponse{Success: false, Message: "no code yet"})
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	})
	ctx := context.Background()

	d, err := c.CheckCode(ctx, "s-1", "a@x.com")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "482913", d.Code)
	assert.True(t, received.Equal(d.ReceivedAt))

	d, err = c.CheckCode(ctx, "s-2", "a@x.com")
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = c.CheckCode(ctx, "s-3", "a@x.com")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	d, err = c.CheckCode(ctx, "", "a@x.com")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestClient_StartMonitorAndList(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/start-monitor":
			var body startMonitorRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, startMonitorRequest{Email: "a@x.com", SessionID: "s-1"}, body)
		case "/api/accounts":
			assert.Equal(t, "100", r.URL.Query().Get("limit"))
			_ = json.NewEncoder(w).Encode(listResponse{Success: true, Data: []*registration.Account{{Email: "a@x.com"}}})
		case "/api/health":
		}
	})
	ctx := context.Background()

	require.NoError(t, c.StartMonitor(ctx, "a@x.com", "s-1"))
	list, err := c.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	require.NoError(t, c.Health(ctx))
}

func TestClient_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Find(ctx, "a@x.com")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
