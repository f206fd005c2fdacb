package pageagent

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

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fill-form":
			var body fillFormRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body.Email == "bad@x.com" {
				_, _ = w.Write([]byte(`{"success":false,"error":"form not found"}`))
				return
			}
			_, _ = w.Write([]byte(`{"success":true}`))
		case "/fill-code":
			var body fillCodeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body.Code == "000000" {
				_, _ = w.Write([]byte(`{"success":false,"error":"input missing"}`))
				return
			}
			_, _ = w.Write([]byte(`{"success":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	ctx := context.Background()

	res, err := c.FillForm(ctx, &registration.Record{Email: "a@x.com", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = c.FillForm(ctx, &registration.Record{Email: "bad@x.com"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "form not found", res.Error)

	require.NoError(t, c.FillVerificationCode(ctx, "482913"))
	assert.ErrorIs(t, c.FillVerificationCode(ctx, "000000"), ErrRejected)

	bad := NewClient(srv.URL+"/missing", time.Second, zerolog.Nop())
	_, err = bad.FillForm(ctx, &registration.Record{Email: "a@x.com"})
	assert.ErrorIs(t, err, ErrRejected)
}
