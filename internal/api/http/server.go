package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/execution-hub/regflow/internal/application/orchestrator"
	"github.com/execution-hub/regflow/internal/application/statesync"
	"github.com/execution-hub/regflow/internal/application/validator"
	"github.com/execution-hub/regflow/internal/domain/registration"
	"github.com/execution-hub/regflow/internal/domain/workflow"
	"github.com/execution-hub/regflow/internal/infrastructure/sse"
)

// Registrations is the workflow surface exposed over HTTP.
type Registrations interface {
	State() orchestrator.StateView
	Record() *registration.Record
	Start(ctx context.Context, id registration.Identity) (*registration.Record, error)
	Validate(ctx context.Context) (validator.CheckResult, error)
	Reset(ctx context.Context) error
	Stop(ctx context.Context) error
	HandleEvent(ctx context.Context, ev orchestrator.Event) (workflow.State, error)
}

// HealthChecker is implemented by account services that can report readiness.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	regs       Registrations
	records    registration.RecordRepository
	accounts   registration.AccountService
	sseHub     *sse.Hub
	apiKeyHash []byte
	logger     zerolog.Logger
}

// NewServer creates the controller API. accounts may be nil, in which case
// the accounts view only shows cached records. An empty apiKeyHash disables
// authentication.
func NewServer(
	regs Registrations,
	records registration.RecordRepository,
	accounts registration.AccountService,
	sseHub *sse.Hub,
	apiKeyHash string,
	logger zerolog.Logger,
) *Server {
	return &Server{
		regs:       regs,
		records:    records,
		accounts:   accounts,
		sseHub:     sseHub,
		apiKeyHash: []byte(apiKeyHash),
		logger:     logger.With().Str("service", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		// the stream outlives the request timeout
		r.Get("/stream", s.streamEndpoint)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/state", s.getState)
			r.Post("/events", s.postEvent)
			r.Get("/accounts", s.listAccounts)

			r.Route("/registrations", func(r chi.Router) {
				r.Post("/", s.startRegistration)
				r.Get("/current", s.getCurrentRegistration)
				r.Post("/validate", s.validateRegistration)
				r.Post("/reset", s.resetRegistration)
				r.Post("/stop", s.stopRegistration)
			})
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":      "ok",
		"state":       s.regs.State().Snapshot.CurrentState,
		"sse_clients": s.sseHub.ClientCount(),
	}
	status := http.StatusOK
	if hc, ok := s.accounts.(HealthChecker); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := hc.Health(ctx)
		cancel()
		body["accounts"] = "ok"
		if err != nil {
			s.logger.Warn().Err(err).Msg("account service health check failed")
			body["status"] = "degraded"
			body["accounts"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, status, body)
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// respondServiceError maps workflow errors onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registration.ErrEmailRequired),
		errors.Is(err, registration.ErrInvalidStatus):
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, orchestrator.ErrNotStarted):
		respondError(w, http.StatusNotFound, "NOT_STARTED", err.Error())
	case errors.Is(err, orchestrator.ErrInProgress):
		respondError(w, http.StatusConflict, "IN_PROGRESS", err.Error())
	case errors.Is(err, orchestrator.ErrNoRoute),
		errors.Is(err, orchestrator.ErrIllegalTransition):
		respondError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, statesync.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "LOCK_TIMEOUT", err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
