package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/execution-hub/regflow/internal/application/orchestrator"
	"github.com/execution-hub/regflow/internal/domain/registration"
)

type recordResponse struct {
	Email            string              `json:"email"`
	Username         string              `json:"username"`
	SessionID        string              `json:"sessionId"`
	Status           registration.Status `json:"status"`
	VerificationCode string              `json:"verificationCode,omitempty"`
	Submitted        bool                `json:"submitted"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

func toRecordResponse(rec *registration.Record) recordResponse {
	return recordResponse{
		Email:            rec.Email,
		Username:         rec.Username,
		SessionID:        rec.SessionID,
		Status:           rec.Status,
		VerificationCode: rec.VerificationCode,
		Submitted:        rec.Submitted,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.regs.State())
}

func (s *Server) startRegistration(w http.ResponseWriter, r *http.Request) {
	var req registration.Identity
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	rec, err := s.regs.Start(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toRecordResponse(rec))
}

func (s *Server) getCurrentRegistration(w http.ResponseWriter, r *http.Request) {
	rec := s.regs.Record()
	if rec == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no registration in progress")
		return
	}
	respondJSON(w, http.StatusOK, toRecordResponse(rec))
}

func (s *Server) validateRegistration(w http.ResponseWriter, r *http.Request) {
	res, err := s.regs.Validate(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) resetRegistration(w http.ResponseWriter, r *http.Request) {
	if err := s.regs.Reset(r.Context()); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.regs.State())
}

func (s *Server) stopRegistration(w http.ResponseWriter, r *http.Request) {
	if err := s.regs.Stop(r.Context()); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.regs.State())
}

type eventRequest struct {
	Type    orchestrator.EventType `json:"type"`
	Payload json.RawMessage        `json:"payload,omitempty"`
}

func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if req.Type == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "type is required")
		return
	}
	state, err := s.regs.HandleEvent(r.Context(), orchestrator.Event{Type: req.Type, Payload: req.Payload})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"state":    state,
		"progress": state.Progress(),
		"text":     state.Text(),
	})
}

type accountResponse struct {
	Email            string              `json:"email"`
	Username         string              `json:"username,omitempty"`
	SessionID        string              `json:"sessionId,omitempty"`
	Status           registration.Status `json:"status"`
	VerificationCode string              `json:"verificationCode,omitempty"`
	ErrorMessage     string              `json:"errorMessage,omitempty"`
	Local            bool                `json:"local"`
	Remote           bool                `json:"remote"`
	CreatedAt        time.Time           `json:"createdAt"`
}

// listAccounts merges cached records with the remote account list. The
// remote status wins when both know an email.
func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "limit must be a positive integer")
			return
		}
		limit = n
	}

	byEmail := make(map[string]*accountResponse)
	local, err := s.records.List(r.Context(), limit)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	for _, rec := range local {
		byEmail[rec.Email] = &accountResponse{
			Email:            rec.Email,
			Username:         rec.Username,
			SessionID:        rec.SessionID,
			Status:           rec.Status,
			VerificationCode: rec.VerificationCode,
			Local:            true,
			CreatedAt:        rec.CreatedAt,
		}
	}

	remoteErr := ""
	if s.accounts != nil {
		remote, err := s.accounts.List(r.Context(), limit)
		if err != nil {
			s.logger.Warn().Err(err).Msg("remote account list unavailable")
			remoteErr = err.Error()
		}
		for _, acct := range remote {
			if acct == nil {
				continue
			}
			view, ok := byEmail[acct.Email]
			if !ok {
				view = &accountResponse{Email: acct.Email, CreatedAt: acct.CreatedAt}
				byEmail[acct.Email] = view
			}
			view.Remote = true
			view.Status = acct.Status
			view.ErrorMessage = acct.ErrorMessage
			if acct.SessionID != "" {
				view.SessionID = acct.SessionID
			}
			if acct.VerificationCode != "" {
				view.VerificationCode = acct.VerificationCode
			}
		}
	}

	out := make([]*accountResponse, 0, len(byEmail))
	for _, v := range byEmail {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}

	resp := map[string]interface{}{"accounts": out, "total": len(out)}
	if remoteErr != "" {
		resp["remoteError"] = remoteErr
	}
	respondJSON(w, http.StatusOK, resp)
}
