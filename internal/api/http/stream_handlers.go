package httpapi

import (
	"net/http"
	"strings"

	"github.com/execution-hub/regflow/internal/domain/workflow"
	"github.com/execution-hub/regflow/internal/infrastructure/sse"
)

// Stream event names.
const (
	EventState = "state"
	EventSync  = "sync"
)

type stateEvent struct {
	From     workflow.State    `json:"from"`
	To       workflow.State    `json:"to"`
	Progress int               `json:"progress"`
	Text     string            `json:"text"`
	Snapshot workflow.Snapshot `json:"snapshot"`
}

// PublishChange broadcasts a local transition to stream clients.
func (s *Server) PublishChange(c workflow.Change) {
	s.sseHub.Publish(EventState, stateEvent{
		From:     c.From,
		To:       c.To,
		Progress: c.To.Progress(),
		Text:     c.To.Text(),
		Snapshot: c.Snapshot,
	})
}

// PublishSync broadcasts a snapshot written by another context. A nil
// snapshot means the persisted state was cleared.
func (s *Server) PublishSync(snap *workflow.Snapshot) {
	s.sseHub.Publish(EventSync, map[string]interface{}{
		"cleared":  snap == nil,
		"snapshot": snap,
	})
}

func (s *Server) streamEndpoint(w http.ResponseWriter, r *http.Request) {
	var events []string
	if raw := r.URL.Query().Get("events"); raw != "" {
		for _, e := range strings.Split(raw, ",") {
			if e = strings.TrimSpace(e); e != "" {
				events = append(events, e)
			}
		}
	}

	client := sse.NewClient(events...)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	_, _ = w.Write([]byte(": connected\n\n"))
	if client.Wants(EventState) {
		if msg, err := sse.NewMessage(EventState, s.regs.State()); err == nil {
			_, _ = msg.WriteTo(w)
		}
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, ok := <-client.Messages:
			if !ok || msg == nil {
				return
			}
			if _, err := msg.WriteTo(w); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
