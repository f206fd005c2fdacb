package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/Knetic/govaluate"

	"github.com/execution-hub/regflow/internal/domain/workflow"
)

// EventType names a page agent event.
type EventType string

const (
	EventPageReady             EventType = "pageReady"
	EventRegistrationSubmitted EventType = "registrationSubmitted"
	EventCloudflareWaiting     EventType = "cloudflareWaiting"
	EventFillResult            EventType = "fillResult"
)

// Event is a notification sent by the page agent.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type routeDef struct {
	event EventType
	from  workflow.State
	to    workflow.State
	when  string
}

var routeTable = []routeDef{
	{EventPageReady, workflow.StateDetectingPage, workflow.StateFillingStep1, `step == "step1"`},
	{EventPageReady, workflow.StateDetectingPage, workflow.StateFillingStep2, `step == "step2"`},
	{EventPageReady, workflow.StateWaitingStep1Submit, workflow.StateFillingStep2, `step == "step2"`},
	// single page forms submit straight to verification
	{EventRegistrationSubmitted, workflow.StateFillingStep1, workflow.StateWaitingVerification, `singlePage == true`},
	{EventRegistrationSubmitted, workflow.StateWaitingStep1Submit, workflow.StateWaitingVerification, `singlePage == true`},
	{EventRegistrationSubmitted, workflow.StateFillingStep1, workflow.StateWaitingStep1Submit, ""},
	{EventRegistrationSubmitted, workflow.StateFillingStep2, workflow.StateWaitingVerification, ""},
	{EventRegistrationSubmitted, workflow.StateWaitingCloudflare, workflow.StateWaitingVerification, ""},
	{EventCloudflareWaiting, workflow.StateFillingStep2, workflow.StateWaitingCloudflare, ""},
	{EventFillResult, workflow.StateFillingStep1, workflow.StateError, `success == false`},
	{EventFillResult, workflow.StateFillingStep2, workflow.StateError, `success == false`},
}

type route struct {
	routeDef
	expr *govaluate.EvaluableExpression
}

func compileRoutes(defs []routeDef) ([]route, error) {
	out := make([]route, 0, len(defs))
	for _, d := range defs {
		if !d.from.CanTransitionTo(d.to) {
			return nil, fmt.Errorf("route %s: %s -> %s is not a legal transition", d.event, d.from, d.to)
		}
		expr, err := compileCondition(d.when)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", d.event, err)
		}
		out = append(out, route{routeDef: d, expr: expr})
	}
	return out, nil
}

// eventPatch turns an event payload into the metadata merged on transition.
func eventPatch(ev Event, params map[string]interface{}, to workflow.State) workflow.Metadata {
	patch := workflow.Metadata{"last_event": string(ev.Type)}
	if v, ok := params["url"].(string); ok {
		patch["page_url"] = v
	}
	if v, ok := params["step"].(string); ok {
		patch["page_step"] = v
	}
	if to == workflow.StateError {
		reason, _ := params["error"].(string)
		if reason == "" {
			reason = "page agent reported a failed fill"
		}
		patch["reason"] = reason
	}
	return patch
}
