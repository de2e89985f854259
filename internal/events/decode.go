// internal/events/decode.go
package events

import (
	"encoding/json"
	"fmt"
)

// Engine notification methods, current protocol generation.
const (
	MethodTurnStarted            = "turn/started"
	MethodTurnCompleted          = "turn/completed"
	MethodTurnDiffUpdated        = "turn/diffUpdated"
	MethodTurnPlanUpdated        = "turn/planUpdated"
	MethodItemStarted            = "item/started"
	MethodItemCompleted          = "item/completed"
	MethodAgentMessageDelta      = "item/agentMessageDelta"
	MethodReasoningDelta         = "item/reasoningDelta"
	MethodThreadStarted          = "thread/started"
	MethodThreadArchived         = "thread/archived"
	MethodCommandApprovalRequest = "item/commandExecution/requestApproval"
	MethodFileChangeApprovalReq  = "item/fileChange/requestApproval"
	MethodAccountUpdated         = "account/updated"
	MethodAccountLoginCompleted  = "account/login/completed"
	MethodRateLimitsUpdated      = "account/rateLimits/updated"
)

// legacyMethods maps a prior protocol generation's method names onto their
// current equivalents, so older engines keep working.
var legacyMethods = map[string]string{
	"task_started":          MethodTurnStarted,
	"task_complete":         MethodTurnCompleted,
	"task_plan_updated":     MethodTurnPlanUpdated,
	"turn_diff_updated":     MethodTurnDiffUpdated,
	"agent_message_delta":   MethodAgentMessageDelta,
	"agent_reasoning_delta": MethodReasoningDelta,
	"session_configured":    MethodThreadStarted,
}

// UnknownMethodError is the soft failure for a method outside the closed
// set. It is logged and the event dropped; a newer engine must never crash
// the pipeline.
type UnknownMethodError struct {
	Method string
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("events: unknown method %q", e.Method)
}

// Decode converts one raw method+params pair into a domain event. Legacy
// method names are normalized before matching. Unknown methods return
// *UnknownMethodError; malformed params for a known method return a plain
// error. Both are soft: the caller logs and moves on.
func Decode(method string, params json.RawMessage) (Event, error) {
	if current, ok := legacyMethods[method]; ok {
		method = current
	}

	ev := Event{Raw: params}
	var payload any

	switch method {
	case MethodTurnStarted:
		ev.Kind, ev.TurnStarted = KindTurnStarted, &TurnStarted{}
		payload = ev.TurnStarted
	case MethodTurnCompleted:
		ev.Kind, ev.TurnCompleted = KindTurnCompleted, &TurnCompletedEvent{}
		payload = ev.TurnCompleted
	case MethodTurnDiffUpdated:
		ev.Kind, ev.TurnDiffUpdated = KindTurnDiffUpdated, &TurnDiffUpdated{}
		payload = ev.TurnDiffUpdated
	case MethodTurnPlanUpdated:
		ev.Kind, ev.TurnPlanUpdated = KindTurnPlanUpdated, &TurnPlanUpdated{}
		payload = ev.TurnPlanUpdated
	case MethodItemStarted:
		ev.Kind, ev.ItemStarted = KindItemStarted, &ItemStarted{}
		payload = ev.ItemStarted
	case MethodItemCompleted:
		ev.Kind, ev.ItemCompleted = KindItemCompleted, &ItemCompletedEvent{}
		payload = ev.ItemCompleted
	case MethodAgentMessageDelta:
		ev.Kind, ev.AgentMessageDelta = KindAgentMessageDelta, &AgentMessageDelta{}
		payload = ev.AgentMessageDelta
	case MethodReasoningDelta:
		ev.Kind, ev.ReasoningDelta = KindReasoningDelta, &ReasoningDelta{}
		payload = ev.ReasoningDelta
	case MethodThreadStarted:
		ev.Kind, ev.ThreadStarted = KindThreadStarted, &ThreadStarted{}
		payload = ev.ThreadStarted
	case MethodThreadArchived:
		ev.Kind, ev.ThreadArchived = KindThreadArchived, &ThreadArchived{}
		payload = ev.ThreadArchived
	case MethodCommandApprovalRequest:
		ev.Kind, ev.ApprovalRequested = KindCommandApprovalRequested, &ApprovalRequested{}
		payload = ev.ApprovalRequested
	case MethodFileChangeApprovalReq:
		ev.Kind, ev.ApprovalRequested = KindFileChangeApprovalRequested, &ApprovalRequested{}
		payload = ev.ApprovalRequested
	case MethodAccountUpdated:
		ev.Kind, ev.AccountUpdated = KindAccountUpdated, &AccountUpdated{}
		payload = ev.AccountUpdated
	case MethodAccountLoginCompleted:
		ev.Kind, ev.AccountUpdated = KindAccountLoginCompleted, &AccountUpdated{}
		payload = ev.AccountUpdated
	case MethodRateLimitsUpdated:
		ev.Kind, ev.RateLimitsUpdated = KindRateLimitsUpdated, &RateLimitsUpdated{}
		payload = ev.RateLimitsUpdated
	default:
		return Event{}, &UnknownMethodError{Method: method}
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, payload); err != nil {
			return Event{}, fmt.Errorf("decode %s params: %w", method, err)
		}
	}

	// Older engines report cancellation as its own status.
	if ev.Kind == KindTurnCompleted && ev.TurnCompleted.Status == "cancelled" {
		ev.TurnCompleted.Status = TurnInterrupted
	}
	return ev, nil
}
