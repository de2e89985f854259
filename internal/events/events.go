// internal/events/events.go

// Package events converts raw engine notification methods into a closed,
// tagged set of domain events. Decoding is pure: no I/O, no state.
package events

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/user/stagehand/internal/types"
)

// Kind discriminates the event union.
type Kind string

const (
	KindTurnStarted                 Kind = "turn_started"
	KindTurnCompleted               Kind = "turn_completed"
	KindTurnDiffUpdated             Kind = "turn_diff_updated"
	KindTurnPlanUpdated             Kind = "turn_plan_updated"
	KindItemStarted                 Kind = "item_started"
	KindItemCompleted               Kind = "item_completed"
	KindAgentMessageDelta           Kind = "agent_message_delta"
	KindReasoningDelta              Kind = "reasoning_delta"
	KindThreadStarted               Kind = "thread_started"
	KindThreadArchived              Kind = "thread_archived"
	KindCommandApprovalRequested    Kind = "command_approval_requested"
	KindFileChangeApprovalRequested Kind = "file_change_approval_requested"
	KindAccountUpdated              Kind = "account_updated"
	KindAccountLoginCompleted       Kind = "account_login_completed"
	KindRateLimitsUpdated           Kind = "rate_limits_updated"
)

// TurnStatus is the engine-reported outcome of a turn.
type TurnStatus string

const (
	TurnCompleted   TurnStatus = "completed"
	TurnFailed      TurnStatus = "failed"
	TurnInterrupted TurnStatus = "interrupted"
)

// ItemCompletionStatus is the engine-reported outcome of one item.
type ItemCompletionStatus string

const (
	ItemOutcomeCompleted ItemCompletionStatus = "completed"
	ItemOutcomeDeclined  ItemCompletionStatus = "declined"
)

// Usage is the wire form of the engine's token accounting.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// ToDomain converts wire usage to the persisted form.
func (u Usage) ToDomain() types.Usage {
	return types.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
}

// TurnError carries the engine's description of a failed turn.
type TurnError struct {
	Message string `json:"message"`
}

// Event is the decoded union. Exactly the payload field matching Kind is
// non-nil. Raw preserves the undecoded params for partition-key hashing
// and item snapshots.
type Event struct {
	Kind Kind
	Raw  json.RawMessage

	TurnStarted       *TurnStarted
	TurnCompleted     *TurnCompletedEvent
	TurnDiffUpdated   *TurnDiffUpdated
	TurnPlanUpdated   *TurnPlanUpdated
	ItemStarted       *ItemStarted
	ItemCompleted     *ItemCompletedEvent
	AgentMessageDelta *AgentMessageDelta
	ReasoningDelta    *ReasoningDelta
	ThreadStarted     *ThreadStarted
	ThreadArchived    *ThreadArchived
	ApprovalRequested *ApprovalRequested
	AccountUpdated    *AccountUpdated
	RateLimitsUpdated *RateLimitsUpdated
}

type TurnStarted struct {
	TurnID     string            `json:"turnId"`
	ThreadID   string            `json:"threadId"`
	InputItems []json.RawMessage `json:"input,omitempty"`
}

type TurnCompletedEvent struct {
	TurnID   string     `json:"turnId"`
	ThreadID string     `json:"threadId,omitempty"`
	Status   TurnStatus `json:"status"`
	Usage    Usage      `json:"usage"`
	Error    *TurnError `json:"error,omitempty"`
}

type TurnDiffUpdated struct {
	TurnID string `json:"turnId"`
	Diff   string `json:"diff"`
}

type TurnPlanUpdated struct {
	TurnID string            `json:"turnId"`
	Plan   []json.RawMessage `json:"plan"`
}

type ItemStarted struct {
	ItemID   string `json:"itemId"`
	TurnID   string `json:"turnId"`
	ThreadID string `json:"threadId,omitempty"`
	Type     string `json:"type"`
}

type ItemCompletedEvent struct {
	ItemID   string               `json:"itemId"`
	TurnID   string               `json:"turnId,omitempty"`
	ThreadID string               `json:"threadId,omitempty"`
	Type     string               `json:"type"`
	Status   ItemCompletionStatus `json:"status,omitempty"`
	Text     string               `json:"text,omitempty"`
	Result   json.RawMessage      `json:"result,omitempty"`
}

type AgentMessageDelta struct {
	ItemID   string `json:"itemId"`
	TurnID   string `json:"turnId"`
	ThreadID string `json:"threadId,omitempty"`
	Delta    string `json:"delta"`
}

type ReasoningDelta struct {
	ItemID   string `json:"itemId"`
	ThreadID string `json:"threadId,omitempty"`
	Delta    string `json:"delta"`
}

type ThreadStarted struct {
	ThreadID string `json:"threadId"`
}

type ThreadArchived struct {
	ThreadID string `json:"threadId"`
}

// ApprovalRequested covers both command-execution and file-change approval
// prompts; Kind tells them apart.
type ApprovalRequested struct {
	ItemID  string `json:"itemId"`
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type AccountUpdated struct {
	Account json.RawMessage `json:"account"`
}

type RateLimitsUpdated struct {
	Limits json.RawMessage `json:"rateLimits"`
}

// PartitionKey picks the routing key that keeps events for one
// conversation on one pipeline worker: the engine thread id when known,
// else the turn id, else a hash of the raw payload so routing stays
// deterministic instead of dropping the event.
func (e Event) PartitionKey() string {
	if id := e.threadID(); id != "" {
		return id
	}
	if id := e.turnID(); id != "" {
		return id
	}
	h := fnv.New64a()
	h.Write(e.Raw)
	return fmt.Sprintf("raw-%x", h.Sum64())
}

func (e Event) threadID() string {
	switch e.Kind {
	case KindTurnStarted:
		return e.TurnStarted.ThreadID
	case KindTurnCompleted:
		return e.TurnCompleted.ThreadID
	case KindItemStarted:
		return e.ItemStarted.ThreadID
	case KindItemCompleted:
		return e.ItemCompleted.ThreadID
	case KindAgentMessageDelta:
		return e.AgentMessageDelta.ThreadID
	case KindReasoningDelta:
		return e.ReasoningDelta.ThreadID
	case KindThreadStarted:
		return e.ThreadStarted.ThreadID
	case KindThreadArchived:
		return e.ThreadArchived.ThreadID
	}
	return ""
}

func (e Event) turnID() string {
	switch e.Kind {
	case KindTurnStarted:
		return e.TurnStarted.TurnID
	case KindTurnCompleted:
		return e.TurnCompleted.TurnID
	case KindTurnDiffUpdated:
		return e.TurnDiffUpdated.TurnID
	case KindTurnPlanUpdated:
		return e.TurnPlanUpdated.TurnID
	case KindItemStarted:
		return e.ItemStarted.TurnID
	case KindItemCompleted:
		return e.ItemCompleted.TurnID
	case KindAgentMessageDelta:
		return e.AgentMessageDelta.TurnID
	}
	return ""
}
