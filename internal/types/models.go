// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// SurfaceApp is the family of external endpoint a Surface belongs to.
type SurfaceApp string

const (
	AppTelegram SurfaceApp = "telegram"
	AppWeb      SurfaceApp = "web"
	AppMock     SurfaceApp = "mock"
)

// Surface is an external endpoint identity, created lazily on first inbound
// message and never deleted. Unique on (App, Identifier).
type Surface struct {
	ID         string            `json:"id"`
	App        SurfaceApp        `json:"app"`
	Identifier string            `json:"identifier"`
	SingleUser bool              `json:"single_user"`
	Config     map[string]string `json:"config,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// SandboxPolicy controls what the engine may touch while running a turn.
type SandboxPolicy string

const (
	SandboxReadOnly       SandboxPolicy = "read-only"
	SandboxWorkspaceWrite SandboxPolicy = "workspace-write"
	SandboxFullAccess     SandboxPolicy = "full-access"
)

// Agent is a named engine configuration. Immutable once a Thread references
// it except through explicit admin action.
type Agent struct {
	Name           string        `json:"name"`
	Model          string        `json:"model"`
	WorkspacePath  string        `json:"workspace_path"`
	SandboxPolicy  SandboxPolicy `json:"sandbox_policy"`
	ApprovalPolicy string        `json:"approval_policy"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ThreadStatus is the lifecycle state of a Thread.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
)

// Usage is the engine-reported token accounting for one or more turns.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Thread is one persisted conversation. EngineThreadID is empty until the
// engine has acknowledged thread creation; while it is empty, Interactions
// for this Thread are held in pending instead of issuing turn/start.
type Thread struct {
	ID             ThreadID     `json:"id"`
	EngineThreadID string       `json:"engine_thread_id,omitempty"`
	Agent          string       `json:"agent"`
	Status         ThreadStatus `json:"status"`
	ReplyTarget    string       `json:"reply_target"`
	Usage          Usage        `json:"usage"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// InteractionStatus is the lifecycle state of an Interaction. Transitions
// only ever advance pending → in_progress → one terminal state.
type InteractionStatus string

const (
	InteractionPending     InteractionStatus = "pending"
	InteractionInProgress  InteractionStatus = "in_progress"
	InteractionComplete    InteractionStatus = "complete"
	InteractionInterrupted InteractionStatus = "interrupted"
	InteractionFailed      InteractionStatus = "failed"
)

// Terminal reports whether s is an absorbing state.
func (s InteractionStatus) Terminal() bool {
	switch s {
	case InteractionComplete, InteractionInterrupted, InteractionFailed:
		return true
	}
	return false
}

// CanAdvanceTo reports whether the transition s → next is legal.
func (s InteractionStatus) CanAdvanceTo(next InteractionStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case InteractionPending:
		return next == InteractionInProgress || next.Terminal()
	case InteractionInProgress:
		return next.Terminal()
	}
	return false
}

// Interaction is one user request plus its eventual engine response.
// Response accumulates while in_progress and is frozen once terminal.
type Interaction struct {
	ID              InteractionID     `json:"id"`
	ThreadID        ThreadID          `json:"thread_id,omitempty"`
	EngineTurnID    string            `json:"engine_turn_id,omitempty"`
	OriginalMessage string            `json:"original_message"`
	ImagePaths      []string          `json:"image_paths,omitempty"`
	ReplyTarget     string            `json:"reply_target"`
	Status          InteractionStatus `json:"status"`
	Response        string            `json:"response,omitempty"`
	Usage           Usage             `json:"usage"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ItemType classifies a unit of engine work inside a turn. Unrecognized
// engine strings map to ItemUnknown rather than erroring.
type ItemType string

const (
	ItemUserMessage      ItemType = "user_message"
	ItemAgentMessage     ItemType = "agent_message"
	ItemReasoning        ItemType = "reasoning"
	ItemCommandExecution ItemType = "command_execution"
	ItemFileChange       ItemType = "file_change"
	ItemMCPToolCall      ItemType = "mcp_tool_call"
	ItemWebSearch        ItemType = "web_search"
	ItemUnknown          ItemType = "unknown"
)

// ParseItemType normalizes an engine item-type string to the closed set.
func ParseItemType(s string) ItemType {
	switch t := ItemType(s); t {
	case ItemUserMessage, ItemAgentMessage, ItemReasoning, ItemCommandExecution,
		ItemFileChange, ItemMCPToolCall, ItemWebSearch:
		return t
	}
	return ItemUnknown
}

// ItemStatus is the lifecycle state of an InteractionItem.
type ItemStatus string

const (
	ItemStarted   ItemStatus = "started"
	ItemCompleted ItemStatus = "completed"
)

// InteractionItem is one sub-unit of engine work inside a turn. EngineItemID
// is unique within an interaction; a completed event with no matching
// started record synthesizes one.
type InteractionItem struct {
	ID            ItemID          `json:"id"`
	InteractionID InteractionID   `json:"interaction_id"`
	EngineItemID  string          `json:"engine_item_id"`
	Type          ItemType        `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        ItemStatus      `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}
