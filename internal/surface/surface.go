// internal/surface/surface.go

// Package surface defines the capability boundary between turn
// orchestration and the outside world. A Surface receives lifecycle
// callbacks for the conversation it fronts; it is the only component
// allowed to talk back to an external endpoint.
package surface

import (
	"context"
	"time"

	"github.com/user/stagehand/internal/types"
)

// ApprovalKind distinguishes the engine's approval prompts.
type ApprovalKind string

const (
	ApprovalCommand    ApprovalKind = "command_execution"
	ApprovalFileChange ApprovalKind = "file_change"
)

// ApprovalRequest carries what the engine wants permission for.
type ApprovalRequest struct {
	Kind        ApprovalKind
	ItemID      string
	Command     string
	Path        string
	Reason      string
	ReplyTarget string
}

// Decision is the answer to an approval request.
type Decision string

const (
	Accept  Decision = "accept"
	Decline Decision = "decline"
)

// Surface receives lifecycle callbacks for interactions whose reply target
// resolves to it. OnApprovalRequired may block awaiting a human, bounded
// by the implementation's timeout; everything else should return quickly
// since callbacks run on the originating partition's pipeline worker.
type Surface interface {
	OnTurnStarted(ctx context.Context, interaction *types.Interaction)
	OnItemStarted(ctx context.Context, interaction *types.Interaction, item *types.InteractionItem)
	OnItemCompleted(ctx context.Context, interaction *types.Interaction, item *types.InteractionItem)
	OnAgentMessageDelta(ctx context.Context, interaction *types.Interaction, delta string)
	OnTurnCompleted(ctx context.Context, interaction *types.Interaction)
	OnApprovalRequired(ctx context.Context, req ApprovalRequest) Decision
}

// DecideWithTimeout runs fn (which typically waits on a human) and returns
// its decision, or Decline once the timeout passes. Implementations use
// this to bound OnApprovalRequired.
func DecideWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) Decision) Decision {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan Decision, 1)
	go func() { result <- fn(dctx) }()

	select {
	case d := <-result:
		return d
	case <-dctx.Done():
		return Decline
	}
}
