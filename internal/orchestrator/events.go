// internal/orchestrator/events.go
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/user/stagehand/internal/events"
	"github.com/user/stagehand/internal/rpc"
	"github.com/user/stagehand/internal/store"
	"github.com/user/stagehand/internal/surface"
	"github.com/user/stagehand/internal/types"
)

// handleNotification runs on the transport read loop. It decodes the
// engine notification and hands the event to the pipeline keyed by its
// partition; all state work happens on the partition worker.
func (o *Orchestrator) handleNotification(method string, params json.RawMessage) {
	ev, err := events.Decode(method, params)
	if err != nil {
		var unknown *events.UnknownMethodError
		if errors.As(err, &unknown) {
			o.log.Debug("dropping unknown engine method", "method", unknown.Method)
		} else {
			o.log.Warn("dropping undecodable event", "method", method, "error", err)
		}
		return
	}
	if err := o.pipe.Enqueue(context.Background(), ev.PartitionKey(), func() {
		o.apply(context.Background(), ev)
	}); err != nil {
		o.log.Error("enqueue event", "kind", ev.Kind, "error", err)
	}
}

// apply dispatches one decoded event on its partition worker.
func (o *Orchestrator) apply(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.KindTurnStarted:
		o.applyTurnStarted(ctx, ev.TurnStarted)
	case events.KindItemStarted:
		o.applyItemStarted(ctx, ev.ItemStarted)
	case events.KindItemCompleted:
		o.applyItemCompleted(ctx, ev.ItemCompleted, ev.Raw)
	case events.KindAgentMessageDelta:
		o.applyAgentMessageDelta(ctx, ev.AgentMessageDelta)
	case events.KindTurnCompleted:
		o.applyTurnCompleted(ctx, ev.TurnCompleted)
	case events.KindThreadArchived:
		o.applyThreadArchived(ctx, ev.ThreadArchived)
	case events.KindThreadStarted:
		o.log.Debug("engine thread announced", "engineThread", ev.ThreadStarted.ThreadID)
	case events.KindTurnDiffUpdated, events.KindTurnPlanUpdated, events.KindReasoningDelta:
		// Progress detail with no surface callback; partition ordering
		// is still preserved by routing it through the pipeline.
	case events.KindAccountUpdated, events.KindAccountLoginCompleted, events.KindRateLimitsUpdated:
		o.log.Info("engine account event", "kind", ev.Kind)
	default:
		o.log.Debug("unhandled event", "kind", ev.Kind)
	}
}

func (o *Orchestrator) applyTurnStarted(ctx context.Context, ev *events.TurnStarted) {
	interaction, err := o.interactionForTurn(ctx, ev.ThreadID, ev.TurnID)
	if err != nil {
		o.log.Debug("turn started for unknown interaction", "engineTurn", ev.TurnID, "error", err)
		return
	}
	o.beginTurn(ctx, interaction.ID, ev.TurnID)
	if interaction, err = o.loadInteraction(ctx, interaction.ID); err != nil {
		return
	}
	o.surfaces.Resolve(interaction.ReplyTarget).OnTurnStarted(ctx, interaction)
}

func (o *Orchestrator) applyItemStarted(ctx context.Context, ev *events.ItemStarted) {
	interaction, err := o.interactionForTurn(ctx, ev.ThreadID, ev.TurnID)
	if err != nil {
		o.log.Debug("item started for unknown interaction", "engineTurn", ev.TurnID, "error", err)
		return
	}
	item, created, err := o.ensureItem(ctx, interaction.ID, ev.ItemID, types.ParseItemType(ev.Type), nil)
	if err != nil {
		o.log.Error("record item", "interaction", interaction.ID, "engineItem", ev.ItemID, "error", err)
		return
	}
	if !created {
		return
	}
	o.surfaces.Resolve(interaction.ReplyTarget).OnItemStarted(ctx, interaction, item)
}

// applyItemCompleted marks the item completed, synthesizing the record if
// its started event never arrived. Completed agent messages are the
// authoritative text: the final text is appended to the interaction's
// response regardless of what deltas streamed before it.
func (o *Orchestrator) applyItemCompleted(ctx context.Context, ev *events.ItemCompletedEvent, raw json.RawMessage) {
	interaction, err := o.interactionForItem(ctx, ev.ThreadID, ev.TurnID, ev.ItemID)
	if err != nil {
		o.log.Debug("item completed for unknown interaction", "engineItem", ev.ItemID, "error", err)
		return
	}
	if interaction.Status.Terminal() {
		// The response froze when the interaction went terminal; a late
		// completion must not reopen it.
		o.log.Debug("item completed after terminal interaction", "interaction", interaction.ID, "engineItem", ev.ItemID)
		return
	}

	itemType := types.ParseItemType(ev.Type)
	item, _, err := o.ensureItem(ctx, interaction.ID, ev.ItemID, itemType, raw)
	if err != nil {
		o.log.Error("record item", "interaction", interaction.ID, "engineItem", ev.ItemID, "error", err)
		return
	}
	if item.Status == types.ItemCompleted {
		// Re-delivered completion; the first application already counted.
		return
	}
	item.Status = types.ItemCompleted
	item.Payload = raw
	if itemType != types.ItemUnknown {
		item.Type = itemType
	}
	if err := o.store.Update(ctx, item, "item_completed"); err != nil {
		o.log.Error("persist item", "item", item.ID, "error", err)
		return
	}

	if item.Type == types.ItemAgentMessage && ev.Text != "" {
		if interaction.Response != "" {
			interaction.Response += "\n"
		}
		interaction.Response += ev.Text
		interaction.UpdatedAt = time.Now().UTC()
		if err := o.store.Update(ctx, interaction, "response_appended"); err != nil {
			o.log.Error("persist response", "interaction", interaction.ID, "error", err)
		}
	}
	o.surfaces.Resolve(interaction.ReplyTarget).OnItemCompleted(ctx, interaction, item)
}

// applyAgentMessageDelta forwards streamed text to the surface for
// live-typing effects. Deltas never touch persisted state; the completed
// item carries the final text.
func (o *Orchestrator) applyAgentMessageDelta(ctx context.Context, ev *events.AgentMessageDelta) {
	interaction, err := o.interactionForTurn(ctx, ev.ThreadID, ev.TurnID)
	if err != nil {
		return
	}
	o.surfaces.Resolve(interaction.ReplyTarget).OnAgentMessageDelta(ctx, interaction, ev.Delta)
}

func (o *Orchestrator) applyTurnCompleted(ctx context.Context, ev *events.TurnCompletedEvent) {
	interaction, err := o.interactionForTurn(ctx, ev.ThreadID, ev.TurnID)
	if err != nil {
		o.log.Debug("turn completed for unknown interaction", "engineTurn", ev.TurnID, "error", err)
		return
	}
	if interaction.Status.Terminal() {
		// Re-delivered completion; usage was already counted once.
		o.log.Debug("turn completed for terminal interaction", "interaction", interaction.ID, "engineTurn", ev.TurnID)
		return
	}
	if interaction.Status == types.InteractionPending {
		// Never saw TurnStarted; advance so the terminal transition is
		// legal and the record reflects that the engine did run it.
		o.beginTurn(ctx, interaction.ID, ev.TurnID)
		if interaction, err = o.loadInteraction(ctx, interaction.ID); err != nil {
			return
		}
	}

	usage := ev.Usage.ToDomain()
	interaction.Usage.Add(usage)
	if interaction.Response == "" {
		interaction.Response = o.collectAgentMessages(ctx, interaction.ID)
	}
	if err := o.store.Update(ctx, interaction, "turn_usage"); err != nil {
		o.log.Error("persist turn usage", "interaction", interaction.ID, "error", err)
	}
	o.rollUpUsage(ctx, interaction.ThreadID, usage)

	status := types.InteractionComplete
	reason := ""
	switch ev.Status {
	case events.TurnFailed:
		status = types.InteractionFailed
		if ev.Error != nil {
			reason = ev.Error.Message
		}
	case events.TurnInterrupted:
		status = types.InteractionInterrupted
	}
	o.finish(ctx, interaction, status, reason)
}

func (o *Orchestrator) applyThreadArchived(ctx context.Context, ev *events.ThreadArchived) {
	thread, err := o.threadByEngineID(ctx, ev.ThreadID)
	if err != nil {
		return
	}
	thread.Status = types.ThreadArchived
	thread.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(ctx, thread, "thread_archived"); err != nil {
		o.log.Error("persist archive", "thread", thread.ID, "error", err)
	}
}

// collectAgentMessages is the response fallback: the final text of every
// agent message item on the interaction, oldest first, joined by newline.
func (o *Orchestrator) collectAgentMessages(ctx context.Context, id types.InteractionID) string {
	recs, err := o.store.Query(ctx, types.KindItem, types.Filter{
		"interaction_id": string(id),
		"type":           string(types.ItemAgentMessage),
	}, types.SortCreatedAsc)
	if err != nil {
		o.log.Error("query agent messages", "interaction", id, "error", err)
		return ""
	}
	var parts []string
	for _, rec := range recs {
		item := rec.(*types.InteractionItem)
		var payload struct {
			Text string `json:"text"`
		}
		if len(item.Payload) > 0 {
			_ = json.Unmarshal(item.Payload, &payload)
		}
		if payload.Text != "" {
			parts = append(parts, payload.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// rollUpUsage accumulates a completed turn's tokens onto the thread.
func (o *Orchestrator) rollUpUsage(ctx context.Context, id types.ThreadID, usage types.Usage) {
	if usage == (types.Usage{}) {
		return
	}
	thread, err := o.loadThread(ctx, id)
	if err != nil {
		return
	}
	thread.Usage.Add(usage)
	thread.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(ctx, thread, "usage_rolled_up"); err != nil {
		o.log.Error("persist thread usage", "thread", id, "error", err)
	}
}

// ensureItem inserts an item record keyed (interactionID, engineItemID)
// if none exists, reporting whether it created one.
func (o *Orchestrator) ensureItem(ctx context.Context, interactionID types.InteractionID, engineItemID string, itemType types.ItemType, payload json.RawMessage) (*types.InteractionItem, bool, error) {
	recs, err := o.store.Query(ctx, types.KindItem, types.Filter{
		"interaction_id": string(interactionID),
		"engine_item_id": engineItemID,
	}, types.SortNone)
	if err != nil {
		return nil, false, err
	}
	if len(recs) > 0 {
		return recs[0].(*types.InteractionItem), false, nil
	}
	item := &types.InteractionItem{
		ID:            types.NewItemID(),
		InteractionID: interactionID,
		EngineItemID:  engineItemID,
		Type:          itemType,
		Payload:       payload,
		Status:        types.ItemStarted,
		CreatedAt:     time.Now().UTC(),
	}
	if err := o.store.Create(ctx, item); err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// interactionForTurn resolves the interaction an engine turn belongs to:
// by recorded engine turn id first, else the oldest non-terminal
// interaction on the engine thread (the turn/start response carrying the
// id may not have been applied yet).
func (o *Orchestrator) interactionForTurn(ctx context.Context, engineThreadID, engineTurnID string) (*types.Interaction, error) {
	if engineTurnID != "" {
		recs, err := o.store.Query(ctx, types.KindInteraction, types.Filter{
			"engine_turn_id": engineTurnID,
		}, types.SortCreatedAsc)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			return recs[0].(*types.Interaction), nil
		}
	}
	if engineThreadID == "" {
		return nil, store.ErrNotFound
	}
	thread, err := o.threadByEngineID(ctx, engineThreadID)
	if err != nil {
		return nil, err
	}
	for _, status := range []types.InteractionStatus{types.InteractionInProgress, types.InteractionPending} {
		recs, err := o.store.Query(ctx, types.KindInteraction, types.Filter{
			"thread_id": string(thread.ID),
			"status":    string(status),
		}, types.SortCreatedAsc)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			return recs[0].(*types.Interaction), nil
		}
	}
	return nil, store.ErrNotFound
}

// interactionForItem resolves by the item's engine id when turn and
// thread ids are absent from the event.
func (o *Orchestrator) interactionForItem(ctx context.Context, engineThreadID, engineTurnID, engineItemID string) (*types.Interaction, error) {
	if interaction, err := o.interactionForTurn(ctx, engineThreadID, engineTurnID); err == nil {
		return interaction, nil
	}
	recs, err := o.store.Query(ctx, types.KindItem, types.Filter{
		"engine_item_id": engineItemID,
	}, types.SortCreatedAsc)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, store.ErrNotFound
	}
	return o.loadInteraction(ctx, recs[0].(*types.InteractionItem).InteractionID)
}

func (o *Orchestrator) threadByEngineID(ctx context.Context, engineThreadID string) (*types.Thread, error) {
	recs, err := o.store.Query(ctx, types.KindThread, types.Filter{
		"engine_thread_id": engineThreadID,
	}, types.SortCreatedDesc)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, store.ErrNotFound
	}
	return recs[0].(*types.Thread), nil
}

// approvalParams is the engine's requestApproval payload; both the
// command and file-change variants share it.
type approvalParams struct {
	ItemID   string `json:"itemId"`
	ThreadID string `json:"threadId"`
	Command  string `json:"command,omitempty"`
	Path     string `json:"path,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// approvalHandler serves a server-initiated approval request. It blocks
// on the surface (which bounds the wait itself) and answers with the
// decision; an unresolvable thread declines.
func (o *Orchestrator) approvalHandler(kind surface.ApprovalKind) rpc.ServerRequestHandler {
	return func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
		var req approvalParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
		}
		decision := surface.Decline
		if thread, err := o.threadByEngineID(ctx, req.ThreadID); err == nil {
			decision = o.surfaces.Resolve(thread.ReplyTarget).OnApprovalRequired(ctx, surface.ApprovalRequest{
				Kind:        kind,
				ItemID:      req.ItemID,
				Command:     req.Command,
				Path:        req.Path,
				Reason:      req.Reason,
				ReplyTarget: thread.ReplyTarget,
			})
		} else {
			o.log.Warn("approval request for unknown thread, declining", "engineThread", req.ThreadID)
		}
		o.log.Info("approval answered", "kind", kind, "item", req.ItemID, "decision", decision)
		return map[string]string{"decision": string(decision)}, nil
	}
}
