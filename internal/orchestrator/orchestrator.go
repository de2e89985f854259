// internal/orchestrator/orchestrator.go

// Package orchestrator runs the interaction state machine: it turns
// inbound user messages into engine turns, applies the engine's event
// stream back onto persisted state, and notifies the owning surface at
// each lifecycle step.
//
// All record mutation happens inside pipeline jobs keyed by the engine
// thread id (or the local thread id before the engine has assigned one),
// so state for one conversation is only ever touched by one worker at a
// time. The partitioning scheme is the concurrency control; there are no
// record-level locks.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/stagehand/internal/engine"
	"github.com/user/stagehand/internal/events"
	"github.com/user/stagehand/internal/ingress"
	"github.com/user/stagehand/internal/pipeline"
	"github.com/user/stagehand/internal/rpc"
	"github.com/user/stagehand/internal/surface"
	"github.com/user/stagehand/internal/types"
)

// Conn is the slice of the engine connection the orchestrator issues
// calls through. Go registers the response channel before writing, so a
// correlator entry recorded immediately after Go returns is always in
// place before the response is consumed.
type Conn interface {
	Go(method string, params any) (int64, <-chan rpc.CallResult, error)
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Releaser is the slice of the ingress queue the orchestrator reports
// back to when an interaction reaches a terminal state.
type Releaser interface {
	Release(endpointKey string, messageID types.MessageID)
	Cancelled(messageID types.MessageID) bool
}

// Options tunes orchestration behavior.
type Options struct {
	// DefaultAgent names the agent used when a reply target has no
	// active thread yet.
	DefaultAgent string
}

// origin ties an interaction back to the ingress slot that produced it,
// so the slot can be released and cancellation checked at terminal time.
type origin struct {
	endpointKey string
	messageID   types.MessageID
}

// Orchestrator is the interaction state machine.
type Orchestrator struct {
	store    types.Store
	conn     Conn
	surfaces *surface.Registry
	pipe     *pipeline.Pipeline
	queue    Releaser
	corr     *rpc.Correlator
	opts     Options
	log      *slog.Logger

	mu sync.Mutex
	// origins maps live interactions to their ingress slot. Entries are
	// removed when the interaction goes terminal.
	origins map[types.InteractionID]origin
	// issued marks interactions whose turn/start is in flight or
	// acknowledged, so a pending flush never double-starts one.
	issued map[types.InteractionID]bool
	// threadStarts marks threads with a thread/start in flight.
	threadStarts map[types.ThreadID]bool
}

func New(store types.Store, conn Conn, surfaces *surface.Registry, pipe *pipeline.Pipeline, queue Releaser, opts Options) *Orchestrator {
	if opts.DefaultAgent == "" {
		opts.DefaultAgent = "default"
	}
	return &Orchestrator{
		store:        store,
		conn:         conn,
		surfaces:     surfaces,
		pipe:         pipe,
		queue:        queue,
		corr:         rpc.NewCorrelator(),
		opts:         opts,
		log:          slog.Default().With("component", "orchestrator"),
		origins:      make(map[types.InteractionID]origin),
		issued:       make(map[types.InteractionID]bool),
		threadStarts: make(map[types.ThreadID]bool),
	}
}

// Attach registers the orchestrator's event and approval handlers on a
// transport. Run it through the supervisor's configure hook so every
// restarted transport gets wired before its handshake.
func (o *Orchestrator) Attach(t *rpc.Transport) {
	t.OnNotification("*", o.handleNotification)
	t.OnServerRequest(events.MethodCommandApprovalRequest, o.approvalHandler(surface.ApprovalCommand))
	t.OnServerRequest(events.MethodFileChangeApprovalReq, o.approvalHandler(surface.ApprovalFileChange))
}

// EngineRestarted reconciles in-memory bookkeeping after the engine
// process was replaced. Persisted engine thread ids are left in place;
// the next turn/start against a gone thread trips the thread-missing
// recovery and re-creates it. Run through the supervisor's ready hook.
func (o *Orchestrator) EngineRestarted() {
	o.mu.Lock()
	n := len(o.threadStarts)
	o.threadStarts = make(map[types.ThreadID]bool)
	o.mu.Unlock()
	if n > 0 {
		o.log.Warn("engine restarted with thread starts in flight", "abandoned", n)
	}
}

// HandleInbound is the ingress dispatcher: it persists the message as a
// pending interaction on its thread and schedules the turn start on the
// thread's partition. The ingress slot stays held until the interaction
// goes terminal.
func (o *Orchestrator) HandleInbound(ctx context.Context, env *ingress.Envelope) {
	thread, err := o.resolveThread(ctx, env.EndpointKey)
	if err != nil {
		o.log.Error("resolve thread", "replyTarget", env.EndpointKey, "error", err)
		o.queue.Release(env.EndpointKey, env.MessageID)
		return
	}

	now := time.Now().UTC()
	interaction := &types.Interaction{
		ID:              types.NewInteractionID(),
		ThreadID:        thread.ID,
		OriginalMessage: env.Text,
		ImagePaths:      env.ImagePaths,
		ReplyTarget:     env.EndpointKey,
		Status:          types.InteractionPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.Create(ctx, interaction); err != nil {
		o.log.Error("create interaction", "error", err)
		o.queue.Release(env.EndpointKey, env.MessageID)
		return
	}

	o.mu.Lock()
	o.origins[interaction.ID] = origin{endpointKey: env.EndpointKey, messageID: env.MessageID}
	o.mu.Unlock()

	key := o.threadKey(thread)
	if err := o.pipe.Enqueue(ctx, key, func() {
		o.startTurn(context.Background(), interaction.ID)
	}); err != nil {
		o.log.Error("enqueue start turn", "interaction", interaction.ID, "error", err)
		o.finish(context.Background(), interaction, types.InteractionFailed, "pipeline unavailable")
	}
}

// resolveThread finds the most recent active thread for a reply target,
// creating one when none exists. Inbound messages for one endpoint are
// serialized by the ingress queue, so there is no create race per target.
func (o *Orchestrator) resolveThread(ctx context.Context, replyTarget string) (*types.Thread, error) {
	recs, err := o.store.Query(ctx, types.KindThread, types.Filter{
		"reply_target": replyTarget,
		"status":       string(types.ThreadActive),
	}, types.SortCreatedDesc)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		return recs[0].(*types.Thread), nil
	}

	now := time.Now().UTC()
	thread := &types.Thread{
		ID:          types.NewThreadID(),
		Agent:       o.opts.DefaultAgent,
		Status:      types.ThreadActive,
		ReplyTarget: replyTarget,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.Create(ctx, thread); err != nil {
		return nil, err
	}
	o.log.Info("thread created", "thread", thread.ID, "replyTarget", replyTarget)
	return thread, nil
}

// threadKey picks the partition key for a thread: the engine thread id
// once assigned (events arrive keyed by it), the local id before then.
func (o *Orchestrator) threadKey(thread *types.Thread) string {
	if thread.EngineThreadID != "" {
		return thread.EngineThreadID
	}
	return string(thread.ID)
}

// startTurn runs on the thread's partition worker. It either issues
// turn/start (engine thread known) or thread/start (not yet), leaving
// the interaction pending in the latter case for the response handler to
// flush.
func (o *Orchestrator) startTurn(ctx context.Context, id types.InteractionID) {
	interaction, err := o.loadInteraction(ctx, id)
	if err != nil {
		o.log.Error("load interaction", "interaction", id, "error", err)
		return
	}
	if interaction.Status != types.InteractionPending {
		return
	}
	thread, err := o.loadThread(ctx, interaction.ThreadID)
	if err != nil {
		o.log.Error("load thread", "thread", interaction.ThreadID, "error", err)
		o.finish(ctx, interaction, types.InteractionFailed, "thread missing from store")
		return
	}

	if thread.EngineThreadID == "" {
		o.ensureEngineThread(thread)
		return
	}
	o.issueTurnStart(thread, interaction)
}

// ensureEngineThread issues thread/start unless one is already in flight
// for this thread. Pending interactions stay pending either way; the
// response handler flushes them in creation order.
func (o *Orchestrator) ensureEngineThread(thread *types.Thread) {
	o.mu.Lock()
	if o.threadStarts[thread.ID] {
		o.mu.Unlock()
		return
	}
	o.threadStarts[thread.ID] = true
	o.mu.Unlock()

	agent, err := o.loadAgent(context.Background(), thread.Agent)
	if err != nil {
		o.log.Warn("agent not found, starting bare thread", "agent", thread.Agent)
		agent = &types.Agent{}
	}
	params := engine.ThreadStartParams{
		Model:          agent.Model,
		Cwd:            agent.WorkspacePath,
		SandboxPolicy:  string(agent.SandboxPolicy),
		ApprovalPolicy: agent.ApprovalPolicy,
	}

	reqID, ch, err := o.conn.Go(engine.MethodThreadStart, params)
	if err != nil {
		o.mu.Lock()
		delete(o.threadStarts, thread.ID)
		o.mu.Unlock()
		o.log.Error("thread/start send failed", "thread", thread.ID, "error", err)
		o.failPendingForThread(context.Background(), thread, "engine unavailable")
		return
	}
	o.corr.Put(reqID, rpc.Pending{
		Kind:        rpc.PendingThreadStart,
		ThreadID:    thread.ID,
		ReplyTarget: thread.ReplyTarget,
	})
	go o.awaitResponse(reqID, ch)
}

// issueTurnStart sends turn/start for one interaction. The interaction
// stays pending until the success response or the TurnStarted event
// advances it, so a thread-missing error can replay it unchanged.
func (o *Orchestrator) issueTurnStart(thread *types.Thread, interaction *types.Interaction) {
	o.mu.Lock()
	if o.issued[interaction.ID] {
		o.mu.Unlock()
		return
	}
	o.issued[interaction.ID] = true
	o.mu.Unlock()

	params := engine.TurnStartParams{
		ThreadID: thread.EngineThreadID,
		Input:    engine.TextInput(interaction.OriginalMessage, interaction.ImagePaths),
	}
	reqID, ch, err := o.conn.Go(engine.MethodTurnStart, params)
	if err != nil {
		o.mu.Lock()
		delete(o.issued, interaction.ID)
		o.mu.Unlock()
		o.log.Error("turn/start send failed", "interaction", interaction.ID, "error", err)
		o.finish(context.Background(), interaction, types.InteractionFailed, "engine unavailable")
		return
	}
	o.corr.Put(reqID, rpc.Pending{
		Kind:          rpc.PendingTurnStart,
		ThreadID:      thread.ID,
		InteractionID: interaction.ID,
		ReplyTarget:   interaction.ReplyTarget,
	})
	go o.awaitResponse(reqID, ch)
}

// awaitResponse consumes one correlated RPC response and routes it back
// onto the owning thread's partition.
func (o *Orchestrator) awaitResponse(reqID int64, ch <-chan rpc.CallResult) {
	res := <-ch
	pending, ok := o.corr.Pop(reqID)
	if !ok {
		o.log.Debug("response with no correlation entry", "id", reqID)
		return
	}

	ctx := context.Background()
	switch pending.Kind {
	case rpc.PendingThreadStart:
		o.onThreadStartResponse(ctx, pending, res)
	case rpc.PendingTurnStart:
		o.onTurnStartResponse(ctx, pending, res)
	default:
		o.log.Debug("unrouted response", "kind", pending.Kind, "id", reqID)
	}
}

// onThreadStartResponse records the engine thread id and flushes every
// still-pending interaction on the thread in creation order.
func (o *Orchestrator) onThreadStartResponse(ctx context.Context, pending rpc.Pending, res rpc.CallResult) {
	if res.Err != nil {
		o.clearThreadStart(pending.ThreadID)
		o.log.Error("thread/start failed", "thread", pending.ThreadID, "error", res.Err)
		if thread, err := o.loadThread(ctx, pending.ThreadID); err == nil {
			o.enqueueThread(ctx, thread, func() {
				o.failPendingForThread(context.Background(), thread, "engine refused thread")
			})
		}
		return
	}

	var result engine.ThreadStartResult
	if err := json.Unmarshal(res.Result, &result); err != nil || result.ThreadID == "" {
		o.clearThreadStart(pending.ThreadID)
		o.log.Error("thread/start result malformed", "thread", pending.ThreadID, "error", err)
		return
	}

	// The new engine thread id becomes the partition key for all of this
	// conversation's events, so the flush runs on that partition. The
	// in-flight guard stays set until the id is persisted, so a message
	// landing in between cannot issue a second thread/start.
	threadID := pending.ThreadID
	if err := o.pipe.Enqueue(ctx, result.ThreadID, func() {
		o.assignEngineThread(context.Background(), threadID, result.ThreadID)
	}); err != nil {
		o.clearThreadStart(threadID)
		o.log.Error("enqueue thread assignment", "thread", threadID, "error", err)
	}
}

// assignEngineThread runs on the new engine thread's partition.
func (o *Orchestrator) assignEngineThread(ctx context.Context, threadID types.ThreadID, engineThreadID string) {
	defer o.clearThreadStart(threadID)

	thread, err := o.loadThread(ctx, threadID)
	if err != nil {
		o.log.Error("load thread", "thread", threadID, "error", err)
		return
	}
	thread.EngineThreadID = engineThreadID
	thread.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(ctx, thread, "engine_thread_assigned"); err != nil {
		o.log.Error("persist engine thread id", "thread", threadID, "error", err)
		return
	}
	o.log.Info("engine thread assigned", "thread", threadID, "engineThread", engineThreadID)
	o.flushPending(ctx, thread)
}

func (o *Orchestrator) clearThreadStart(threadID types.ThreadID) {
	o.mu.Lock()
	delete(o.threadStarts, threadID)
	o.mu.Unlock()
}

// flushPending starts every still-pending interaction on the thread,
// oldest first. Interactions already issued are skipped.
func (o *Orchestrator) flushPending(ctx context.Context, thread *types.Thread) {
	recs, err := o.store.Query(ctx, types.KindInteraction, types.Filter{
		"thread_id": string(thread.ID),
		"status":    string(types.InteractionPending),
	}, types.SortCreatedAsc)
	if err != nil {
		o.log.Error("query pending interactions", "thread", thread.ID, "error", err)
		return
	}
	for _, rec := range recs {
		o.issueTurnStart(thread, rec.(*types.Interaction))
	}
}

// onTurnStartResponse advances the interaction on success and runs the
// thread-missing recovery on the known engine error shape. Any other
// error is terminal for this interaction only.
func (o *Orchestrator) onTurnStartResponse(ctx context.Context, pending rpc.Pending, res rpc.CallResult) {
	thread, err := o.loadThread(ctx, pending.ThreadID)
	if err != nil {
		o.log.Error("load thread", "thread", pending.ThreadID, "error", err)
		return
	}

	if res.Err == nil {
		var result engine.TurnStartResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			o.log.Warn("turn/start result malformed", "interaction", pending.InteractionID, "error", err)
		}
		o.enqueueThread(ctx, thread, func() {
			o.beginTurn(context.Background(), pending.InteractionID, result.TurnID)
		})
		return
	}

	if engine.ThreadMissing(res.Err) {
		o.log.Warn("engine lost thread state, recreating",
			"thread", thread.ID, "engineThread", thread.EngineThreadID, "error", res.Err)
		o.enqueueThread(ctx, thread, func() {
			o.recoverThread(context.Background(), thread.ID, pending.InteractionID)
		})
		return
	}

	o.log.Error("turn/start failed", "interaction", pending.InteractionID, "error", res.Err)
	o.enqueueThread(ctx, thread, func() {
		if interaction, err := o.loadInteraction(context.Background(), pending.InteractionID); err == nil {
			o.finish(context.Background(), interaction, types.InteractionFailed, res.Err.Error())
		}
	})
}

// beginTurn advances a pending interaction to in_progress and records the
// engine turn id. Idempotent against the TurnStarted event doing the same.
func (o *Orchestrator) beginTurn(ctx context.Context, id types.InteractionID, engineTurnID string) {
	interaction, err := o.loadInteraction(ctx, id)
	if err != nil {
		o.log.Error("load interaction", "interaction", id, "error", err)
		return
	}
	changed := false
	if interaction.EngineTurnID == "" && engineTurnID != "" {
		interaction.EngineTurnID = engineTurnID
		changed = true
	}
	if interaction.Status == types.InteractionPending {
		interaction.Status = types.InteractionInProgress
		changed = true
	}
	if !changed {
		return
	}
	interaction.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(ctx, interaction, "turn_started"); err != nil {
		o.log.Error("persist turn start", "interaction", id, "error", err)
	}
}

// recoverThread clears a stale engine thread id and re-issues
// thread/start. The failed interaction reverts to issued=false so the
// flush that follows the new thread id replays it.
func (o *Orchestrator) recoverThread(ctx context.Context, threadID types.ThreadID, interactionID types.InteractionID) {
	thread, err := o.loadThread(ctx, threadID)
	if err != nil {
		o.log.Error("load thread", "thread", threadID, "error", err)
		return
	}
	thread.EngineThreadID = ""
	thread.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(ctx, thread, "engine_thread_lost"); err != nil {
		o.log.Error("clear engine thread id", "thread", threadID, "error", err)
		return
	}
	o.mu.Lock()
	delete(o.issued, interactionID)
	o.mu.Unlock()
	o.ensureEngineThread(thread)
}

// failPendingForThread marks every pending interaction on the thread
// failed. Used when the engine cannot be reached or refuses the thread.
func (o *Orchestrator) failPendingForThread(ctx context.Context, thread *types.Thread, reason string) {
	recs, err := o.store.Query(ctx, types.KindInteraction, types.Filter{
		"thread_id": string(thread.ID),
		"status":    string(types.InteractionPending),
	}, types.SortCreatedAsc)
	if err != nil {
		o.log.Error("query pending interactions", "thread", thread.ID, "error", err)
		return
	}
	for _, rec := range recs {
		o.finish(ctx, rec.(*types.Interaction), types.InteractionFailed, reason)
	}
}

// finish moves an interaction to a terminal status, persists it, releases
// its ingress slot, and notifies the surface unless the originating
// message was cancelled. Safe to call for an already-terminal interaction.
func (o *Orchestrator) finish(ctx context.Context, interaction *types.Interaction, status types.InteractionStatus, reason string) {
	if interaction.Status.Terminal() {
		return
	}
	if !interaction.Status.CanAdvanceTo(status) {
		o.log.Error("illegal status transition", "interaction", interaction.ID,
			"from", interaction.Status, "to", status)
		return
	}
	interaction.Status = status
	if status == types.InteractionFailed && interaction.Response == "" && reason != "" {
		interaction.Response = fmt.Sprintf("Turn failed: %s", reason)
	}
	interaction.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(ctx, interaction, "turn_"+string(status)); err != nil {
		o.log.Error("persist terminal interaction", "interaction", interaction.ID, "error", err)
	}

	o.mu.Lock()
	org, hasOrigin := o.origins[interaction.ID]
	delete(o.origins, interaction.ID)
	delete(o.issued, interaction.ID)
	o.mu.Unlock()

	suppressed := hasOrigin && o.queue.Cancelled(org.messageID)
	if suppressed {
		o.log.Info("turn finished after cancellation, notification suppressed",
			"interaction", interaction.ID, "status", status)
	} else {
		o.surfaces.Resolve(interaction.ReplyTarget).OnTurnCompleted(ctx, interaction)
	}
	if hasOrigin {
		o.queue.Release(org.endpointKey, org.messageID)
	}
}

func (o *Orchestrator) enqueueThread(ctx context.Context, thread *types.Thread, job pipeline.Job) {
	if err := o.pipe.Enqueue(ctx, o.threadKey(thread), job); err != nil {
		o.log.Error("enqueue job", "thread", thread.ID, "error", err)
	}
}

func (o *Orchestrator) loadInteraction(ctx context.Context, id types.InteractionID) (*types.Interaction, error) {
	rec, err := o.store.Get(ctx, types.KindInteraction, string(id))
	if err != nil {
		return nil, err
	}
	return rec.(*types.Interaction), nil
}

func (o *Orchestrator) loadThread(ctx context.Context, id types.ThreadID) (*types.Thread, error) {
	rec, err := o.store.Get(ctx, types.KindThread, string(id))
	if err != nil {
		return nil, err
	}
	return rec.(*types.Thread), nil
}

func (o *Orchestrator) loadAgent(ctx context.Context, name string) (*types.Agent, error) {
	rec, err := o.store.Get(ctx, types.KindAgent, name)
	if err != nil {
		return nil, err
	}
	return rec.(*types.Agent), nil
}
