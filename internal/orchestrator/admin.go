// internal/orchestrator/admin.go
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/user/stagehand/internal/engine"
	"github.com/user/stagehand/internal/store"
	"github.com/user/stagehand/internal/types"
)

// ActiveThread returns the most recent active thread for a reply target.
func (o *Orchestrator) ActiveThread(ctx context.Context, replyTarget string) (*types.Thread, error) {
	recs, err := o.store.Query(ctx, types.KindThread, types.Filter{
		"reply_target": replyTarget,
		"status":       string(types.ThreadActive),
	}, types.SortCreatedDesc)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, store.ErrNotFound
	}
	return recs[0].(*types.Thread), nil
}

// NewThread archives the reply target's active thread so the next
// message starts a fresh conversation. The engine side is archived best
// effort; the local record is authoritative.
func (o *Orchestrator) NewThread(ctx context.Context, replyTarget string) error {
	thread, err := o.ActiveThread(ctx, replyTarget)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	thread.Status = types.ThreadArchived
	thread.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(ctx, thread, "thread_archived"); err != nil {
		return fmt.Errorf("archive thread: %w", err)
	}
	if thread.EngineThreadID != "" {
		if err := engine.NewClient(o.conn).ThreadArchive(ctx, thread.EngineThreadID); err != nil {
			o.log.Warn("engine archive failed", "thread", thread.ID, "error", err)
		}
	}
	o.log.Info("thread archived", "thread", thread.ID, "replyTarget", replyTarget)
	return nil
}

// Interrupt asks the engine to stop the reply target's running turn.
// Cooperative only: the TurnCompleted event with interrupted status does
// the actual state transition.
func (o *Orchestrator) Interrupt(ctx context.Context, replyTarget string) error {
	thread, err := o.ActiveThread(ctx, replyTarget)
	if err != nil {
		return err
	}
	if thread.EngineThreadID == "" {
		return fmt.Errorf("thread %s has no engine thread to interrupt", thread.ID)
	}
	return engine.NewClient(o.conn).TurnInterrupt(ctx, thread.EngineThreadID)
}

// Threads lists every thread, newest first.
func (o *Orchestrator) Threads(ctx context.Context) ([]*types.Thread, error) {
	recs, err := o.store.Query(ctx, types.KindThread, nil, types.SortCreatedDesc)
	if err != nil {
		return nil, err
	}
	threads := make([]*types.Thread, 0, len(recs))
	for _, rec := range recs {
		threads = append(threads, rec.(*types.Thread))
	}
	return threads, nil
}
