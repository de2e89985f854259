// internal/ingress/queue.go

// Package ingress buffers inbound user messages per external endpoint. It
// guarantees at most one message per endpoint in flight at a time, strict
// FIFO order for an endpoint's messages, and supports cancelling a message
// that is still queued or already in flight (e.g. the user deleted it).
// This is about ordering a human's successive messages, which may target
// different threads; per-conversation event ordering lives in the
// pipeline package.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/stagehand/internal/types"
)

// Envelope is one inbound user message.
type Envelope struct {
	MessageID   types.MessageID
	EndpointKey string // reply-target string, e.g. "telegram:123"
	ReplyTarget types.ReplyTarget
	Text        string
	ImagePaths  []string
	EnqueuedAt  time.Time
}

// Dispatcher hands an envelope to turn orchestration. The endpoint's
// in-flight slot stays held until Release is called for the envelope.
type Dispatcher func(ctx context.Context, env *Envelope)

const maxQueuedPerEndpoint = 100

type lane struct {
	pending  []*Envelope
	inFlight *Envelope
}

// Queue manages per-endpoint lanes with a global concurrency semaphore.
type Queue struct {
	dispatch Dispatcher
	sem      *semaphore.Weighted

	mu        sync.Mutex
	lanes     map[string]*lane
	cancelled map[types.MessageID]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Queue allowing up to maxConcurrent dispatches across all
// endpoints.
func New(maxConcurrent int64) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Queue{
		sem:       semaphore.NewWeighted(maxConcurrent),
		lanes:     make(map[string]*lane),
		cancelled: make(map[types.MessageID]bool),
	}
}

// SetDispatcher sets the function invoked for each dispatched envelope.
// Must be called before Start.
func (q *Queue) SetDispatcher(fn Dispatcher) {
	q.dispatch = fn
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue and waits for in-flight dispatches to return.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue appends the envelope to its endpoint's FIFO and dispatches it
// immediately if the endpoint is idle.
func (q *Queue) Enqueue(env *Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	ln, ok := q.lanes[env.EndpointKey]
	if !ok {
		ln = &lane{}
		q.lanes[env.EndpointKey] = ln
	}
	if len(ln.pending) >= maxQueuedPerEndpoint {
		q.mu.Unlock()
		return fmt.Errorf("ingress queue full for endpoint %s", env.EndpointKey)
	}
	ln.pending = append(ln.pending, env)
	q.maybeDispatchLocked(ln)
	q.mu.Unlock()
	return nil
}

// Release frees the endpoint's in-flight slot once its message reached a
// terminal state, clears any cancellation flag for it, and dispatches the
// next queued message.
func (q *Queue) Release(endpointKey string, messageID types.MessageID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.cancelled, messageID)
	ln, ok := q.lanes[endpointKey]
	if !ok {
		return
	}
	if ln.inFlight == nil || ln.inFlight.MessageID != messageID {
		slog.Debug("release for message not in flight", "endpoint", endpointKey, "message_id", messageID)
		return
	}
	ln.inFlight = nil
	q.maybeDispatchLocked(ln)
}

// Cancel removes a still-queued message without dispatching it, or marks
// an in-flight message cancelled so its final surface notification is
// suppressed. Engine-side work already under way is left to finish.
// Reports whether the message was known.
func (q *Queue) Cancel(endpointKey string, messageID types.MessageID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ln, ok := q.lanes[endpointKey]
	if !ok {
		return false
	}
	for i, env := range ln.pending {
		if env.MessageID == messageID {
			ln.pending = append(ln.pending[:i], ln.pending[i+1:]...)
			return true
		}
	}
	if ln.inFlight != nil && ln.inFlight.MessageID == messageID {
		q.cancelled[messageID] = true
		return true
	}
	return false
}

// Cancelled reports whether an in-flight message was cancelled. Checked
// by turn orchestration before delivering the final notification.
func (q *Queue) Cancelled(messageID types.MessageID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[messageID]
}

// maybeDispatchLocked pops the lane's head and hands it to the dispatcher
// if the endpoint is idle. Caller holds q.mu.
func (q *Queue) maybeDispatchLocked(ln *lane) {
	if ln.inFlight != nil || len(ln.pending) == 0 || q.dispatch == nil || q.ctx == nil {
		return
	}
	env := ln.pending[0]
	ln.pending = ln.pending[1:]
	ln.inFlight = env

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			return
		}
		defer q.sem.Release(1)
		q.dispatch(q.ctx, env)
	}()
}
