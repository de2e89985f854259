// internal/ingress/queue_test.go
package ingress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/user/stagehand/internal/types"
)

func env(endpoint, text string) *Envelope {
	return &Envelope{
		MessageID:   types.NewMessageID(),
		EndpointKey: endpoint,
		Text:        text,
	}
}

func TestOneInFlightPerEndpoint(t *testing.T) {
	q := New(8)

	var mu sync.Mutex
	var order []string
	dispatched := make(chan *Envelope, 10)
	q.SetDispatcher(func(_ context.Context, e *Envelope) {
		mu.Lock()
		order = append(order, e.Text)
		mu.Unlock()
		dispatched <- e
	})
	q.Start(context.Background())
	defer q.Stop()

	first := env("telegram:1", "one")
	second := env("telegram:1", "two")
	third := env("telegram:1", "three")
	for _, e := range []*Envelope{first, second, third} {
		if err := q.Enqueue(e); err != nil {
			t.Fatal(err)
		}
	}

	// Only the first message dispatches until it is released.
	select {
	case <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("first message never dispatched")
	}
	select {
	case e := <-dispatched:
		t.Fatalf("second message %q dispatched while first in flight", e.Text)
	case <-time.After(100 * time.Millisecond):
	}

	q.Release("telegram:1", first.MessageID)
	select {
	case <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("second message never dispatched after release")
	}
	q.Release("telegram:1", second.MessageID)
	select {
	case <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("third message never dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "one" || order[1] != "two" || order[2] != "three" {
		t.Errorf("FIFO violated: %v", order)
	}
}

func TestEndpointsDoNotSerializeEachOther(t *testing.T) {
	q := New(8)
	dispatched := make(chan string, 10)
	q.SetDispatcher(func(_ context.Context, e *Envelope) {
		dispatched <- e.EndpointKey
	})
	q.Start(context.Background())
	defer q.Stop()

	// Endpoint A's message stays in flight (never released); endpoint B
	// must still dispatch.
	q.Enqueue(env("telegram:a", "blocked"))
	q.Enqueue(env("telegram:b", "free"))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case key := <-dispatched:
			got[key] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("dispatches stalled, saw %v", got)
		}
	}
	if !got["telegram:a"] || !got["telegram:b"] {
		t.Errorf("expected both endpoints dispatched, saw %v", got)
	}
}

func TestCancelQueuedMessageSkipsDispatch(t *testing.T) {
	q := New(2)
	dispatched := make(chan string, 10)
	q.SetDispatcher(func(_ context.Context, e *Envelope) {
		dispatched <- e.Text
	})
	q.Start(context.Background())
	defer q.Stop()

	first := env("mock:1", "one")
	second := env("mock:1", "two")
	third := env("mock:1", "three")
	q.Enqueue(first)
	q.Enqueue(second)
	q.Enqueue(third)

	<-dispatched // "one" in flight

	if !q.Cancel("mock:1", second.MessageID) {
		t.Fatal("cancel of queued message should succeed")
	}

	q.Release("mock:1", first.MessageID)
	select {
	case text := <-dispatched:
		if text != "three" {
			t.Fatalf("cancelled message dispatched: %s", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("third message never dispatched")
	}
}

func TestCancelInFlightSetsFlag(t *testing.T) {
	q := New(2)
	dispatched := make(chan *Envelope, 1)
	q.SetDispatcher(func(_ context.Context, e *Envelope) {
		dispatched <- e
	})
	q.Start(context.Background())
	defer q.Stop()

	e := env("mock:2", "going away")
	q.Enqueue(e)
	<-dispatched

	if !q.Cancel("mock:2", e.MessageID) {
		t.Fatal("cancel of in-flight message should succeed")
	}
	if !q.Cancelled(e.MessageID) {
		t.Fatal("cancellation flag not set")
	}

	// Release clears the flag.
	q.Release("mock:2", e.MessageID)
	if q.Cancelled(e.MessageID) {
		t.Fatal("cancellation flag should clear on release")
	}
}

func TestCancelUnknownMessage(t *testing.T) {
	q := New(2)
	q.SetDispatcher(func(context.Context, *Envelope) {})
	q.Start(context.Background())
	defer q.Stop()

	if q.Cancel("mock:3", types.NewMessageID()) {
		t.Fatal("cancel of unknown message should report false")
	}
}
