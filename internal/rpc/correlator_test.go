// internal/rpc/correlator_test.go
package rpc

import (
	"sync"
	"testing"

	"github.com/user/stagehand/internal/types"
)

func TestCorrelatorPutPop(t *testing.T) {
	c := NewCorrelator()

	c.Put(1, Pending{Kind: PendingThreadStart, ThreadID: "t-1"})
	c.Put(2, Pending{Kind: PendingTurnStart, ThreadID: "t-1", InteractionID: "i-1"})

	p, ok := c.Pop(2)
	if !ok || p.Kind != PendingTurnStart || p.InteractionID != types.InteractionID("i-1") {
		t.Fatalf("unexpected entry: %+v ok=%v", p, ok)
	}

	// Consumed exactly once.
	if _, ok := c.Pop(2); ok {
		t.Fatal("entry popped twice")
	}

	if _, ok := c.Pop(99); ok {
		t.Fatal("missing entry should report not found")
	}

	if c.Len() != 1 {
		t.Fatalf("expected 1 outstanding entry, got %d", c.Len())
	}
}

func TestCorrelatorConcurrentAccess(t *testing.T) {
	c := NewCorrelator()
	var wg sync.WaitGroup
	for i := int64(0); i < 100; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			c.Put(id, Pending{Kind: PendingTurnStart})
			if _, ok := c.Pop(id); !ok {
				t.Errorf("lost entry %d", id)
			}
		}(i)
	}
	wg.Wait()
	if c.Len() != 0 {
		t.Fatalf("expected empty correlator, got %d entries", c.Len())
	}
}
