// internal/surface/registry_test.go
package surface

import (
	"context"
	"testing"
	"time"

	"github.com/user/stagehand/internal/types"
)

func TestRegistryResolvesByPrefix(t *testing.T) {
	reg := NewRegistry()
	tg := NewMock()
	mk := NewMock()
	reg.Register("telegram:", tg)
	reg.Register("mock:", mk)

	in := &types.Interaction{ID: types.NewInteractionID()}
	reg.Resolve("telegram:123").OnTurnStarted(context.Background(), in)
	reg.Resolve("mock:abc").OnTurnStarted(context.Background(), in)

	if len(tg.Calls()) != 1 {
		t.Errorf("telegram surface got %d calls", len(tg.Calls()))
	}
	if len(mk.Calls()) != 1 {
		t.Errorf("mock surface got %d calls", len(mk.Calls()))
	}
}

func TestRegistryUnknownPrefixIsNoop(t *testing.T) {
	reg := NewRegistry()
	s := reg.Resolve("smoke-signal:hilltop")

	// Must not panic, and approvals default to decline.
	in := &types.Interaction{ID: types.NewInteractionID()}
	s.OnTurnStarted(context.Background(), in)
	s.OnTurnCompleted(context.Background(), in)
	if d := s.OnApprovalRequired(context.Background(), ApprovalRequest{}); d != Decline {
		t.Errorf("no-op surface should decline, got %s", d)
	}
}

func TestDecideWithTimeout(t *testing.T) {
	d := DecideWithTimeout(context.Background(), time.Second, func(context.Context) Decision {
		return Accept
	})
	if d != Accept {
		t.Errorf("expected accept, got %s", d)
	}

	start := time.Now()
	d = DecideWithTimeout(context.Background(), 50*time.Millisecond, func(ctx context.Context) Decision {
		time.Sleep(500 * time.Millisecond) // answers too late
		return Accept
	})
	if d != Decline {
		t.Errorf("timed-out approval should decline, got %s", d)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout not enforced")
	}
}
