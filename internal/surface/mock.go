// internal/surface/mock.go
package surface

import (
	"context"
	"sync"

	"github.com/user/stagehand/internal/types"
)

// Call records one callback delivered to a Mock surface.
type Call struct {
	Name          string
	InteractionID types.InteractionID
	ItemID        string
	Delta         string
	Status        types.InteractionStatus
	Response      string
}

// Mock is the test-harness surface: it records every callback and answers
// approvals with a configured decision. Completed turns are additionally
// signalled on Completed for tests and the one-shot send command.
type Mock struct {
	mu       sync.Mutex
	calls    []Call
	decision Decision

	Completed chan *types.Interaction
}

func NewMock() *Mock {
	return &Mock{
		decision:  Accept,
		Completed: make(chan *types.Interaction, 16),
	}
}

// SetDecision controls the answer to subsequent approval requests.
func (m *Mock) SetDecision(d Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decision = d
}

// Calls returns a snapshot of recorded callbacks.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallNames returns just the callback names, in delivery order.
func (m *Mock) CallNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.calls))
	for i, c := range m.calls {
		names[i] = c.Name
	}
	return names
}

func (m *Mock) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

func (m *Mock) OnTurnStarted(_ context.Context, in *types.Interaction) {
	m.record(Call{Name: "turn_started", InteractionID: in.ID})
}

func (m *Mock) OnItemStarted(_ context.Context, in *types.Interaction, item *types.InteractionItem) {
	m.record(Call{Name: "item_started", InteractionID: in.ID, ItemID: item.EngineItemID})
}

func (m *Mock) OnItemCompleted(_ context.Context, in *types.Interaction, item *types.InteractionItem) {
	m.record(Call{Name: "item_completed", InteractionID: in.ID, ItemID: item.EngineItemID})
}

func (m *Mock) OnAgentMessageDelta(_ context.Context, in *types.Interaction, delta string) {
	m.record(Call{Name: "agent_message_delta", InteractionID: in.ID, Delta: delta})
}

func (m *Mock) OnTurnCompleted(_ context.Context, in *types.Interaction) {
	m.record(Call{Name: "turn_completed", InteractionID: in.ID, Status: in.Status, Response: in.Response})
	select {
	case m.Completed <- in:
	default:
	}
}

func (m *Mock) OnApprovalRequired(_ context.Context, req ApprovalRequest) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Name: "approval_required", ItemID: req.ItemID})
	return m.decision
}
