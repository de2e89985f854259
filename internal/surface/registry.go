// internal/surface/registry.go
package surface

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/stagehand/internal/types"
)

// Registry routes reply targets to Surface implementations by target
// prefix (e.g. "telegram:", "web:", "mock:"). An unresolvable prefix
// degrades to a logged no-op rather than failing the turn.
type Registry struct {
	mu        sync.RWMutex
	byPrefix  map[string]Surface
	noop      Surface
	noopWarns map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		byPrefix:  make(map[string]Surface),
		noop:      Noop{},
		noopWarns: make(map[string]bool),
	}
}

// Register binds a Surface to reply targets starting with prefix.
func (r *Registry) Register(prefix string, s Surface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPrefix[prefix] = s
}

// Resolve returns the Surface for the reply target. Unknown prefixes get
// the no-op surface, warned once per prefix.
func (r *Registry) Resolve(replyTarget string) Surface {
	r.mu.RLock()
	for prefix, s := range r.byPrefix {
		if strings.HasPrefix(replyTarget, prefix) {
			r.mu.RUnlock()
			return s
		}
	}
	r.mu.RUnlock()

	prefix := replyTarget
	if i := strings.Index(replyTarget, ":"); i >= 0 {
		prefix = replyTarget[:i+1]
	}
	r.mu.Lock()
	if !r.noopWarns[prefix] {
		r.noopWarns[prefix] = true
		slog.Warn("no surface for reply target prefix, using no-op", "prefix", prefix)
	}
	r.mu.Unlock()
	return r.noop
}

// Noop is the fallback surface: it swallows every callback and declines
// every approval.
type Noop struct{}

func (Noop) OnTurnStarted(context.Context, *types.Interaction)                           {}
func (Noop) OnItemStarted(context.Context, *types.Interaction, *types.InteractionItem)   {}
func (Noop) OnItemCompleted(context.Context, *types.Interaction, *types.InteractionItem) {}
func (Noop) OnAgentMessageDelta(context.Context, *types.Interaction, string)             {}
func (Noop) OnTurnCompleted(context.Context, *types.Interaction)                         {}
func (Noop) OnApprovalRequired(context.Context, ApprovalRequest) Decision                { return Decline }
