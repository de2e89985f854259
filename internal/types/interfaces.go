// internal/types/interfaces.go
package types

import "context"

// Kind names a persisted entity family.
type Kind string

const (
	KindSurface     Kind = "surface"
	KindAgent       Kind = "agent"
	KindThread      Kind = "thread"
	KindInteraction Kind = "interaction"
	KindItem        Kind = "item"
)

// Record is anything the Store can persist.
type Record interface {
	RecordKind() Kind
	RecordID() string
}

// Filter is an equality match on json-tagged field names, e.g.
// Filter{"thread_id": threadID, "status": "pending"}.
type Filter map[string]any

// Sort orders Query results by record creation time.
type Sort int

const (
	SortNone Sort = iota
	SortCreatedAsc
	SortCreatedDesc
)

// Store is the persistence collaborator. Everything in the data model is
// persisted exclusively through these four operations; the core never
// issues raw storage queries. The action string on Update names the domain
// transition for audit logging ("turn_completed", "engine_thread_assigned").
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, kind Kind, id string) (Record, error)
	Update(ctx context.Context, rec Record, action string) error
	Query(ctx context.Context, kind Kind, filter Filter, sort Sort) ([]Record, error)
}

func (s *Surface) RecordKind() Kind         { return KindSurface }
func (s *Surface) RecordID() string         { return s.ID }
func (a *Agent) RecordKind() Kind           { return KindAgent }
func (a *Agent) RecordID() string           { return a.Name }
func (t *Thread) RecordKind() Kind          { return KindThread }
func (t *Thread) RecordID() string          { return string(t.ID) }
func (i *Interaction) RecordKind() Kind     { return KindInteraction }
func (i *Interaction) RecordID() string     { return string(i.ID) }
func (i *InteractionItem) RecordKind() Kind { return KindItem }
func (i *InteractionItem) RecordID() string { return string(i.ID) }
