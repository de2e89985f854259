// internal/store/store.go

// Package store provides the persistence implementations behind the
// four-operation Store interface: an in-memory store for tests and
// one-shot runs, and a JSON-file-backed store for the daemon.
package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/user/stagehand/internal/types"
)

// ErrNotFound is returned by Get for a missing record and by Update for a
// record that was never created.
var ErrNotFound = errors.New("store: record not found")

// Compile-time interface compliance checks.
var _ types.Store = (*MemoryStore)(nil)
var _ types.Store = (*FileStore)(nil)

// newRecord returns a zero value of the concrete type for kind, used when
// decoding persisted records.
func newRecord(kind types.Kind) (types.Record, error) {
	switch kind {
	case types.KindSurface:
		return &types.Surface{}, nil
	case types.KindAgent:
		return &types.Agent{}, nil
	case types.KindThread:
		return &types.Thread{}, nil
	case types.KindInteraction:
		return &types.Interaction{}, nil
	case types.KindItem:
		return &types.InteractionItem{}, nil
	}
	return nil, fmt.Errorf("store: unknown kind %q", kind)
}

// matches applies an equality filter against the record's json-tagged
// fields. Values compare by their string form so typed string IDs match
// their plain counterparts.
func matches(fields map[string]any, filter types.Filter) bool {
	for name, want := range filter {
		got, ok := fields[name]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// row pairs a stored record with its decoded field map and an insertion
// sequence used as a tiebreaker for creation-time ordering.
type row struct {
	rec    types.Record
	fields map[string]any
	seq    int64
}

func sortRows(rows []row, order types.Sort) {
	if order == types.SortNone {
		return
	}
	createdAt := func(r row) (string, int64) {
		if v, ok := r.fields["created_at"].(string); ok {
			return v, r.seq
		}
		return "", r.seq
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ci, si := createdAt(rows[i])
		cj, sj := createdAt(rows[j])
		if ci != cj {
			if order == types.SortCreatedAsc {
				return ci < cj
			}
			return ci > cj
		}
		if order == types.SortCreatedAsc {
			return si < sj
		}
		return si > sj
	})
}
