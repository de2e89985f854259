// internal/store/memory.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/stagehand/internal/types"
)

// MemoryStore keeps all records in process memory. Records are cloned on
// the way in and out, so callers can mutate what they hold without
// affecting stored state until Update.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[types.Kind]map[string]row
	nextSeq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[types.Kind]map[string]row)}
}

func (s *MemoryStore) Create(_ context.Context, rec types.Record) error {
	r, err := makeRow(rec, 0)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kind := rec.RecordKind()
	byID, ok := s.records[kind]
	if !ok {
		byID = make(map[string]row)
		s.records[kind] = byID
	}
	if _, exists := byID[rec.RecordID()]; exists {
		return fmt.Errorf("store: %s %s already exists", kind, rec.RecordID())
	}
	s.nextSeq++
	r.seq = s.nextSeq
	byID[rec.RecordID()] = r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, kind types.Kind, id string) (types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[kind][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return cloneRecord(r.rec)
}

func (s *MemoryStore) Update(_ context.Context, rec types.Record, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind := rec.RecordKind()
	existing, ok := s.records[kind][rec.RecordID()]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, rec.RecordID())
	}
	r, err := makeRow(rec, existing.seq)
	if err != nil {
		return err
	}
	s.records[kind][rec.RecordID()] = r
	slog.Debug("record updated", "kind", kind, "id", rec.RecordID(), "action", action)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, kind types.Kind, filter types.Filter, order types.Sort) ([]types.Record, error) {
	s.mu.RLock()
	var rows []row
	for _, r := range s.records[kind] {
		if matches(r.fields, filter) {
			rows = append(rows, r)
		}
	}
	s.mu.RUnlock()

	sortRows(rows, order)
	out := make([]types.Record, 0, len(rows))
	for _, r := range rows {
		clone, err := cloneRecord(r.rec)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	return out, nil
}

// makeRow snapshots a record into its stored form: a clone plus the field
// map used by Query filters.
func makeRow(rec types.Record, seq int64) (row, error) {
	clone, err := cloneRecord(rec)
	if err != nil {
		return row{}, err
	}
	data, err := json.Marshal(clone)
	if err != nil {
		return row{}, fmt.Errorf("marshal %s: %w", rec.RecordKind(), err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return row{}, fmt.Errorf("decode fields: %w", err)
	}
	return row{rec: clone, fields: fields, seq: seq}, nil
}

func cloneRecord(rec types.Record) (types.Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", rec.RecordKind(), err)
	}
	fresh, err := newRecord(rec.RecordKind())
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, fresh); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", rec.RecordKind(), err)
	}
	return fresh, nil
}
