// internal/store/file.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/stagehand/internal/types"
)

// FileStore persists records as one JSON array per kind under
// <root>/records/<kind>.json. Writes are atomic (temp file then rename).
// Simple full-file load/save keeps the format inspectable; the daemon's
// record volumes are small.
type FileStore struct {
	root string
	mu   sync.Mutex
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) kindPath(kind types.Kind) string {
	return filepath.Join(s.root, "records", string(kind)+".json")
}

func (s *FileStore) load(kind types.Kind) ([]row, error) {
	data, err := os.ReadFile(s.kindPath(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s records: %w", kind, err)
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("unmarshal %s records: %w", kind, err)
	}

	rows := make([]row, 0, len(raws))
	for i, raw := range raws {
		rec, err := newRecord(kind)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, rec); err != nil {
			return nil, fmt.Errorf("unmarshal %s record: %w", kind, err)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode %s fields: %w", kind, err)
		}
		rows = append(rows, row{rec: rec, fields: fields, seq: int64(i)})
	}
	return rows, nil
}

func (s *FileStore) save(kind types.Kind, rows []row) error {
	recs := make([]types.Record, 0, len(rows))
	for _, r := range rows {
		recs = append(recs, r.rec)
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s records: %w", kind, err)
	}

	dir := filepath.Dir(s.kindPath(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create records dir: %w", err)
	}

	// Atomic write: temp file then rename.
	path := s.kindPath(kind)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp records: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp records: %w", err)
	}
	return nil
}

func (s *FileStore) Create(_ context.Context, rec types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := rec.RecordKind()
	rows, err := s.load(kind)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r.rec.RecordID() == rec.RecordID() {
			return fmt.Errorf("store: %s %s already exists", kind, rec.RecordID())
		}
	}

	nr, err := makeRow(rec, int64(len(rows)))
	if err != nil {
		return err
	}
	rows = append(rows, nr)
	return s.save(kind, rows)
}

func (s *FileStore) Get(_ context.Context, kind types.Kind, id string) (types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.load(kind)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.rec.RecordID() == id {
			return r.rec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

func (s *FileStore) Update(_ context.Context, rec types.Record, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := rec.RecordKind()
	rows, err := s.load(kind)
	if err != nil {
		return err
	}
	for i, r := range rows {
		if r.rec.RecordID() == rec.RecordID() {
			nr, err := makeRow(rec, r.seq)
			if err != nil {
				return err
			}
			rows[i] = nr
			slog.Debug("record updated", "kind", kind, "id", rec.RecordID(), "action", action)
			return s.save(kind, rows)
		}
	}
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, rec.RecordID())
}

func (s *FileStore) Query(_ context.Context, kind types.Kind, filter types.Filter, order types.Sort) ([]types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.load(kind)
	if err != nil {
		return nil, err
	}
	var matched []row
	for _, r := range rows {
		if matches(r.fields, filter) {
			matched = append(matched, r)
		}
	}
	sortRows(matched, order)

	out := make([]types.Record, 0, len(matched))
	for _, r := range matched {
		out = append(out, r.rec)
	}
	return out, nil
}
