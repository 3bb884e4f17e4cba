package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"statboard/adapters/memory"
	"statboard/core"
	"statboard/engine"
)

// Store persists every entry to a single JSON file after each write.
// Suitable for demos and small deployments. A write is visible to readers only
// once its snapshot reached disk.
type Store struct {
	path string
	mu   sync.Mutex
	mem  atomic.Pointer[memory.Store]
}

type snapshot struct {
	LastEntryID core.EntryID `json:"last_entry_id"`
	Entries     []core.Entry `json:"entries"`
}

func New(path string) (*Store, error) {
	s := &Store{path: path}
	s.mem.Store(memory.New())
	if err := s.load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	s.mem.Store(memory.NewFromEntries(snap.Entries))
	return nil
}

func (s *Store) persist(m *memory.Store) error {
	snap := snapshot{LastEntryID: m.NextID(), Entries: m.Entries()}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// write applies fn to a copy of the current state, persists the copy and only
// then publishes it. A failed write leaves the published state untouched.
func (s *Store) write(op string, fn func(m *memory.Store) (changed bool, err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := memory.NewFromEntries(s.mem.Load().Entries())
	changed, err := fn(next)
	if err != nil || !changed {
		return err
	}
	if err := s.persist(next); err != nil {
		return fmt.Errorf("persist %s: %w", op, err)
	}
	s.mem.Store(next)
	return nil
}

func (s *Store) GetByUser(ctx context.Context, user core.UserID) (core.Entry, error) {
	return s.mem.Load().GetByUser(ctx, user)
}

func (s *Store) Insert(ctx context.Context, entry core.Entry) (core.EntryID, error) {
	var id core.EntryID
	err := s.write("insert", func(m *memory.Store) (bool, error) {
		var err error
		id, err = m.Insert(ctx, entry)
		return err == nil, err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, entry core.Entry) error {
	return s.write("update", func(m *memory.Store) (bool, error) {
		err := m.Update(ctx, entry)
		return err == nil, err
	})
}

func (s *Store) RaiseHighScore(ctx context.Context, user core.UserID, score int64) (core.Entry, bool, error) {
	var (
		e      core.Entry
		raised bool
	)
	err := s.write("high score", func(m *memory.Store) (bool, error) {
		var err error
		e, raised, err = m.RaiseHighScore(ctx, user, score)
		return raised, err
	})
	if err != nil {
		return core.Entry{}, false, err
	}
	return e, raised, nil
}

func (s *Store) Scan(ctx context.Context, offset int64) iter.Seq2[core.Entry, error] {
	return s.mem.Load().Scan(ctx, offset)
}

func (s *Store) Position(ctx context.Context, user core.UserID) (int64, error) {
	return s.mem.Load().Position(ctx, user)
}

var (
	_ engine.EntryStore     = (*Store)(nil)
	_ engine.PositionFinder = (*Store)(nil)
)
