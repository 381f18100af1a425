package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"collabsync/backend/internal/collab"
)

// MemoryStore 进程内后端，测试和 driver=memory 时使用
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string][]*collab.Snapshot
	ops   map[string][]OpRecord
	seen  map[string]map[collab.OpID]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string][]*collab.Snapshot),
		ops:   make(map[string][]OpRecord),
		seen:  make(map[string]map[collab.OpID]struct{}),
	}
}

func (m *MemoryStore) PersistSnapshot(ctx context.Context, snap *collab.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snaps[snap.DocumentID] {
		if s.Version == snap.Version {
			return nil
		}
	}
	cp := *snap
	m.snaps[snap.DocumentID] = append(m.snaps[snap.DocumentID], &cp)
	slices.SortFunc(m.snaps[snap.DocumentID], func(a, b *collab.Snapshot) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return nil
}

func (m *MemoryStore) AppendOperations(ctx context.Context, docID string, ops []OpRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.seen[docID]
	if seen == nil {
		seen = make(map[collab.OpID]struct{})
		m.seen[docID] = seen
	}
	for _, rec := range ops {
		if _, dup := seen[rec.Op.ID]; dup {
			continue
		}
		seen[rec.Op.ID] = struct{}{}
		m.ops[docID] = append(m.ops[docID], rec)
	}
	slices.SortStableFunc(m.ops[docID], func(a, b OpRecord) int { return cmp.Compare(a.Version, b.Version) })
	return nil
}

func (m *MemoryStore) LoadLatest(ctx context.Context, docID string) (*collab.Snapshot, []collab.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snap *collab.Snapshot
	if s := m.snaps[docID]; len(s) > 0 {
		cp := *s[len(s)-1]
		snap = &cp
	}
	ops := make([]collab.Operation, 0, len(m.ops[docID]))
	for _, rec := range m.ops[docID] {
		ops = append(ops, rec.Op)
	}
	return snap, notCovered(snap, ops), nil
}

func (m *MemoryStore) Compact(ctx context.Context, docID string, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := m.snaps[docID]
	if len(snaps) == 0 {
		return 0, nil
	}
	latest := snaps[len(snaps)-1]
	removed := int64(len(snaps) - 1)
	m.snaps[docID] = []*collab.Snapshot{latest}

	cut := compactBefore(latest.Version, keep)
	kept := m.ops[docID][:0]
	for _, rec := range m.ops[docID] {
		if rec.Version <= cut {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	m.ops[docID] = kept
	return removed, nil
}

func (m *MemoryStore) Purge(ctx context.Context, docID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.snaps[docID]) + len(m.ops[docID]))
	delete(m.snaps, docID)
	delete(m.ops, docID)
	delete(m.seen, docID)
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }

// OpCount 当前保存的操作条数，压缩后会变少
func (m *MemoryStore) OpCount(docID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops[docID])
}

func (m *MemoryStore) SnapshotCount(docID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snaps[docID])
}
