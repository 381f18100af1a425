package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/backend/internal/collab"
)

// flakyBackend 前 failures 次 AppendOperations 失败
type flakyBackend struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyBackend) AppendOperations(ctx context.Context, docID string, ops []OpRecord) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.MemoryStore.AppendOperations(ctx, docID, ops)
}

func newPersistedService(t *testing.T, backend Backend, opts PersisterOptions) (*collab.ShardedService, *Persister) {
	t.Helper()
	audit := collab.NewAuditLog(0)
	svc := collab.NewShardedService(collab.NewEngine(audit, collab.EngineOptions{}), backend, NewMemoryRegistry(), audit, collab.Options{})
	t.Cleanup(svc.Close)
	p := NewPersister(backend, svc, opts)
	svc.AddListener(p)
	require.NoError(t, svc.Open(context.Background(), testDoc, "owner"))
	return svc, p
}

func submitAll(t *testing.T, svc *collab.ShardedService, ops []collab.Operation) {
	t.Helper()
	for _, op := range ops {
		_, err := svc.Submit(context.Background(), op)
		require.NoError(t, err)
	}
}

func TestPersisterFlushAndReload(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	h := buildHistory(t)
	svc, p := newPersistedService(t, mem, PersisterOptions{SnapshotEveryOps: 2})

	submitAll(t, svc, h.ops)
	assert.Equal(t, 3, p.Pending())
	require.NoError(t, p.Flush(ctx))
	assert.Zero(t, p.Pending())
	assert.Equal(t, 1, mem.SnapshotCount(testDoc))

	// 新进程从存储重建
	audit := collab.NewAuditLog(0)
	restarted := collab.NewShardedService(collab.NewEngine(audit, collab.EngineOptions{}), mem, nil, audit, collab.Options{})
	defer restarted.Close()
	require.NoError(t, restarted.Open(ctx, testDoc, "owner"))
	view, ok := restarted.View(testDoc)
	require.True(t, ok)
	assert.Equal(t, h.text, view.Text)

	want, err := svc.Checksum(ctx, testDoc)
	require.NoError(t, err)
	got, err := restarted.Checksum(ctx, testDoc)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPersisterRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyBackend{MemoryStore: NewMemoryStore(), failures: 2}
	h := buildHistory(t)
	svc, p := newPersistedService(t, flaky, PersisterOptions{
		MaxRetry:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})

	submitAll(t, svc, h.ops)
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, 3, flaky.OpCount(testDoc))
	assert.Equal(t, 3, flaky.calls)
}

func TestPersisterKeepsOpsQueuedAfterFailure(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyBackend{MemoryStore: NewMemoryStore(), failures: 3}
	h := buildHistory(t)
	svc, p := newPersistedService(t, flaky, PersisterOptions{
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})

	submitAll(t, svc, h.ops)
	err := p.Flush(ctx)
	require.Error(t, err)
	assert.True(t, collab.IsPersistence(err))
	assert.Equal(t, 3, p.Pending())
	assert.Zero(t, flaky.OpCount(testDoc))

	// 下一轮恢复后按原顺序写出
	require.NoError(t, p.Flush(ctx))
	assert.Zero(t, p.Pending())
	_, ops, err := flaky.LoadLatest(ctx, testDoc)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	for i := range ops {
		assert.Equal(t, h.ops[i].ID, ops[i].ID)
	}
}

func TestPersisterSnapshotByInterval(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	h := buildHistory(t)
	svc, p := newPersistedService(t, mem, PersisterOptions{SnapshotInterval: time.Minute})
	clock := time.Now()
	p.now = func() time.Time { return clock }

	submitAll(t, svc, h.ops[:1])
	require.NoError(t, p.Flush(ctx))
	assert.Zero(t, mem.SnapshotCount(testDoc))

	clock = clock.Add(2 * time.Minute)
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, 1, mem.SnapshotCount(testDoc))
}

func TestPersisterRunFlushesOnShutdown(t *testing.T) {
	mem := NewMemoryStore()
	h := buildHistory(t)
	svc, p := newPersistedService(t, mem, PersisterOptions{FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	submitAll(t, svc, h.ops)
	assert.Eventually(t, func() bool { return mem.OpCount(testDoc) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestPersisterForgetsDeletedDocument(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	h := buildHistory(t)
	svc, p := newPersistedService(t, mem, PersisterOptions{})

	submitAll(t, svc, h.ops[:1])
	require.NoError(t, svc.Delete(ctx, testDoc))
	p.Forget(testDoc)
	assert.Zero(t, p.Pending())
	require.NoError(t, p.Flush(ctx))
	assert.Zero(t, mem.OpCount(testDoc))
}

func TestPersisterPurgeRemovesStoredState(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	h := buildHistory(t)
	svc, p := newPersistedService(t, mem, PersisterOptions{})

	submitAll(t, svc, h.ops)
	require.NoError(t, p.Flush(ctx))
	require.NoError(t, p.Checkpoint(ctx, testDoc))
	require.Equal(t, 1, mem.SnapshotCount(testDoc))

	require.NoError(t, svc.Delete(ctx, testDoc))
	require.NoError(t, p.Purge(ctx, testDoc))
	assert.Zero(t, mem.OpCount(testDoc))
	assert.Zero(t, mem.SnapshotCount(testDoc))
	snap, ops, err := mem.LoadLatest(ctx, testDoc)
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Empty(t, ops)
}
