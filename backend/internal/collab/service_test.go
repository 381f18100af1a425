package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	calls atomic.Int32
	snap  *Snapshot
	ops   []Operation
	err   error
}

func (l *fakeLoader) LoadLatest(ctx context.Context, docID string) (*Snapshot, []Operation, error) {
	l.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	return l.snap, l.ops, l.err
}

type fakeRegistry struct {
	mu      sync.Mutex
	owners  map[string]string
	deleted map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{owners: map[string]string{}, deleted: map[string]bool{}}
}

func (r *fakeRegistry) Ensure(ctx context.Context, docID, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted[docID] {
		return ErrDocumentNotFound
	}
	if _, ok := r.owners[docID]; !ok {
		r.owners[docID] = ownerID
	}
	return nil
}

func (r *fakeRegistry) Delete(ctx context.Context, docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted[docID] = true
	return nil
}

type recordingListener struct {
	mu     sync.Mutex
	events []AppliedEvent
}

func (l *recordingListener) OnApplied(evt AppliedEvent) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func newTestService(t *testing.T, loader Loader, opts Options) (*ShardedService, *fakeRegistry) {
	t.Helper()
	reg := newFakeRegistry()
	audit := NewAuditLog(100)
	svc := NewShardedService(NewEngine(audit, EngineOptions{}), loader, reg, audit, opts)
	t.Cleanup(svc.Close)
	return svc, reg
}

func TestServiceSubmitPublishesView(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil, Options{Shards: 4})
	listener := &recordingListener{}
	svc.AddListener(listener)
	require.NoError(t, svc.Open(ctx, testDoc, "u1"))

	r := newTestReplica(svc.engine, "alice")
	op, err := r.LocalInsert(0, "hi")
	require.NoError(t, err)
	res, err := svc.Submit(ctx, op)
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)

	view, ok := svc.View(testDoc)
	require.True(t, ok)
	assert.Equal(t, "hi", view.Text)
	assert.Equal(t, uint64(1), view.Version)
	assert.Equal(t, StateVector{"alice": 1}, view.StateVector)

	sum, err := svc.Checksum(ctx, testDoc)
	require.NoError(t, err)
	assert.Equal(t, r.Checksum(), sum)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Len(t, listener.events, 1)
	assert.Equal(t, op.ID, listener.events[0].Applied.Op.ID)
}

func TestServiceSyncReturnsDeltaOrSnapshot(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil, Options{SnapshotThreshold: 2})
	require.NoError(t, svc.Open(ctx, testDoc, "u1"))

	r := newTestReplica(svc.engine, "alice")
	for i := 0; i < 3; i++ {
		op, err := r.LocalInsert(r.Document().Len(), "x")
		require.NoError(t, err)
		_, err = svc.Submit(ctx, op)
		require.NoError(t, err)
	}

	// 只缺 1 个：增量
	res, err := svc.Sync(ctx, testDoc, StateVector{"alice": 2})
	require.NoError(t, err)
	assert.Nil(t, res.Snapshot)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, uint64(3), res.Ops[0].ID.Seq)

	// 缺 3 个超过阈值：快照
	res, err = svc.Sync(ctx, testDoc, StateVector{})
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot)
	assert.Empty(t, res.Ops)

	fresh := newTestReplica(svc.engine, "bob")
	require.NoError(t, fresh.ApplySync(res.Snapshot, res.Ops))
	assert.Equal(t, "xxx", fresh.Text())
	assert.Equal(t, r.Checksum(), fresh.Checksum())

	// 已经同步的客户端什么都不缺
	res, err = svc.Sync(ctx, testDoc, r.StateVector())
	require.NoError(t, err)
	assert.Nil(t, res.Snapshot)
	assert.Empty(t, res.Ops)
}

func TestServiceSyncFallsBackToSnapshotWhenLogTruncated(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil, Options{OpLogSize: 2})
	require.NoError(t, svc.Open(ctx, testDoc, "u1"))

	r := newTestReplica(svc.engine, "alice")
	for i := 0; i < 4; i++ {
		op, err := r.LocalInsert(0, "y")
		require.NoError(t, err)
		_, err = svc.Submit(ctx, op)
		require.NoError(t, err)
	}
	res, err := svc.Sync(ctx, testDoc, StateVector{"alice": 1})
	require.NoError(t, err)
	assert.NotNil(t, res.Snapshot)

	res, err = svc.Sync(ctx, testDoc, StateVector{"alice": 2})
	require.NoError(t, err)
	assert.Nil(t, res.Snapshot)
	assert.Len(t, res.Ops, 2)
}

func TestServiceConcurrentOpenLoadsOnce(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{}
	svc, _ := newTestService(t, loader, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.Open(ctx, testDoc, "u1"))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), loader.calls.Load())
	assert.Equal(t, []string{testDoc}, svc.Documents())
}

func TestServiceOpenRestoresPersistedState(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()
	r := newTestReplica(engine, "alice")
	_, err := r.LocalInsert(0, "persisted")
	require.NoError(t, err)
	snap, err := r.Document().Snapshot(time.Now())
	require.NoError(t, err)
	later, err := r.LocalInsert(9, "!")
	require.NoError(t, err)

	loader := &fakeLoader{snap: snap, ops: []Operation{later}}
	svc, _ := newTestService(t, loader, Options{})
	require.NoError(t, svc.Open(ctx, testDoc, "u1"))

	view, ok := svc.View(testDoc)
	require.True(t, ok)
	assert.Equal(t, "persisted!", view.Text)

	// 重启后从快照加载的文档，增量同步仍然能补齐快照之后的操作
	res, err := svc.Sync(ctx, testDoc, StateVector{"alice": 1})
	require.NoError(t, err)
	assert.Nil(t, res.Snapshot)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, later.ID, res.Ops[0].ID)
}

func TestServiceOpenRejectsCorruptSnapshot(t *testing.T) {
	engine := newTestEngine()
	r := newTestReplica(engine, "alice")
	_, err := r.LocalInsert(0, "abc")
	require.NoError(t, err)
	snap, err := r.Document().Snapshot(time.Now())
	require.NoError(t, err)
	snap.Checksum++

	svc, _ := newTestService(t, &fakeLoader{snap: snap}, Options{})
	err = svc.Open(context.Background(), testDoc, "u1")
	require.Error(t, err)
	assert.True(t, IsCorruption(err))
	_, ok := svc.View(testDoc)
	assert.False(t, ok)
}

func TestServiceDeleteMakesDocumentUnavailable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil, Options{})
	require.NoError(t, svc.Open(ctx, testDoc, "u1"))

	r := newTestReplica(svc.engine, "alice")
	op, err := r.LocalInsert(0, "a")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, testDoc))
	_, err = svc.Submit(ctx, op)
	assert.True(t, IsNotFound(err))
	_, err = svc.Sync(ctx, testDoc, nil)
	assert.True(t, IsNotFound(err))
	_, ok := svc.View(testDoc)
	assert.False(t, ok)

	err = svc.Open(ctx, testDoc, "u1")
	assert.True(t, errors.Is(err, ErrDocumentNotFound))
}

func TestServiceSubmitRejectsInvalidOperation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil, Options{})
	require.NoError(t, svc.Open(ctx, testDoc, "u1"))

	op := Operation{ID: OpID{Client: "a", Seq: 1}, DocumentID: testDoc, Kind: OpInsert, Timestamp: 1}
	_, err := svc.Submit(ctx, op)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	code, msg, ok := ClientFacing(err)
	assert.True(t, ok)
	assert.Equal(t, "validation", code)
	assert.Contains(t, msg, "insert text")

	view, _ := svc.View(testDoc)
	assert.Equal(t, "", view.Text)
}

func TestServiceSubmitUnknownDocument(t *testing.T) {
	svc, _ := newTestService(t, nil, Options{})
	_, err := svc.Submit(context.Background(), Operation{DocumentID: "missing"})
	assert.True(t, IsNotFound(err))
}

// breakInvariant 让文本视图和可见字符数对不上，下一次插入会检测到损坏
func breakInvariant(t *testing.T, svc *ShardedService) {
	t.Helper()
	ds := svc.lookup(testDoc)
	require.NotNil(t, ds)
	require.NoError(t, svc.shards.Do(context.Background(), testDoc, func() { ds.doc.visible += 3 }))
}

func threeInserts(t *testing.T) (*Replica, []Operation) {
	t.Helper()
	r := newTestReplica(newTestEngine(), "alice")
	var ops []Operation
	for _, step := range []struct {
		pos  int
		text string
	}{{0, "abc"}, {3, "d"}, {4, "e"}} {
		op, err := r.LocalInsert(step.pos, step.text)
		require.NoError(t, err)
		ops = append(ops, op)
	}
	return r, ops
}

func TestServiceReloadSkipsOperationThatHitCorruption(t *testing.T) {
	ctx := context.Background()
	r, ops := threeInserts(t)
	svc, _ := newTestService(t, &fakeLoader{ops: ops[:1]}, Options{})
	listener := &recordingListener{}
	svc.AddListener(listener)
	require.NoError(t, svc.Open(ctx, testDoc, "u1"))
	_, err := svc.Submit(ctx, ops[1])
	require.NoError(t, err)

	breakInvariant(t, svc)
	_, err = svc.Submit(ctx, ops[2])
	require.Error(t, err)
	assert.True(t, IsCorruption(err))

	// 重建后只包含已经应用过的操作，出错的那条没有被通知出去
	view, ok := svc.View(testDoc)
	require.True(t, ok)
	assert.Equal(t, "abcd", view.Text)
	assert.Equal(t, StateVector{"alice": 2}, view.StateVector)
	listener.mu.Lock()
	assert.Len(t, listener.events, 1)
	listener.mu.Unlock()

	// 客户端重发
	_, err = svc.Submit(ctx, ops[2])
	require.NoError(t, err)
	view, _ = svc.View(testDoc)
	assert.Equal(t, "abcde", view.Text)
	sum, err := svc.Checksum(ctx, testDoc)
	require.NoError(t, err)
	assert.Equal(t, r.Checksum(), sum)
}

func TestServiceFailedReloadMakesDocumentUnavailable(t *testing.T) {
	ctx := context.Background()
	_, ops := threeInserts(t)
	loader := &fakeLoader{ops: ops[:1]}
	svc, _ := newTestService(t, loader, Options{})
	require.NoError(t, svc.Open(ctx, testDoc, "u1"))

	breakInvariant(t, svc)
	loader.err = errors.New("storage offline")
	_, err := svc.Submit(ctx, ops[1])
	assert.True(t, IsCorruption(err))

	_, ok := svc.View(testDoc)
	assert.False(t, ok)
	_, err = svc.Submit(ctx, ops[1])
	assert.True(t, IsCorruption(err))
	_, err = svc.Sync(ctx, testDoc, nil)
	assert.True(t, IsCorruption(err))
	_, err = svc.Checksum(ctx, testDoc)
	assert.True(t, IsCorruption(err))

	// 存储恢复后下一次 Open 重新加载
	loader.err = nil
	require.NoError(t, svc.Open(ctx, testDoc, "u1"))
	view, ok := svc.View(testDoc)
	require.True(t, ok)
	assert.Equal(t, "abc", view.Text)
	_, err = svc.Submit(ctx, ops[1])
	require.NoError(t, err)
	view, _ = svc.View(testDoc)
	assert.Equal(t, "abcd", view.Text)
}
