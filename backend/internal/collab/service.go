package collab

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// 协作引擎接口
type Service interface {
	Open(ctx context.Context, docID, ownerID string) error
	Submit(ctx context.Context, op Operation) (ApplyResult, error)
	Sync(ctx context.Context, docID string, clientSV StateVector) (SyncResult, error)
	View(docID string) (*View, bool)
	Snapshot(ctx context.Context, docID string) (*Snapshot, error)
	Checksum(ctx context.Context, docID string) (uint64, error)
	Delete(ctx context.Context, docID string) error
}

// Loader 从持久化层取最近的快照和之后的操作；都没有时返回 (nil, nil, nil)
type Loader interface {
	LoadLatest(ctx context.Context, docID string) (*Snapshot, []Operation, error)
}

// Registry 文档登记：首次连接时创建，删除后再连接返回 ErrDocumentNotFound
type Registry interface {
	Ensure(ctx context.Context, docID, ownerID string) error
	Delete(ctx context.Context, docID string) error
}

// Listener 在 shard worker 上被调用，实现方不能阻塞
type Listener interface {
	OnApplied(evt AppliedEvent)
}

type AppliedEvent struct {
	DocumentID string
	Applied    Applied
}

// View 对外只读的文档视图，发布后不再修改，读取不加锁
type View struct {
	DocumentID  string      `json:"documentId"`
	Text        string      `json:"text"`
	Version     uint64      `json:"version"`
	StateVector StateVector `json:"stateVector"`
	Nodes       []NodeView  `json:"nodes,omitempty"`
	Pending     int         `json:"pending"`
}

type SyncResult struct {
	Snapshot    *Snapshot   `json:"snapshot,omitempty"`
	Ops         []Operation `json:"ops,omitempty"`
	StateVector StateVector `json:"stateVector"`
}

type Options struct {
	Shards            int
	ShardQueue        int
	OpLogSize         int
	MaxPending        int
	SnapshotThreshold int // 缺失操作超过这个数就直接发快照
	ReloadTimeout     time.Duration
}

type docState struct {
	id      string
	doc     *Document // 只在 shard worker 上访问
	log     *opLog
	view    atomic.Pointer[View]
	deleted atomic.Bool
	// 损坏后重新加载失败，等下一次 Open 重新加载
	unavailable atomic.Bool
}

// check 在 shard worker 上调用
func (ds *docState) check() error {
	if ds.deleted.Load() {
		return ErrDocumentNotFound
	}
	if ds.unavailable.Load() {
		return &CorruptionError{DocumentID: ds.id, Reason: "document unavailable until reloaded"}
	}
	return nil
}

func (ds *docState) usable() bool {
	return !ds.deleted.Load() && !ds.unavailable.Load()
}

// ShardedService 持有所有已加载文档，写入在 ShardPool 上按文档串行执行
type ShardedService struct {
	mu    sync.RWMutex
	docs  map[string]*docState
	loads singleflight.Group

	engine    *Engine
	shards    *ShardPool
	loader    Loader
	registry  Registry
	audit     *AuditLog
	listeners []Listener
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

func NewShardedService(engine *Engine, loader Loader, registry Registry, audit *AuditLog, opts Options) *ShardedService {
	if opts.SnapshotThreshold <= 0 {
		opts.SnapshotThreshold = 500
	}
	if opts.ReloadTimeout <= 0 {
		opts.ReloadTimeout = 10 * time.Second
	}
	return &ShardedService{
		docs:     make(map[string]*docState),
		engine:   engine,
		shards:   NewShardPool(opts.Shards, opts.ShardQueue),
		loader:   loader,
		registry: registry,
		audit:    audit,
		opts:     opts,
		logger:   slog.Default().With("component", "service"),
		now:      time.Now,
	}
}

// AddListener 需要在开始处理请求之前调用
func (s *ShardedService) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

func (s *ShardedService) lookup(docID string) *docState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[docID]
}

// Open 首次访问时登记并从持久化层加载，同一文档的并发加载只执行一次。
// 损坏后没能恢复的文档在这里重新加载。
func (s *ShardedService) Open(ctx context.Context, docID, ownerID string) error {
	if ds := s.lookup(docID); ds != nil && !ds.unavailable.Load() {
		return nil
	}
	_, err, _ := s.loads.Do(docID, func() (any, error) {
		if ds := s.lookup(docID); ds != nil && !ds.unavailable.Load() {
			return nil, nil
		}
		if s.registry != nil {
			if err := s.registry.Ensure(ctx, docID, ownerID); err != nil {
				return nil, err
			}
		}
		doc, log, err := s.loadDocument(ctx, docID, nil)
		if err != nil {
			return nil, err
		}
		ds := &docState{id: docID, doc: doc, log: log}
		s.publish(ds)
		s.mu.Lock()
		s.docs[docID] = ds
		s.mu.Unlock()
		s.logger.Info("document loaded", "doc", docID, "version", doc.Version(), "text_len", doc.Len())
		return nil, nil
	})
	return err
}

// loadDocument 快照 + 之后的操作 + extra（内存里还没落盘的操作）
func (s *ShardedService) loadDocument(ctx context.Context, docID string, extra []Operation) (*Document, *opLog, error) {
	doc := NewDocument(docID, s.opts.MaxPending)
	var ops []Operation
	if s.loader != nil {
		snap, persisted, err := s.loader.LoadLatest(ctx, docID)
		if err != nil {
			return nil, nil, err
		}
		if snap != nil {
			doc, err = LoadDocument(snap, s.opts.MaxPending)
			if err != nil {
				s.logger.Error("manual review required: stored snapshot is corrupt", "doc", docID, "err", err)
				return nil, nil, err
			}
		}
		ops = persisted
	}
	log := newOpLog(s.opts.OpLogSize, doc.StateVector())
	for _, op := range append(ops, extra...) {
		res, err := s.engine.Replay(doc, op)
		if err != nil {
			if IsCorruption(err) {
				return nil, nil, err
			}
			s.logger.Warn("skip invalid stored operation", "doc", docID, "op", op.ID.String(), "err", err)
			continue
		}
		for _, a := range res.Applied {
			log.append(a.Op)
		}
	}
	return doc, log, nil
}

func (s *ShardedService) publish(ds *docState) {
	ds.view.Store(&View{
		DocumentID:  ds.id,
		Text:        ds.doc.Text(),
		Version:     ds.doc.Version(),
		StateVector: ds.doc.StateVector(),
		Nodes:       ds.doc.Nodes(),
		Pending:     ds.doc.PendingLen(),
	})
}

func (s *ShardedService) Submit(ctx context.Context, op Operation) (ApplyResult, error) {
	ds := s.lookup(op.DocumentID)
	if ds == nil {
		return ApplyResult{}, ErrDocumentNotFound
	}
	var (
		res      ApplyResult
		applyErr error
	)
	err := s.shards.Do(ctx, op.DocumentID, func() {
		if applyErr = ds.check(); applyErr != nil {
			return
		}
		res, applyErr = s.engine.Apply(ds.doc, op)
		for _, a := range res.Applied {
			ds.log.append(a.Op)
		}
		if IsCorruption(applyErr) {
			s.reload(ds, op, applyErr)
		}
		if len(res.Applied) > 0 || res.Buffered || applyErr != nil {
			s.publish(ds)
		}
		for _, a := range res.Applied {
			s.notify(AppliedEvent{DocumentID: ds.id, Applied: a})
		}
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return res, applyErr
}

// reload 文档损坏：从最近的可用快照重建，再重放内存里已经应用过的操作。
// 触发损坏的操作不重放，客户端收到错误后自行重发。在 shard worker 上执行。
func (s *ShardedService) reload(ds *docState, failed Operation, cause error) {
	s.logger.Error("manual review required: document invariant violated, reloading from last snapshot",
		"doc", ds.id, "op", failed.ID.String(), "err", cause)
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReloadTimeout)
	defer cancel()
	doc, _, err := s.loadDocument(ctx, ds.id, ds.log.all())
	if err != nil {
		ds.unavailable.Store(true)
		s.logger.Error("manual review required: reload failed, document unavailable", "doc", ds.id, "err", err)
		return
	}
	ds.doc = doc
}

func (s *ShardedService) notify(evt AppliedEvent) {
	for _, l := range s.listeners {
		l.OnApplied(evt)
	}
}

// Sync 计算客户端缺失的操作；缺得太多或者环里已经不全时返回快照
func (s *ShardedService) Sync(ctx context.Context, docID string, clientSV StateVector) (SyncResult, error) {
	ds := s.lookup(docID)
	if ds == nil {
		return SyncResult{}, ErrDocumentNotFound
	}
	var (
		res     SyncResult
		syncErr error
	)
	err := s.shards.Do(ctx, docID, func() {
		if syncErr = ds.check(); syncErr != nil {
			return
		}
		res.StateVector = ds.doc.StateVector()
		ops, ok := ds.log.since(clientSV)
		if ok && len(ops) <= s.opts.SnapshotThreshold {
			res.Ops = ops
			return
		}
		res.Snapshot, syncErr = ds.doc.Snapshot(s.now())
	})
	if err != nil {
		return SyncResult{}, err
	}
	return res, syncErr
}

func (s *ShardedService) View(docID string) (*View, bool) {
	ds := s.lookup(docID)
	if ds == nil || !ds.usable() {
		return nil, false
	}
	return ds.view.Load(), true
}

func (s *ShardedService) Snapshot(ctx context.Context, docID string) (*Snapshot, error) {
	ds := s.lookup(docID)
	if ds == nil {
		return nil, ErrDocumentNotFound
	}
	var (
		snap    *Snapshot
		snapErr error
	)
	if err := s.shards.Do(ctx, docID, func() {
		if snapErr = ds.check(); snapErr != nil {
			return
		}
		snap, snapErr = ds.doc.Snapshot(s.now())
	}); err != nil {
		return nil, err
	}
	return snap, snapErr
}

func (s *ShardedService) Checksum(ctx context.Context, docID string) (uint64, error) {
	ds := s.lookup(docID)
	if ds == nil {
		return 0, ErrDocumentNotFound
	}
	var (
		sum    uint64
		sumErr error
	)
	if err := s.shards.Do(ctx, docID, func() {
		if sumErr = ds.check(); sumErr == nil {
			sum = ds.doc.Checksum()
		}
	}); err != nil {
		return 0, err
	}
	return sum, sumErr
}

// Delete 显式删除：登记表标记删除，内存状态立即失效
func (s *ShardedService) Delete(ctx context.Context, docID string) error {
	if s.registry != nil {
		if err := s.registry.Delete(ctx, docID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	ds := s.docs[docID]
	delete(s.docs, docID)
	s.mu.Unlock()
	if ds != nil {
		ds.deleted.Store(true)
	}
	if s.audit != nil {
		s.audit.Forget(docID)
	}
	s.logger.Info("document deleted", "doc", docID)
	return nil
}

// Conflicts 最近的冲突审计记录
func (s *ShardedService) Conflicts(docID string, limit int) []ConflictRecord {
	if s.audit == nil {
		return nil
	}
	return s.audit.Recent(docID, limit)
}

func (s *ShardedService) Documents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.docs))
	for id := range s.docs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *ShardedService) Close() {
	s.shards.Close()
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrDocumentNotFound)
}
