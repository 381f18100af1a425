package store

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"collabsync/backend/internal/collab"
)

// SnapshotSource 生成文档当前快照，一般是 collab.ShardedService
type SnapshotSource interface {
	Snapshot(ctx context.Context, docID string) (*collab.Snapshot, error)
}

type PersisterOptions struct {
	BatchSize        int
	FlushInterval    time.Duration
	SnapshotEveryOps int
	SnapshotInterval time.Duration
	RetainOps        int
	MaxRetry         int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
}

type docProgress struct {
	pending       []OpRecord
	sinceSnapshot int
	lastSnapshot  time.Time
}

// Persister 异步落盘：OnApplied 只入队，Run 在后台批量写操作、按条数或时间打快照并压缩。
// 写失败的操作留在队列里，下一轮继续重试，不会影响文档的 shard worker。
type Persister struct {
	backend Backend
	source  SnapshotSource
	opts    PersisterOptions

	mu     sync.Mutex
	docs   map[string]*docProgress
	signal chan struct{}

	flushMu sync.Mutex
	logger  *slog.Logger
	now     func() time.Time
}

func NewPersister(backend Backend, source SnapshotSource, opts PersisterOptions) *Persister {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 200 * time.Millisecond
	}
	if opts.SnapshotEveryOps <= 0 {
		opts.SnapshotEveryOps = 500
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 30 * time.Second
	}
	if opts.RetainOps < 0 {
		opts.RetainOps = 0
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	return &Persister{
		backend: backend,
		source:  source,
		opts:    opts,
		docs:    make(map[string]*docProgress),
		signal:  make(chan struct{}, 1),
		logger:  slog.Default().With("component", "persister"),
		now:     time.Now,
	}
}

func (p *Persister) progress(docID string) *docProgress {
	dp := p.docs[docID]
	if dp == nil {
		dp = &docProgress{lastSnapshot: p.now()}
		p.docs[docID] = dp
	}
	return dp
}

// OnApplied 实现 collab.Listener
func (p *Persister) OnApplied(evt collab.AppliedEvent) {
	p.mu.Lock()
	dp := p.progress(evt.DocumentID)
	dp.pending = append(dp.pending, OpRecord{Version: evt.Applied.Version, Op: evt.Applied.Op})
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Forget 文档被删除，丢弃还没写出去的操作
func (p *Persister) Forget(docID string) {
	p.mu.Lock()
	delete(p.docs, docID)
	p.mu.Unlock()
}

// Purge 文档被删除：丢弃队列，等正在进行的 Flush 结束后清空后端里的快照和操作
func (p *Persister) Purge(ctx context.Context, docID string) error {
	p.Forget(docID)
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	p.Forget(docID)
	var removed int64
	err := p.retry(ctx, "purge", docID, func() error {
		n, err := p.backend.Purge(ctx, docID)
		removed = n
		return err
	})
	if err != nil {
		return err
	}
	p.logger.Info("document purged", "doc", docID, "removed", removed)
	return nil
}

// Pending 还没落盘的操作数
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, dp := range p.docs {
		n += len(dp.pending)
	}
	return n
}

func (p *Persister) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// 退出前把剩下的写完
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.Flush(flushCtx)
			cancel()
			if err != nil {
				p.logger.Error("final flush failed", "pending", p.Pending(), "err", err)
			}
			return nil
		case <-p.signal:
			_ = p.Flush(ctx)
		case <-ticker.C:
			_ = p.Flush(ctx)
		}
	}
}

// Flush 把所有排队的操作写出去，并检查是否需要打快照。返回第一个失败。
func (p *Persister) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	var firstErr error
	for _, docID := range p.docIDs() {
		err := p.flushDoc(ctx, docID)
		if err == nil {
			err = p.maybeSnapshot(ctx, docID)
		}
		if err != nil {
			p.logger.Error("persist failed, will retry", "doc", docID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Persister) docIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.docs))
	for id := range p.docs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (p *Persister) nextBatch(docID string) []OpRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	dp := p.docs[docID]
	if dp == nil || len(dp.pending) == 0 {
		return nil
	}
	n := min(len(dp.pending), p.opts.BatchSize)
	return slices.Clone(dp.pending[:n])
}

// commitBatch 从队头移除已写入的 n 条
func (p *Persister) commitBatch(docID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dp := p.docs[docID]
	if dp == nil {
		return
	}
	dp.pending = slices.Delete(dp.pending, 0, min(n, len(dp.pending)))
	dp.sinceSnapshot += n
}

func (p *Persister) flushDoc(ctx context.Context, docID string) error {
	for {
		batch := p.nextBatch(docID)
		if len(batch) == 0 {
			return nil
		}
		err := p.retry(ctx, "append", docID, func() error {
			return p.backend.AppendOperations(ctx, docID, batch)
		})
		if err != nil {
			return err
		}
		p.commitBatch(docID, len(batch))
	}
}

func (p *Persister) maybeSnapshot(ctx context.Context, docID string) error {
	p.mu.Lock()
	dp := p.docs[docID]
	due := dp != nil && dp.sinceSnapshot > 0 &&
		(dp.sinceSnapshot >= p.opts.SnapshotEveryOps || p.now().Sub(dp.lastSnapshot) >= p.opts.SnapshotInterval)
	p.mu.Unlock()
	if !due || p.source == nil {
		return nil
	}
	return p.Checkpoint(ctx, docID)
}

// Checkpoint 立即保存快照并压缩操作日志
func (p *Persister) Checkpoint(ctx context.Context, docID string) error {
	snap, err := p.source.Snapshot(ctx, docID)
	if errors.Is(err, collab.ErrDocumentNotFound) {
		p.Forget(docID)
		return nil
	}
	if err != nil {
		return &collab.PersistenceError{Op: "snapshot", DocumentID: docID, Err: err}
	}
	if err := p.retry(ctx, "snapshot", docID, func() error {
		return p.backend.PersistSnapshot(ctx, snap)
	}); err != nil {
		return err
	}

	p.mu.Lock()
	if dp := p.docs[docID]; dp != nil {
		dp.sinceSnapshot = 0
		dp.lastSnapshot = p.now()
	}
	p.mu.Unlock()

	removed, err := p.backend.Compact(ctx, docID, p.opts.RetainOps)
	if err != nil {
		// 压缩失败不影响正确性，下次快照再压
		p.logger.Warn("compact failed", "doc", docID, "err", err)
		return nil
	}
	p.logger.Info("snapshot persisted", "doc", docID, "version", snap.Version, "compacted", removed)
	return nil
}

func (p *Persister) retry(ctx context.Context, what, docID string, fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.opts.BaseBackoff
	exp.MaxInterval = p.opts.MaxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.opts.MaxRetry)), ctx)

	err := backoff.RetryNotify(fn, policy, func(err error, wait time.Duration) {
		p.logger.Warn("persistence retry", "op", what, "doc", docID, "wait", wait, "err", err)
	})
	if err != nil {
		return &collab.PersistenceError{Op: what, DocumentID: docID, Err: err}
	}
	return nil
}
