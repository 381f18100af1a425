package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"collabsync/backend/internal/cache"
)

type Entry struct {
	SessionID  string          `json:"sessionId"`
	UserID     string          `json:"userId"`
	DocumentID string          `json:"documentId"`
	Data       json.RawMessage `json:"data,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Broadcaster 在 debounce 窗口结束后收到该文档当前的完整在线列表。
// 在 timer goroutine 上调用，不能阻塞。
type Broadcaster func(docID string, entries []Entry)

type Options struct {
	TTL           time.Duration
	Debounce      time.Duration
	SweepInterval time.Duration
	MirrorTimeout time.Duration
}

// Tracker 进程内在线状态。
// 过期（TTL 内没有更新）和断开连接是两条独立的清理路径：
// Sweep 只清理过期条目，Leave 在会话断开时立即移除。
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*Entry
	timers   map[string]*time.Timer // docID -> 待发送的广播
	removed  map[string][]string    // docID -> 待从 mirror 删除的 session
	changed  map[string]bool        // docID -> 成员或数据有变化，需要广播
	closed   bool

	opts      Options
	broadcast Broadcaster
	mirror    cache.PresenceCache
	logger    *slog.Logger
	now       func() time.Time
}

func NewTracker(broadcast Broadcaster, mirror cache.PresenceCache, opts Options) *Tracker {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 50 * time.Millisecond
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.TTL / 6
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = time.Second
	}
	return &Tracker{
		sessions:  make(map[string]*Entry),
		timers:    make(map[string]*time.Timer),
		removed:   make(map[string][]string),
		changed:   make(map[string]bool),
		opts:      opts,
		broadcast: broadcast,
		mirror:    mirror,
		logger:    slog.Default().With("component", "presence"),
		now:       time.Now,
	}
}

// SetBroadcaster 构造时 hub 还不存在的情况下补上
func (t *Tracker) SetBroadcaster(b Broadcaster) {
	t.mu.Lock()
	t.broadcast = b
	t.mu.Unlock()
}

// Update 写入会话的最新状态并刷新 TTL
func (t *Tracker) Update(sessionID, docID, userID string, data json.RawMessage) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &Entry{
		SessionID:  sessionID,
		UserID:     userID,
		DocumentID: docID,
		Data:       slices.Clone(data),
		UpdatedAt:  t.now(),
	}
	t.sessions[sessionID] = e
	t.schedule(docID, true)
	return *e
}

// Touch 心跳：只刷新 TTL，不触发广播；有 mirror 时顺带续期。
// 会话还没有上报过在线状态时什么也不做。
func (t *Tracker) Touch(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[sessionID]
	if !ok {
		return false
	}
	e.UpdatedAt = t.now()
	if t.mirror != nil {
		t.schedule(e.DocumentID, false)
	}
	return true
}

// Leave 会话断开，立即移除
func (t *Tracker) Leave(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	delete(t.sessions, sessionID)
	t.removed[e.DocumentID] = append(t.removed[e.DocumentID], sessionID)
	t.schedule(e.DocumentID, true)
}

func (t *Tracker) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.UpdatedAt) >= t.opts.TTL
}

// Get 文档当前在线列表，按 sessionId 排序，不含已过期条目
func (t *Tracker) Get(docID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list(docID, t.now())
}

func (t *Tracker) list(docID string, now time.Time) []Entry {
	out := make([]Entry, 0)
	for _, e := range t.sessions {
		if e.DocumentID == docID && !t.expired(e, now) {
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.SessionID, b.SessionID) })
	return out
}

// Members 本实例的条目加上 mirror 里其它实例登记的会话，本地条目优先。
// mirror 读取失败时只返回本地条目。
func (t *Tracker) Members(ctx context.Context, docID string) []Entry {
	local := t.Get(docID)
	if t.mirror == nil {
		return local
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.MirrorTimeout)
	defer cancel()
	remote, err := t.mirror.Members(ctx, docID)
	if err != nil {
		t.logger.Warn("presence mirror read failed", "doc", docID, "err", err)
		return local
	}
	seen := make(map[string]bool, len(local))
	for _, e := range local {
		seen[e.SessionID] = true
	}
	out := local
	for _, m := range remote {
		if seen[m.SessionID] {
			continue
		}
		out = append(out, Entry{SessionID: m.SessionID, UserID: m.UserID, DocumentID: docID, Data: m.Data, UpdatedAt: m.UpdatedAt})
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.SessionID, b.SessionID) })
	return out
}

// Sweep 删除过期条目，返回删除数量
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for id, e := range t.sessions {
		if !t.expired(e, now) {
			continue
		}
		delete(t.sessions, id)
		t.removed[e.DocumentID] = append(t.removed[e.DocumentID], id)
		t.schedule(e.DocumentID, true)
		n++
	}
	if n > 0 {
		t.logger.Debug("presence expired", "count", n)
	}
	return n
}

func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.Close()
			return nil
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Close 取消所有待发送的广播
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for docID, timer := range t.timers {
		timer.Stop()
		delete(t.timers, docID)
	}
}

// schedule 窗口内的多次变化合并成一次广播。调用方持有 t.mu
func (t *Tracker) schedule(docID string, changed bool) {
	if t.closed {
		return
	}
	if changed {
		t.changed[docID] = true
	}
	if _, pending := t.timers[docID]; pending {
		return
	}
	t.timers[docID] = time.AfterFunc(t.opts.Debounce, func() { t.flush(docID) })
}

func (t *Tracker) flush(docID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.timers, docID)
	entries := t.list(docID, t.now())
	removed := t.removed[docID]
	delete(t.removed, docID)
	changed := t.changed[docID]
	delete(t.changed, docID)
	broadcast := t.broadcast
	t.mu.Unlock()

	if broadcast != nil && changed {
		broadcast(docID, entries)
	}
	if t.mirror != nil {
		t.syncMirror(docID, entries, removed)
	}
}

// syncMirror 尽力而为，失败只记日志
func (t *Tracker) syncMirror(docID string, entries []Entry, removed []string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.MirrorTimeout)
	defer cancel()
	for _, sid := range removed {
		if err := t.mirror.Remove(ctx, docID, sid); err != nil {
			t.logger.Warn("presence mirror remove failed", "doc", docID, "session", sid, "err", err)
			return
		}
	}
	for _, e := range entries {
		m := cache.Member{SessionID: e.SessionID, UserID: e.UserID, Data: e.Data, UpdatedAt: e.UpdatedAt}
		ttl := t.opts.TTL - t.now().Sub(e.UpdatedAt)
		if ttl <= 0 {
			continue
		}
		if err := t.mirror.Put(ctx, docID, m, ttl); err != nil {
			t.logger.Warn("presence mirror put failed", "doc", docID, "session", e.SessionID, "err", err)
			return
		}
	}
}
