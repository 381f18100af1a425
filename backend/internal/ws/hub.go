package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/presence"
)

var (
	ErrUnknownSession = errors.New("UNKNOWN_SESSION")
	ErrReadOnly       = errors.New("READ_ONLY")
	ErrQueueFull      = errors.New("OUTBOUND_QUEUE_FULL")
)

type HubOptions struct {
	OutboundQueue int
	SessionRate   float64 // 每个连接每秒操作数
	SessionBurst  int
	DocumentRate  float64 // 每个文档每秒操作数
	DocumentBurst int
	// 连续被限流这么多次后断开连接
	MaxViolations int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// 等待 Submit 信号量的上限
	SubmitTimeout time.Duration
}

type ConnectRequest struct {
	SessionID   string
	DocumentID  string
	UserID      string
	ClientID    string
	StateVector collab.StateVector
	CanWrite    bool
}

// Hub 同步中心：管理会话和文档房间，把操作交给 collab.Service，
// 再把结果（ack、广播、错误）路由回对应的会话
type Hub struct {
	// 保护 sessions / rooms / docLimits
	mu        sync.RWMutex
	sessions  map[string]*Session
	rooms     map[string]map[string]*Session
	docLimits map[string]*rate.Limiter

	svc      collab.Service
	presence *presence.Tracker
	sem      *collab.SemaphoreControl
	opts     HubOptions
	logger   *slog.Logger
	now      func() time.Time
}

func NewHub(svc collab.Service, tracker *presence.Tracker, sem *collab.SemaphoreControl, opts HubOptions) *Hub {
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = 256
	}
	if opts.SessionRate <= 0 {
		opts.SessionRate = 50
	}
	if opts.SessionBurst <= 0 {
		opts.SessionBurst = 100
	}
	if opts.DocumentRate <= 0 {
		opts.DocumentRate = 500
	}
	if opts.DocumentBurst <= 0 {
		opts.DocumentBurst = 1000
	}
	if opts.MaxViolations <= 0 {
		opts.MaxViolations = 20
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 200 * time.Millisecond
	}
	h := &Hub{
		sessions:  make(map[string]*Session),
		rooms:     make(map[string]map[string]*Session),
		docLimits: make(map[string]*rate.Limiter),
		svc:       svc,
		presence:  tracker,
		sem:       sem,
		opts:      opts,
		logger:    slog.Default().With("component", "hub"),
		now:       time.Now,
	}
	if tracker != nil {
		tracker.SetBroadcaster(h.broadcastPresence)
	}
	return h
}

func (h *Hub) lookup(sessionID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[sessionID]
}

// Connect 加入文档并完成首次同步：客户端缺的操作不多时返回增量，否则返回快照。
// 同一个 sessionID 再次 Connect 视为重连，旧会话进入 Reconnecting 后被替换。
func (h *Hub) Connect(ctx context.Context, req ConnectRequest) (*Session, collab.SyncResult, error) {
	if err := h.svc.Open(ctx, req.DocumentID, req.UserID); err != nil {
		return nil, collab.SyncResult{}, err
	}
	limiter := rate.NewLimiter(rate.Limit(h.opts.SessionRate), h.opts.SessionBurst)
	s := newSession(req.SessionID, req.DocumentID, req.UserID, req.CanWrite, h.opts.OutboundQueue, limiter, h.now())
	s.bindClientID(req.ClientID)

	h.mu.Lock()
	if holder := h.clientHolderLocked(s); holder != nil {
		h.mu.Unlock()
		h.logger.Warn("client id already bound to another user", "session", s.ID, "doc", s.DocID,
			"client", req.ClientID, "holder", holder.ID)
		return nil, collab.SyncResult{}, &collab.ValidationError{Reason: "client id is in use by another user"}
	}
	old := h.sessions[s.ID]
	if old != nil {
		h.removeLocked(old)
	}
	h.sessions[s.ID] = s
	room := h.rooms[s.DocID]
	if room == nil {
		room = make(map[string]*Session)
		h.rooms[s.DocID] = room
	}
	room[s.ID] = s
	h.mu.Unlock()

	if old != nil {
		old.transition(StateReconnecting)
		old.close(websocket.CloseNormalClosure, "replaced by reconnect")
		h.leavePresence(old.ID)
		h.logger.Info("session reconnecting", "session", s.ID, "doc", s.DocID)
	}

	res, err := h.sync(ctx, s, req.StateVector)
	if err != nil {
		h.disconnect(s, CloseAbnormal, "initial sync failed")
		return nil, res, err
	}
	h.logger.Info("session connected", "session", s.ID, "doc", s.DocID, "user", s.UserID,
		"snapshot", res.Snapshot != nil, "missing_ops", len(res.Ops))
	return s, res, nil
}

func (h *Hub) sync(ctx context.Context, s *Session, sv collab.StateVector) (collab.SyncResult, error) {
	s.transition(StateSyncing)
	res, err := h.svc.Sync(ctx, s.DocID, sv)
	if err != nil {
		return res, err
	}
	if !h.send(s, SyncResponseMessage(s.DocID, res)) {
		return res, ErrQueueFull
	}
	s.transition(StateSynced)
	return res, nil
}

// SyncRequest 已连接的客户端重新同步（例如恢复网络后带着最后确认的 state vector）
func (h *Hub) SyncRequest(ctx context.Context, sessionID, clientID string, sv collab.StateVector) error {
	s := h.lookup(sessionID)
	if s == nil {
		return &collab.ConnectionError{SessionID: sessionID, Err: ErrUnknownSession}
	}
	s.touch(h.now())
	if !s.bindClientID(clientID) {
		err := &collab.ValidationError{Reason: "client id cannot change within a session"}
		h.reportError(s, err)
		return err
	}
	_, err := h.sync(ctx, s, sv)
	if collab.IsNotFound(err) {
		h.CloseDocument(s.DocID)
	}
	return err
}

// Submit 处理客户端提交的操作。出错时错误消息已经发给该会话，返回值供调用方记录。
func (h *Hub) Submit(ctx context.Context, sessionID string, op collab.Operation) (collab.ApplyResult, error) {
	s := h.lookup(sessionID)
	if s == nil {
		return collab.ApplyResult{}, &collab.ConnectionError{SessionID: sessionID, Err: ErrUnknownSession}
	}
	now := h.now()
	s.touch(now)

	if !s.CanWrite {
		h.send(s, ErrorMessage(CodeForbidden, "read-only access"))
		return collab.ApplyResult{}, ErrReadOnly
	}
	if op.DocumentID == "" {
		op.DocumentID = s.DocID
	}
	if op.DocumentID != s.DocID {
		err := &collab.ValidationError{Op: op.ID, Reason: "operation targets another document"}
		h.reportError(s, err)
		return collab.ApplyResult{}, err
	}
	// 只接受握手时绑定的 clientId 名下的操作
	if bound := s.ClientID(); bound == "" || op.ID.Client != bound {
		err := &collab.ValidationError{Op: op.ID, Reason: "operation client id does not match the session"}
		h.reportError(s, err)
		return collab.ApplyResult{}, err
	}
	if err := h.allow(s, now); err != nil {
		h.reportError(s, err)
		return collab.ApplyResult{}, err
	}

	if h.sem != nil {
		acquireCtx, cancel := context.WithTimeout(ctx, h.opts.SubmitTimeout)
		err := h.sem.Acquire(acquireCtx)
		cancel()
		if err != nil {
			rl := &collab.RateLimitError{Scope: "server", RetryAfter: h.opts.SubmitTimeout}
			h.reportError(s, rl)
			return collab.ApplyResult{}, rl
		}
		defer func() { _ = h.sem.Release() }()
	}

	res, err := h.svc.Submit(ctx, op)
	h.deliver(s.DocID, res)
	if err != nil {
		h.reportError(s, err)
	}
	return res, err
}

// allow 连接级和文档级令牌桶都有令牌才放行；任何一个拒绝时两边的预留都退回，
// 被文档限流挡下的会话不损失自己的令牌
func (h *Hub) allow(s *Session, now time.Time) error {
	sr := s.limiter.ReserveN(now, 1)
	dr := h.docLimiter(s.DocID).ReserveN(now, 1)
	sd, dd := delayOf(sr, now), delayOf(dr, now)
	if sd == 0 && dd == 0 {
		s.violations.Store(0)
		return nil
	}
	sr.CancelAt(now)
	dr.CancelAt(now)
	if sd > 0 {
		return h.violation(s, "session", sd)
	}
	return h.violation(s, "document", dd)
}

// delayOf 返回需要等待的时间，0 表示放行
func delayOf(r *rate.Reservation, now time.Time) time.Duration {
	if !r.OK() {
		return time.Second
	}
	return r.DelayFrom(now)
}

func (h *Hub) docLimiter(docID string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := h.docLimits[docID]
	if l == nil {
		l = rate.NewLimiter(rate.Limit(h.opts.DocumentRate), h.opts.DocumentBurst)
		h.docLimits[docID] = l
	}
	return l
}

func (h *Hub) violation(s *Session, scope string, retryAfter time.Duration) error {
	err := &collab.RateLimitError{Scope: scope, RetryAfter: retryAfter}
	if n := s.violations.Add(1); int(n) >= h.opts.MaxViolations {
		h.logger.Warn("session exceeded rate limit repeatedly", "session", s.ID, "doc", s.DocID, "violations", n)
		h.send(s, RateLimitedMessage(err))
		h.disconnect(s, CloseRateLimited, "rate limit exceeded")
	}
	return err
}

// reportError 只把校验/损坏（脱敏后）和限流提示发给客户端，其它错误只记日志
func (h *Hub) reportError(s *Session, err error) {
	if rl, ok := collab.AsRateLimit(err); ok {
		h.send(s, RateLimitedMessage(rl))
		return
	}
	if collab.IsNotFound(err) {
		h.CloseDocument(s.DocID)
		return
	}
	if code, msg, ok := collab.ClientFacing(err); ok {
		h.send(s, ErrorMessage(code, msg))
		return
	}
	h.logger.Warn("submit failed", "session", s.ID, "doc", s.DocID, "err", err)
}

// deliver 把应用结果路由出去：作者收到 ack，房间里其他人收到 op。
// 作者按 clientId 查找，缓冲后才应用的操作也能 ack 到正确的会话。
func (h *Hub) deliver(docID string, res collab.ApplyResult) {
	for _, a := range res.Applied {
		exclude := ""
		if author := h.sessionForClient(docID, a.Op.ID.Client); author != nil {
			h.send(author, AckMessage(docID, a))
			exclude = author.ID
		}
		h.Broadcast(docID, a, exclude)
	}
	for _, r := range res.Rejected {
		author := h.sessionForClient(docID, r.Op.ID.Client)
		if author == nil {
			continue
		}
		if code, msg, ok := collab.ClientFacing(r.Err); ok {
			h.send(author, ErrorMessage(code, msg))
		}
	}
}

func (h *Hub) sessionForClient(docID, clientID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.rooms[docID] {
		if s.ClientID() == clientID {
			return s
		}
	}
	return nil
}

// clientHolderLocked 找出房间里以同一 clientId 连接、属于其他用户的会话。
// 同一用户用同一 sessionID 重连不算冲突。
func (h *Hub) clientHolderLocked(s *Session) *Session {
	id := s.ClientID()
	if id == "" {
		return nil
	}
	for _, other := range h.rooms[s.DocID] {
		if other.ID != s.ID && other.ClientID() == id && other.UserID != s.UserID {
			return other
		}
	}
	return nil
}

func (h *Hub) roomSessions(docID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.rooms[docID]))
	for _, s := range h.rooms[docID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Broadcast 发给房间内除 excludeSessionID 以外的所有会话
func (h *Hub) Broadcast(docID string, a collab.Applied, excludeSessionID string) {
	msg := OpMessage(docID, a)
	for _, s := range h.roomSessions(docID) {
		if s.ID != excludeSessionID {
			h.send(s, msg)
		}
	}
}

// send 出站队列满说明客户端跟不上，断开让它重连后重新同步，不静默丢消息
func (h *Hub) send(s *Session, env Envelope) bool {
	if s.enqueue(env) {
		return true
	}
	h.logger.Warn("outbound queue full, closing session", "session", s.ID, "doc", s.DocID)
	h.disconnect(s, CloseAbnormal, "outbound queue full")
	return false
}

func (h *Hub) UpdatePresence(sessionID string, data json.RawMessage) error {
	s := h.lookup(sessionID)
	if s == nil {
		return &collab.ConnectionError{SessionID: sessionID, Err: ErrUnknownSession}
	}
	s.touch(h.now())
	if h.presence != nil {
		h.presence.Update(s.ID, s.DocID, s.UserID, data)
	}
	return nil
}

func (h *Hub) GetPresence(docID string) []presence.Entry {
	if h.presence == nil {
		return nil
	}
	return h.presence.Get(docID)
}

// ListPresence 包含其它实例通过 redis 登记的会话
func (h *Hub) ListPresence(ctx context.Context, docID string) []presence.Entry {
	if h.presence == nil {
		return nil
	}
	return h.presence.Members(ctx, docID)
}

func (h *Hub) broadcastPresence(docID string, entries []presence.Entry) {
	msg := PresenceMessage(docID, entries)
	for _, s := range h.roomSessions(docID) {
		h.send(s, msg)
	}
}

func (h *Hub) leavePresence(sessionID string) {
	if h.presence != nil {
		h.presence.Leave(sessionID)
	}
}

// Heartbeat 刷新空闲计时和在线状态的 TTL
func (h *Hub) Heartbeat(sessionID string) error {
	s := h.lookup(sessionID)
	if s == nil {
		return &collab.ConnectionError{SessionID: sessionID, Err: ErrUnknownSession}
	}
	s.touch(h.now())
	if h.presence != nil {
		h.presence.Touch(s.ID)
	}
	h.send(s, HeartbeatMessage())
	return nil
}

func (h *Hub) Disconnect(sessionID string, code int, reason string) {
	if s := h.lookup(sessionID); s != nil {
		h.disconnect(s, code, reason)
	}
}

// removeLocked 调用方持有 h.mu；只移除当前登记的那个会话对象
func (h *Hub) removeLocked(s *Session) {
	if h.sessions[s.ID] != s {
		return
	}
	delete(h.sessions, s.ID)
	if room := h.rooms[s.DocID]; room != nil {
		delete(room, s.ID)
		if len(room) == 0 {
			delete(h.rooms, s.DocID)
			delete(h.docLimits, s.DocID)
		}
	}
}

func (h *Hub) disconnect(s *Session, code int, reason string) {
	h.mu.Lock()
	h.removeLocked(s)
	h.mu.Unlock()
	if !s.close(code, reason) {
		return
	}
	s.transition(StateDisconnected)
	h.leavePresence(s.ID)
	h.logger.Info("session disconnected", "session", s.ID, "doc", s.DocID, "code", code, "reason", reason)
}

// CloseDocument 文档被删除，断开房间里所有会话
func (h *Hub) CloseDocument(docID string) {
	for _, s := range h.roomSessions(docID) {
		h.disconnect(s, CloseDocumentNotFound, "document not found")
	}
}

// Sweep 驱逐超过 IdleTimeout 没有任何消息的会话
func (h *Hub) Sweep() int {
	now := h.now()
	h.mu.RLock()
	var idle []*Session
	for _, s := range h.sessions {
		if s.idleSince(now) >= h.opts.IdleTimeout {
			idle = append(idle, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range idle {
		h.disconnect(s, websocket.CloseGoingAway, "idle timeout")
	}
	return len(idle)
}

func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.C:
			if n := h.Sweep(); n > 0 {
				h.logger.Info("idle sessions evicted", "count", n)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		h.disconnect(s, websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) Session(sessionID string) (*Session, bool) {
	s := h.lookup(sessionID)
	return s, s != nil
}

func (h *Hub) SessionCount(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}
