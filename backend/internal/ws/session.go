package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateSyncing
	StateSynced
	StateReconnecting
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// 允许的状态迁移
var transitions = map[SessionState][]SessionState{
	StateConnecting:   {StateSyncing, StateDisconnected, StateReconnecting},
	StateSyncing:      {StateSynced, StateDisconnected, StateReconnecting},
	StateSynced:       {StateSyncing, StateDisconnected, StateReconnecting},
	StateReconnecting: {StateConnecting, StateDisconnected},
}

// Session 一条客户端连接在 hub 里的状态。出站消息走有界队列，由传输层的写循环消费。
type Session struct {
	ID     string
	DocID  string
	UserID string
	// 写权限
	CanWrite bool

	state    atomic.Int32
	clientID atomic.Pointer[string]
	lastSeen atomic.Int64

	out       chan Envelope
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeMsg  string

	limiter    *rate.Limiter
	violations atomic.Int32
}

func newSession(id, docID, userID string, canWrite bool, queue int, limiter *rate.Limiter, now time.Time) *Session {
	s := &Session{
		ID:       id,
		DocID:    docID,
		UserID:   userID,
		CanWrite: canWrite,
		out:      make(chan Envelope, queue),
		done:     make(chan struct{}),
		limiter:  limiter,
	}
	s.state.Store(int32(StateConnecting))
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// transition 非法迁移返回 false，状态不变
func (s *Session) transition(to SessionState) bool {
	for {
		from := s.State()
		allowed := false
		for _, next := range transitions[from] {
			if next == to {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			return true
		}
	}
}

func (s *Session) ClientID() string {
	if p := s.clientID.Load(); p != nil {
		return *p
	}
	return ""
}

// bindClientID 会话的 clientId 只能绑定一次，之后只接受相同的值
func (s *Session) bindClientID(id string) bool {
	if id == "" {
		return true
	}
	if s.clientID.CompareAndSwap(nil, &id) {
		return true
	}
	return s.ClientID() == id
}

func (s *Session) touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// Outbound 写循环从这里取消息
func (s *Session) Outbound() <-chan Envelope { return s.out }

// Done 会话被关闭（断开、被驱逐、被替换）
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseCode Done 之后有效
func (s *Session) CloseCode() (int, string) {
	<-s.done
	return s.closeCode, s.closeMsg
}

// enqueue 队列满返回 false，由调用方决定关闭会话
func (s *Session) enqueue(env Envelope) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.out <- env:
		return true
	default:
		return false
	}
}

func (s *Session) close(code int, msg string) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeMsg = msg
		close(s.done)
		closed = true
	})
	return closed
}
