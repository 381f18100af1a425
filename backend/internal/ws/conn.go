package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
)

// Conn 一条 WebSocket 连接的读写循环，消息处理全部交给 hub
type Conn struct {
	ws      *websocket.Conn
	hub     *Hub
	session *Session
	logger  *slog.Logger
}

func NewConn(ws *websocket.Conn, hub *Hub, session *Session) *Conn {
	return &Conn{
		ws:      ws,
		hub:     hub,
		session: session,
		logger:  slog.Default().With("component", "ws", "session", session.ID, "doc", session.DocID),
	}
}

// Serve 先启动写循环，再阻塞在读循环直到连接关闭
func (c *Conn) Serve(ctx context.Context) {
	go c.writeLoop()
	c.readLoop(ctx)
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.hub.disconnect(c.session, websocket.CloseNormalClosure, "connection closed")

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	// pong 只续读超时，不算客户端活跃
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read failed", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(ctx, env)
	}
}

func (c *Conn) dispatch(ctx context.Context, env Envelope) {
	if err := env.ValidateInbound(); err != nil {
		c.hub.send(c.session, ErrorMessage(CodeValidation, err.Error()))
		return
	}
	var err error
	switch env.Type {
	case TypeOp:
		_, err = c.hub.Submit(ctx, c.session.ID, *env.Op)
	case TypeSyncRequest:
		err = c.hub.SyncRequest(ctx, c.session.ID, env.ClientID, env.StateVector)
	case TypePresence:
		err = c.hub.UpdatePresence(c.session.ID, env.Presence)
	case TypeHeartbeat:
		err = c.hub.Heartbeat(c.session.ID)
	case TypeSyncResponse, TypeAck, TypeError:
		// ValidateInbound 已拒绝
	}
	if err != nil {
		c.logger.Debug("message handling failed", "type", env.Type, "err", err)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case env := <-c.session.Outbound():
			if err := c.write(env); err != nil {
				c.logger.Warn("write failed", "err", err)
				c.hub.disconnect(c.session, CloseAbnormal, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.hub.disconnect(c.session, CloseAbnormal, "ping failed")
				return
			}
		case <-c.session.Done():
			c.drain()
			code, reason := c.session.CloseCode()
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			return
		}
	}
}

// drain 关闭前把队列里剩下的消息（比如限流错误）发出去
func (c *Conn) drain() {
	for {
		select {
		case env := <-c.session.Outbound():
			if err := c.write(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(env Envelope) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}
