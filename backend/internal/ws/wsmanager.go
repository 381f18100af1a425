package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/collab"
)

const handshakeTimeout = 10 * time.Second

// 默认允许本地开发环境的来源
var defaultOriginPrefixes = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Manager struct {
	hub       *Hub
	validator auth.Validator
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

func NewManager(hub *Hub, validator auth.Validator, allowedOrigins []string) *Manager {
	prefixes := append(append([]string(nil), defaultOriginPrefixes...), allowedOrigins...)
	return &Manager{
		hub:       hub,
		validator: validator,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origin == "null" { // 非浏览器客户端可能不发送 Origin
				return true
			}
			for _, p := range prefixes {
				if p == "*" || strings.HasPrefix(origin, p) {
					return true
				}
			}
			return false
		}},
		logger: slog.Default().With("component", "ws"),
	}
}

// WebSocketConnect GET /collab/ws?docId=...&sessionId=...&token=...
//
// 握手：升级后客户端的第一条消息必须是 sync_request，带上 clientId 和已有的 state vector。
// 鉴权失败用 4401 关闭，文档不存在用 4404 关闭。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	docID := c.Query("docId")
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		sessionID = uuid.Must(uuid.NewV7()).String()
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "err", err, "origin", c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	if docID == "" {
		closeWith(conn, CloseDocumentNotFound, "missing docId")
		return
	}
	identity, err := m.validator.Validate(ctx, auth.ExtractToken(c.Request), docID)
	if err != nil || !identity.Can(auth.PermRead) {
		m.logger.Info("websocket rejected", "doc", docID, "err", err)
		closeWith(conn, CloseUnauthorized, "unauthorized")
		return
	}

	first, err := readHandshake(conn)
	if err != nil {
		m.logger.Info("websocket handshake failed", "doc", docID, "user", identity.UserID, "err", err)
		closeWith(conn, CloseAbnormal, "expected sync_request")
		return
	}
	if first.ClientID == "" && identity.Can(auth.PermWrite) {
		closeWith(conn, CloseAbnormal, "missing clientId")
		return
	}

	session, _, err := m.hub.Connect(ctx, ConnectRequest{
		SessionID:   sessionID,
		DocumentID:  docID,
		UserID:      identity.UserID,
		ClientID:    first.ClientID,
		StateVector: first.StateVector,
		CanWrite:    identity.Can(auth.PermWrite),
	})
	if err != nil {
		code, reason := closeFor(err)
		m.logger.Warn("connect failed", "doc", docID, "session", sessionID, "err", err)
		closeWith(conn, code, reason)
		return
	}

	NewConn(conn, m.hub, session).Serve(ctx)
}

func readHandshake(conn *websocket.Conn) (Envelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return env, err
	}
	if env.Type != TypeSyncRequest {
		return env, errors.New("first message is " + string(env.Type))
	}
	return env, nil
}

func closeFor(err error) (int, string) {
	switch {
	case collab.IsNotFound(err):
		return CloseDocumentNotFound, "document not found"
	case collab.IsCorruption(err):
		return CloseAbnormal, "document unavailable"
	case collab.IsValidation(err):
		return CloseUnauthorized, "client id rejected"
	}
	return CloseAbnormal, "internal error"
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
