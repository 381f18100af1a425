package ws

import (
	"encoding/json"
	"fmt"

	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/presence"
)

type MessageType string

const (
	TypeOp           MessageType = "op"
	TypeSyncRequest  MessageType = "sync_request"
	TypeSyncResponse MessageType = "sync_response"
	TypePresence     MessageType = "presence"
	TypeAck          MessageType = "ack"
	TypeError        MessageType = "error"
	TypeHeartbeat    MessageType = "heartbeat"
)

// WebSocket close code（4000-4999 为应用自定义）
const (
	CloseUnauthorized     = 4401
	CloseDocumentNotFound = 4404
	CloseRateLimited      = 4429
	CloseAbnormal         = 4500
)

// 错误消息里的 code
const (
	CodeValidation  = "validation"
	CodeCorruption  = "corruption"
	CodeRateLimited = "rate_limited"
	CodeForbidden   = "forbidden"
)

// Envelope 客户端和服务端之间的所有消息，Type 决定哪些字段有效：
//
//	op            客户端 → 服务端：Op；服务端 → 客户端：Op + Version（其他协作者的操作）
//	sync_request  StateVector（客户端已有的），ClientID
//	sync_response Snapshot 或 Ops，StateVector（服务端当前的）
//	presence      客户端 → 服务端：Presence；服务端 → 客户端：Members
//	ack           OpID + Version
//	error         Code + Message，限流时带 RetryAfterMs
//	heartbeat     无
type Envelope struct {
	Type         MessageType        `json:"type"`
	DocID        string             `json:"docId,omitempty"`
	ClientID     string             `json:"clientId,omitempty"`
	Op           *collab.Operation  `json:"op,omitempty"`
	Ops          []collab.Operation `json:"ops,omitempty"`
	Snapshot     *collab.Snapshot   `json:"snapshot,omitempty"`
	StateVector  collab.StateVector `json:"stateVector,omitempty"`
	OpID         string             `json:"opId,omitempty"`
	Version      uint64             `json:"version,omitempty"`
	Presence     json.RawMessage    `json:"presence,omitempty"`
	Members      []presence.Entry   `json:"members,omitempty"`
	Code         string             `json:"code,omitempty"`
	Message      string             `json:"message,omitempty"`
	RetryAfterMs int64              `json:"retryAfterMs,omitempty"`
}

// ValidateInbound 检查客户端发来的消息结构
func (e *Envelope) ValidateInbound() error {
	switch e.Type {
	case TypeOp:
		if e.Op == nil {
			return fmt.Errorf("op message without op")
		}
	case TypeSyncRequest, TypeHeartbeat:
	case TypePresence:
		if len(e.Presence) > 0 && !json.Valid(e.Presence) {
			return fmt.Errorf("presence payload is not json")
		}
	case TypeSyncResponse, TypeAck, TypeError:
		return fmt.Errorf("message type %q is server-only", e.Type)
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	return nil
}

func OpMessage(docID string, a collab.Applied) Envelope {
	op := a.Op
	return Envelope{Type: TypeOp, DocID: docID, Op: &op, Version: a.Version}
}

func AckMessage(docID string, a collab.Applied) Envelope {
	return Envelope{Type: TypeAck, DocID: docID, OpID: a.Op.ID.String(), Version: a.Version}
}

func SyncResponseMessage(docID string, res collab.SyncResult) Envelope {
	return Envelope{
		Type:        TypeSyncResponse,
		DocID:       docID,
		Snapshot:    res.Snapshot,
		Ops:         res.Ops,
		StateVector: res.StateVector,
	}
}

func PresenceMessage(docID string, entries []presence.Entry) Envelope {
	return Envelope{Type: TypePresence, DocID: docID, Members: entries}
}

func ErrorMessage(code, message string) Envelope {
	return Envelope{Type: TypeError, Code: code, Message: message}
}

func RateLimitedMessage(err *collab.RateLimitError) Envelope {
	return Envelope{
		Type:         TypeError,
		Code:         CodeRateLimited,
		Message:      "too many operations, retry later",
		RetryAfterMs: err.RetryAfter.Milliseconds(),
	}
}

func HeartbeatMessage() Envelope {
	return Envelope{Type: TypeHeartbeat}
}
