package collab

import (
	"time"

	"collabsync/backend/internal/delta"
)

// DocOpEvent 推给外部 connector（CRM/日历/分析等）的已应用操作事件，以 docId 作为分区 key
type DocOpEvent struct {
	EventType   string      `json:"eventType"` // 固定 "OP_APPLIED"
	DocID       string      `json:"docId"`
	OperationID string      `json:"operationId"`
	Version     uint64      `json:"version"`
	ClientID    string      `json:"clientId"`
	ClientSeq   uint64      `json:"clientSeq"`
	Kind        OpKind      `json:"kind"`
	Timestamp   int64       `json:"ts"`
	Diff        delta.Delta `json:"diff,omitempty"`
	Nodes       []NodeView  `json:"nodes,omitempty"`
	AppliedAt   time.Time   `json:"appliedAt"`
}

func NewDocOpEvent(evt AppliedEvent) DocOpEvent {
	a := evt.Applied
	return DocOpEvent{
		EventType:   "OP_APPLIED",
		DocID:       evt.DocumentID,
		OperationID: a.Op.ID.String(),
		Version:     a.Version,
		ClientID:    a.Op.ID.Client,
		ClientSeq:   a.Op.ID.Seq,
		Kind:        a.Op.Kind,
		Timestamp:   a.Op.Timestamp,
		Diff:        a.Diff,
		Nodes:       a.Nodes,
		AppliedAt:   a.AppliedAt,
	}
}
