package collab

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ConflictKind string

const (
	ConflictConcurrentInsert ConflictKind = "concurrent_insert"
	ConflictConcurrentFormat ConflictKind = "concurrent_format"
	ConflictConcurrentRename ConflictKind = "concurrent_rename"
	ConflictRemoveRename     ConflictKind = "remove_rename"
)

type ConflictSide struct {
	Op        OpID   `json:"op"`
	Timestamp int64  `json:"ts"`
	Value     string `json:"value,omitempty"`
	Removed   bool   `json:"removed,omitempty"`
}

func sideOf(e regEntry) ConflictSide {
	return ConflictSide{Op: e.ID, Timestamp: e.Timestamp, Value: e.Value, Removed: e.Removed}
}

// Conflict 一次已解决的冲突，Loser 作为墓碑化的备选保留在文档里
type Conflict struct {
	Kind       ConflictKind `json:"kind"`
	DocumentID string       `json:"documentId"`
	Target     string       `json:"target"`
	Winner     ConflictSide `json:"winner"`
	Loser      ConflictSide `json:"loser"`
}

type ConflictRecord struct {
	ID         string    `json:"id"`
	Conflict   Conflict  `json:"conflict"`
	Incoming   Operation `json:"incoming"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// AuditSink 接收每一条冲突记录
type AuditSink interface {
	Record(rec ConflictRecord)
}

// AuditLog 按文档保存最近的冲突记录（有界）
type AuditLog struct {
	mu    sync.RWMutex
	cap   int
	byDoc map[string][]ConflictRecord
}

func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &AuditLog{cap: capacity, byDoc: make(map[string][]ConflictRecord)}
}

func (a *AuditLog) Record(rec ConflictRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	recs := a.byDoc[rec.Conflict.DocumentID]
	if len(recs) == a.cap {
		copy(recs, recs[1:])
		recs = recs[:len(recs)-1]
	}
	a.byDoc[rec.Conflict.DocumentID] = append(recs, rec)
}

// Recent 返回最近的 limit 条，新的在后
func (a *AuditLog) Recent(docID string, limit int) []ConflictRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	recs := a.byDoc[docID]
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]ConflictRecord, len(recs))
	copy(out, recs)
	return out
}

func (a *AuditLog) Forget(docID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byDoc, docID)
}

func logConflicts(logger *slog.Logger, sink AuditSink, op Operation, conflicts []Conflict, now time.Time) {
	for _, c := range conflicts {
		logger.Info("conflict resolved",
			"doc", c.DocumentID,
			"kind", string(c.Kind),
			"target", c.Target,
			"winner", c.Winner.Op.String(),
			"loser", c.Loser.Op.String(),
			"err", &ConflictError{Conflict: c},
		)
		if sink != nil {
			sink.Record(ConflictRecord{
				ID:         uuid.Must(uuid.NewV7()).String(),
				Conflict:   c,
				Incoming:   op,
				ResolvedAt: now,
			})
		}
	}
}
