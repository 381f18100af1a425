package store

import (
	"context"
	"encoding/json"
	"fmt"

	"collabsync/backend/internal/collab"
)

// OpRecord 一条已应用的操作及其应用后的文档版本，版本决定重放顺序
type OpRecord struct {
	Version uint64
	Op      collab.Operation
}

// Backend 持久化后端。
// AppendOperations 按 (documentId, clientId, seq) 幂等；LoadLatest 返回最新快照和快照未覆盖的操作。
type Backend interface {
	PersistSnapshot(ctx context.Context, snap *collab.Snapshot) error
	AppendOperations(ctx context.Context, docID string, ops []OpRecord) error
	LoadLatest(ctx context.Context, docID string) (*collab.Snapshot, []collab.Operation, error)
	// Compact 删除最新快照之前的旧快照，以及快照版本之前超出 keep 条的操作
	Compact(ctx context.Context, docID string, keep int) (int64, error)
	// Purge 文档被显式删除时清空它的快照和操作
	Purge(ctx context.Context, docID string) (int64, error)
	Close() error
}

func encodeSnapshot(snap *collab.Snapshot) (string, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot %s@%d: %w", snap.DocumentID, snap.Version, err)
	}
	return string(b), nil
}

func decodeSnapshot(docID, content string) (*collab.Snapshot, error) {
	var snap collab.Snapshot
	if err := json.Unmarshal([]byte(content), &snap); err != nil {
		return nil, &collab.CorruptionError{DocumentID: docID, Reason: fmt.Sprintf("decode stored snapshot: %v", err)}
	}
	return &snap, nil
}

func encodeOp(op collab.Operation) (string, error) {
	b, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("encode op %s: %w", op.ID, err)
	}
	return string(b), nil
}

func decodeOp(docID, payload string) (collab.Operation, error) {
	var op collab.Operation
	if err := json.Unmarshal([]byte(payload), &op); err != nil {
		return op, &collab.CorruptionError{DocumentID: docID, Reason: fmt.Sprintf("decode stored op: %v", err)}
	}
	return op, nil
}

// notCovered 过滤掉快照已经包含的操作（保留下来的历史操作）
func notCovered(snap *collab.Snapshot, ops []collab.Operation) []collab.Operation {
	if snap == nil {
		return ops
	}
	out := ops[:0]
	for _, op := range ops {
		if !snap.StateVector.Covers(op.ID) {
			out = append(out, op)
		}
	}
	return out
}

// compactBefore 快照版本往前保留 keep 条
func compactBefore(snapVersion uint64, keep int) uint64 {
	if keep < 0 {
		keep = 0
	}
	if snapVersion <= uint64(keep) {
		return 0
	}
	return snapVersion - uint64(keep)
}
