package collab

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"collabsync/backend/internal/delta"
)

type OpKind string

const (
	OpInsert     OpKind = "insert"
	OpDelete     OpKind = "delete"
	OpFormat     OpKind = "format"
	OpStructural OpKind = "structural"
)

type NodeAction string

const (
	NodeCreate NodeAction = "create"
	NodeRename NodeAction = "rename"
	NodeRemove NodeAction = "remove"
)

// OpID = (clientId, seq)，同一 client 的 seq 从 1 开始连续递增
type OpID struct {
	Client string `json:"client"`
	Seq    uint64 `json:"seq"`
}

func (id OpID) String() string {
	return id.Client + ":" + strconv.FormatUint(id.Seq, 10)
}

func ParseOpID(s string) (OpID, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return OpID{}, fmt.Errorf("invalid op id %q", s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return OpID{}, fmt.Errorf("invalid op id %q: %w", s, err)
	}
	return OpID{Client: s[:i], Seq: seq}, nil
}

// ItemID 指向某次 insert 产生的第 Offset 个字符
type ItemID struct {
	Client string `json:"client"`
	Seq    uint64 `json:"seq"`
	Offset int    `json:"offset"`
}

func (id ItemID) op() OpID { return OpID{Client: id.Client, Seq: id.Seq} }

// Span 连续的一段字符：同一次 insert 的 [Offset, Offset+Len)
type Span struct {
	Client string `json:"client"`
	Seq    uint64 `json:"seq"`
	Offset int    `json:"offset"`
	Len    int    `json:"len"`
}

func (s Span) op() OpID { return OpID{Client: s.Client, Seq: s.Seq} }

type Operation struct {
	ID         OpID        `json:"id"`
	DocumentID string      `json:"documentId"`
	Kind       OpKind      `json:"kind"`
	Timestamp  int64       `json:"ts"`             // HLC，毫秒
	Deps       StateVector `json:"deps,omitempty"` // 生成时本地的 state vector

	// insert
	Origin   *ItemID `json:"origin,omitempty"` // nil 表示插在文档开头
	Position int     `json:"position,omitempty"`
	Text     string  `json:"text,omitempty"`

	// delete / format
	Spans []Span `json:"spans,omitempty"`
	Key   string `json:"key,omitempty"`

	// format 的值、节点名
	Value string `json:"value,omitempty"`

	// structural
	Action NodeAction `json:"action,omitempty"`
	Node   *OpID      `json:"node,omitempty"`
	Parent *OpID      `json:"parent,omitempty"`
}

// Applied 一次被实际应用的操作及其产生的可见变化
type Applied struct {
	Op        Operation   `json:"op"`
	Version   uint64      `json:"version"`
	Diff      delta.Delta `json:"diff,omitempty"`
	Nodes     []NodeView  `json:"nodes,omitempty"` // 结构变化后的节点状态
	Conflicts []Conflict  `json:"conflicts,omitempty"`
	AppliedAt time.Time   `json:"appliedAt"`
}

// Rejected 因引用非法而被拒绝的操作（在缓冲区排空时才会出现）
type Rejected struct {
	Op  Operation
	Err error
}

type ApplyResult struct {
	Applied   []Applied
	Rejected  []Rejected
	Buffered  bool
	Duplicate bool
}
