package collab

import (
	"fmt"
	"time"
)

// Replica 客户端侧的文档副本：生成带 HLC 时间戳的本地操作并立即应用，
// 未确认的操作保存在 unacked 中，断线重连或收到快照后重新应用
type Replica struct {
	clientID   string
	doc        *Document
	engine     *Engine
	lastTS     int64
	maxPending int
	now        func() time.Time
	unacked    []Operation
}

func NewReplica(docID, clientID string, engine *Engine) *Replica {
	return &Replica{
		clientID:   clientID,
		doc:        NewDocument(docID, defaultMaxPending),
		engine:     engine,
		maxPending: defaultMaxPending,
		now:        time.Now,
	}
}

// SetClock 测试里注入固定时钟
func (r *Replica) SetClock(now func() time.Time) { r.now = now }

func (r *Replica) ClientID() string { return r.clientID }
func (r *Replica) Document() *Document { return r.doc }
func (r *Replica) Text() string { return r.doc.Text() }
func (r *Replica) StateVector() StateVector { return r.doc.StateVector() }
func (r *Replica) Checksum() uint64 { return r.doc.Checksum() }
func (r *Replica) Unacked() []Operation { return append([]Operation(nil), r.unacked...) }

// tick: max(物理时钟, 上次时间戳+1, 已见最大时间戳+1)
func (r *Replica) tick() int64 {
	ts := r.now().UnixMilli()
	if ts <= r.lastTS {
		ts = r.lastTS + 1
	}
	if m := r.doc.MaxTimestamp(); ts <= m {
		ts = m + 1
	}
	r.lastTS = ts
	return ts
}

func (r *Replica) next(kind OpKind) Operation {
	deps := r.doc.StateVector()
	return Operation{
		ID:         OpID{Client: r.clientID, Seq: deps.Get(r.clientID) + 1},
		DocumentID: r.doc.ID(),
		Kind:       kind,
		Timestamp:  r.tick(),
		Deps:       deps,
	}
}

func (r *Replica) commit(op Operation) (Operation, error) {
	res, err := r.engine.Apply(r.doc, op)
	if err != nil {
		return Operation{}, err
	}
	if len(res.Applied) == 0 {
		return Operation{}, fmt.Errorf("local operation %s was not applied", op.ID)
	}
	r.unacked = append(r.unacked, op)
	return op, nil
}

func (r *Replica) LocalInsert(pos int, text string) (Operation, error) {
	if pos < 0 || pos > r.doc.Len() {
		return Operation{}, fmt.Errorf("insert position %d out of bounds (len=%d)", pos, r.doc.Len())
	}
	op := r.next(OpInsert)
	op.Position = pos
	op.Text = text
	if pos > 0 {
		origin := r.doc.visibleAt(pos - 1).id
		op.Origin = &origin
	}
	return r.commit(op)
}

func (r *Replica) LocalDelete(pos, n int) (Operation, error) {
	spans, err := r.doc.spansFor(pos, n)
	if err != nil {
		return Operation{}, err
	}
	op := r.next(OpDelete)
	op.Position = pos
	op.Spans = spans
	return r.commit(op)
}

// LocalFormat value 为空表示清除该样式
func (r *Replica) LocalFormat(pos, n int, key, value string) (Operation, error) {
	spans, err := r.doc.spansFor(pos, n)
	if err != nil {
		return Operation{}, err
	}
	op := r.next(OpFormat)
	op.Position = pos
	op.Spans = spans
	op.Key = key
	op.Value = value
	return r.commit(op)
}

func (r *Replica) CreateNode(parent *OpID, name string) (Operation, error) {
	op := r.next(OpStructural)
	op.Action = NodeCreate
	op.Parent = parent
	op.Value = name
	return r.commit(op)
}

func (r *Replica) RenameNode(id OpID, name string) (Operation, error) {
	op := r.next(OpStructural)
	op.Action = NodeRename
	op.Node = &id
	op.Value = name
	return r.commit(op)
}

func (r *Replica) RemoveNode(id OpID) (Operation, error) {
	op := r.next(OpStructural)
	op.Action = NodeRemove
	op.Node = &id
	return r.commit(op)
}

// Integrate 应用远端操作
func (r *Replica) Integrate(op Operation) (ApplyResult, error) {
	if op.Timestamp > r.lastTS {
		r.lastTS = op.Timestamp
	}
	return r.engine.Apply(r.doc, op)
}

// Ack 服务端确认 id 已应用；同 client 的操作按序确认
func (r *Replica) Ack(id OpID) {
	if id.Client != r.clientID {
		return
	}
	kept := r.unacked[:0]
	for _, op := range r.unacked {
		if op.ID.Seq > id.Seq {
			kept = append(kept, op)
		}
	}
	r.unacked = kept
}

// ApplySync 处理 sync_response：有快照先整体替换，再补上本地未确认的操作，最后应用增量
func (r *Replica) ApplySync(snap *Snapshot, ops []Operation) error {
	if snap != nil {
		doc, err := LoadDocument(snap, r.maxPending)
		if err != nil {
			return err
		}
		r.doc = doc
		kept := r.unacked[:0]
		for _, op := range r.unacked {
			if doc.Covers(op.ID) {
				continue
			}
			if _, err := r.engine.Apply(doc, op); err != nil {
				return fmt.Errorf("reapply %s: %w", op.ID, err)
			}
			kept = append(kept, op)
		}
		r.unacked = kept
	}
	for _, op := range ops {
		if _, err := r.Integrate(op); err != nil {
			return err
		}
	}
	return nil
}
