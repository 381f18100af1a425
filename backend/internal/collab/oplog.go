package collab

// opLog 最近应用的操作（按应用顺序，满了丢最旧的），用于增量同步。
// truncated 记录已经不在环里的操作上界：客户端向量不覆盖它时只能发快照。
type opLog struct {
	ops       []Operation
	capacity  int
	truncated StateVector
}

func newOpLog(capacity int, base StateVector) *opLog {
	if capacity <= 0 {
		capacity = 1024
	}
	return &opLog{ops: make([]Operation, 0, capacity), capacity: capacity, truncated: base.Clone()}
}

func (l *opLog) append(op Operation) {
	if len(l.ops) == l.capacity {
		old := l.ops[0]
		if old.ID.Seq > l.truncated[old.ID.Client] {
			l.truncated[old.ID.Client] = old.ID.Seq
		}
		copy(l.ops, l.ops[1:])
		l.ops = l.ops[:len(l.ops)-1]
	}
	l.ops = append(l.ops, op)
}

// since 返回 sv 未包含的操作；ok=false 表示环里的数据不足以补齐
func (l *opLog) since(sv StateVector) (ops []Operation, ok bool) {
	if !sv.Dominates(l.truncated) {
		return nil, false
	}
	for _, op := range l.ops {
		if !sv.Covers(op.ID) {
			ops = append(ops, op)
		}
	}
	return ops, true
}

func (l *opLog) all() []Operation {
	return append([]Operation(nil), l.ops...)
}
