package collab

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"collabsync/backend/internal/delta"
)

const defaultMaxPending = 1024

// item 序列中的一个字符，删除只打墓碑
type item struct {
	id      ItemID
	ts      int64
	origin  *ItemID // nil 表示文档开头
	r       rune
	deleted bool
	attrs   map[string]*register
}

// compareKey 按 (ts, client, seq, offset) 比较，兄弟节点按 key 从大到小排列
func compareKey(a, b *item) int {
	switch {
	case a.ts != b.ts:
		return cmpInt(a.ts, b.ts)
	case a.id.Client != b.id.Client:
		return strings.Compare(a.id.Client, b.id.Client)
	case a.id.Seq != b.id.Seq:
		return cmpInt(a.id.Seq, b.id.Seq)
	}
	return cmpInt(a.id.Offset, b.id.Offset)
}

func cmpInt[T int | int64 | uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func sameOrigin(a, b *ItemID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type node struct {
	id     OpID
	parent *OpID
	state  *register
}

type NodeView struct {
	ID           OpID     `json:"id"`
	Parent       *OpID    `json:"parent,omitempty"`
	Name         string   `json:"name"`
	Removed      bool     `json:"removed,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
}

func (n *node) view() NodeView {
	v := NodeView{ID: n.id, Parent: n.parent}
	if w, ok := n.state.winner(); ok {
		v.Name = w.Value
		v.Removed = w.Removed
	}
	for _, alt := range n.state.alternatives() {
		if !alt.Removed {
			v.Alternatives = append(v.Alternatives, alt.Value)
		}
	}
	return v
}

// Document 单个文档的复制状态：字符序列、节点树、state vector 和因果缓冲区。
// 不是并发安全的，由所属 shard 串行访问；写入只能经过 Engine。
type Document struct {
	id      string
	items   []*item
	index   map[ItemID]*item
	nodes   map[OpID]*node
	sv      StateVector
	version uint64
	maxTS   int64
	visible int

	pending    []Operation
	maxPending int

	// 可见文本的物化视图
	view   Buffer
	logger *slog.Logger
}

func NewDocument(id string, maxPending int) *Document {
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	return &Document{
		id:         id,
		index:      make(map[ItemID]*item),
		nodes:      make(map[OpID]*node),
		sv:         StateVector{},
		maxPending: maxPending,
		view:       NewPieceTable(""),
		logger:     slog.Default().With("component", "document", "doc", id),
	}
}

func (d *Document) ID() string { return d.id }
func (d *Document) Version() uint64 { return d.version }
func (d *Document) StateVector() StateVector { return d.sv.Clone() }
func (d *Document) Text() string { return d.view.String() }
func (d *Document) Len() int { return d.visible }
func (d *Document) MaxTimestamp() int64 { return d.maxTS }
func (d *Document) PendingLen() int { return len(d.pending) }
func (d *Document) Covers(id OpID) bool { return d.sv.Covers(id) }

func (d *Document) Nodes() []NodeView {
	out := make([]NodeView, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n.view())
	}
	slices.SortFunc(out, func(a, b NodeView) int { return compareOpID(a.ID, b.ID) })
	return out
}

// Attributes 返回可见位置 pos 上字符的样式（只含胜出值）
func (d *Document) Attributes(pos int) map[string]string {
	it := d.visibleAt(pos)
	if it == nil {
		return nil
	}
	out := make(map[string]string, len(it.attrs))
	for k, reg := range it.attrs {
		if w, ok := reg.winner(); ok && w.Value != "" {
			out[k] = w.Value
		}
	}
	return out
}

func compareOpID(a, b OpID) int {
	if c := strings.Compare(a.Client, b.Client); c != 0 {
		return c
	}
	return cmpInt(a.Seq, b.Seq)
}

func (d *Document) visibleAt(pos int) *item {
	if pos < 0 {
		return nil
	}
	n := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if n == pos {
			return it
		}
		n++
	}
	return nil
}

func (d *Document) indexOf(target *item) int {
	for i, it := range d.items {
		if it == target {
			return i
		}
	}
	return -1
}

func (d *Document) visibleBefore(idx int) int {
	n := 0
	for _, it := range d.items[:idx] {
		if !it.deleted {
			n++
		}
	}
	return n
}

// ready: 同 client 的上一条已应用，且依赖全部满足
func (d *Document) ready(op Operation) bool {
	return d.sv[op.ID.Client] == op.ID.Seq-1 && d.sv.Dominates(op.Deps)
}

// integrate 应用一条操作；未就绪的放入缓冲区，应用后尝试排空缓冲区
func (d *Document) integrate(op Operation, now time.Time) (ApplyResult, error) {
	var res ApplyResult
	if d.sv.Covers(op.ID) {
		res.Duplicate = true
		return res, nil
	}
	if !d.ready(op) {
		d.buffer(op)
		res.Buffered = true
		return res, nil
	}
	a, err := d.applyOne(op, now)
	if err != nil {
		return res, err
	}
	res.Applied = append(res.Applied, a)
	if err := d.drain(&res, now); err != nil {
		return res, err
	}
	return res, nil
}

func (d *Document) buffer(op Operation) {
	for _, p := range d.pending {
		if p.ID == op.ID {
			return
		}
	}
	if len(d.pending) >= d.maxPending {
		evicted := d.pending[0]
		d.pending = d.pending[1:]
		d.logger.Warn("pending buffer full, evicting oldest op",
			"evicted", evicted.ID.String(), "pending", len(d.pending))
	}
	d.pending = append(d.pending, op)
}

func (d *Document) drain(res *ApplyResult, now time.Time) error {
	for progress := true; progress; {
		progress = false
		for i := 0; i < len(d.pending); i++ {
			p := d.pending[i]
			if d.sv.Covers(p.ID) {
				d.pending = slices.Delete(d.pending, i, i+1)
				i--
				continue
			}
			if !d.ready(p) {
				continue
			}
			d.pending = slices.Delete(d.pending, i, i+1)
			a, err := d.applyOne(p, now)
			if err != nil {
				if IsCorruption(err) {
					return err
				}
				res.Rejected = append(res.Rejected, Rejected{Op: p, Err: err})
			} else {
				res.Applied = append(res.Applied, a)
			}
			progress = true
			break
		}
	}
	return nil
}

// applyOne 先做引用检查，检查通过后才修改状态
func (d *Document) applyOne(op Operation, now time.Time) (Applied, error) {
	var (
		diff      delta.Delta
		nodes     []NodeView
		conflicts []Conflict
		err       error
	)
	switch op.Kind {
	case OpInsert:
		diff, conflicts, err = d.applyInsert(op)
	case OpDelete:
		diff, err = d.applyDelete(op)
	case OpFormat:
		diff, conflicts, err = d.applyFormat(op)
	case OpStructural:
		nodes, conflicts, err = d.applyStructural(op)
	default:
		err = invalid(op.ID, "unknown kind %q", op.Kind)
	}
	if err != nil {
		return Applied{}, err
	}

	d.sv[op.ID.Client] = op.ID.Seq
	d.version++
	if op.Timestamp > d.maxTS {
		d.maxTS = op.Timestamp
	}
	if diff.ChangesText() {
		if err := d.view.Apply(diff); err != nil {
			return Applied{}, &CorruptionError{DocumentID: d.id, Reason: fmt.Sprintf("view apply: %v", err)}
		}
	}
	if d.view.Len() != d.visible {
		return Applied{}, &CorruptionError{DocumentID: d.id,
			Reason: fmt.Sprintf("view length %d != visible items %d", d.view.Len(), d.visible)}
	}
	return Applied{
		Op:        op,
		Version:   d.version,
		Diff:      diff,
		Nodes:     nodes,
		Conflicts: conflicts,
		AppliedAt: now,
	}, nil
}

func (d *Document) applyInsert(op Operation) (delta.Delta, []Conflict, error) {
	runes := []rune(op.Text)
	first := &item{
		id:     ItemID{Client: op.ID.Client, Seq: op.ID.Seq},
		ts:     op.Timestamp,
		origin: op.Origin,
		r:      runes[0],
	}

	start := 0
	if op.Origin != nil {
		o := d.index[*op.Origin]
		if o == nil {
			return nil, nil, invalid(op.ID, "unknown origin %s/%d", op.Origin.Client, op.Origin.Offset)
		}
		if compareKey(first, o) <= 0 {
			return nil, nil, invalid(op.ID, "timestamp not after origin")
		}
		start = d.indexOf(o) + 1
	}

	// 跳过 key 更大的兄弟（以及它们的子孙，子孙的 key 一定更大）
	i := start
	var rival *item
	for i < len(d.items) && compareKey(d.items[i], first) > 0 {
		if rival == nil && d.concurrentSibling(d.items[i], op) {
			rival = d.items[i]
		}
		i++
	}
	if rival == nil && i < len(d.items) && d.concurrentSibling(d.items[i], op) {
		rival = d.items[i]
	}

	block := make([]*item, len(runes))
	for k, r := range runes {
		it := &item{
			id: ItemID{Client: op.ID.Client, Seq: op.ID.Seq, Offset: k},
			ts: op.Timestamp,
			r:  r,
		}
		if k == 0 {
			it.origin = op.Origin
		} else {
			prev := block[k-1].id
			it.origin = &prev
		}
		block[k] = it
	}

	pos := d.visibleBefore(i)
	d.items = slices.Insert(d.items, i, block...)
	for _, it := range block {
		d.index[it.id] = it
	}
	d.visible += len(block)

	var conflicts []Conflict
	if rival != nil {
		mine := ConflictSide{Op: op.ID, Timestamp: op.Timestamp, Value: op.Text}
		theirs := ConflictSide{Op: rival.id.op(), Timestamp: rival.ts, Value: string(rival.r)}
		c := Conflict{Kind: ConflictConcurrentInsert, DocumentID: d.id, Target: originTarget(op.Origin)}
		if compareKey(rival, first) > 0 {
			c.Winner, c.Loser = theirs, mine
		} else {
			c.Winner, c.Loser = mine, theirs
		}
		conflicts = append(conflicts, c)
	}

	var diff delta.Delta
	diff = diff.Retain(pos, nil).Insert(op.Text)
	return diff, conflicts, nil
}

func (d *Document) concurrentSibling(it *item, op Operation) bool {
	return sameOrigin(it.origin, op.Origin) && it.id.Client != op.ID.Client && !op.Deps.Covers(it.id.op())
}

func originTarget(origin *ItemID) string {
	if origin == nil {
		return "head"
	}
	return fmt.Sprintf("after %s:%d/%d", origin.Client, origin.Seq, origin.Offset)
}

func (d *Document) resolveSpans(op Operation) (map[*item]struct{}, error) {
	targets := make(map[*item]struct{})
	for _, s := range op.Spans {
		for k := 0; k < s.Len; k++ {
			it := d.index[ItemID{Client: s.Client, Seq: s.Seq, Offset: s.Offset + k}]
			if it == nil {
				return nil, invalid(op.ID, "unknown item %s:%d/%d", s.Client, s.Seq, s.Offset+k)
			}
			targets[it] = struct{}{}
		}
	}
	return targets, nil
}

func (d *Document) applyDelete(op Operation) (delta.Delta, error) {
	targets, err := d.resolveSpans(op)
	if err != nil {
		return nil, err
	}
	var diff delta.Delta
	pos, cursor := 0, 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if _, ok := targets[it]; ok {
			diff = diff.Retain(pos-cursor, nil).Delete(1)
			cursor = pos + 1
			it.deleted = true
			d.visible--
		}
		pos++
	}
	return diff, nil
}

func (d *Document) applyFormat(op Operation) (delta.Delta, []Conflict, error) {
	targets, err := d.resolveSpans(op)
	if err != nil {
		return nil, nil, err
	}
	entry := regEntry{ID: op.ID, Timestamp: op.Timestamp, Value: op.Value}

	var (
		diff      delta.Delta
		conflicts []Conflict
		seen      = make(map[OpID]bool)
	)
	pos, cursor := 0, 0
	for _, it := range d.items {
		if _, ok := targets[it]; ok {
			if it.attrs == nil {
				it.attrs = make(map[string]*register)
			}
			reg := it.attrs[op.Key]
			if reg == nil {
				reg = &register{}
				it.attrs[op.Key] = reg
			}
			before, _ := reg.winner()
			for _, other := range reg.write(entry, op.Deps) {
				if seen[other.ID] {
					continue
				}
				seen[other.ID] = true
				conflicts = append(conflicts, d.registerConflict(ConflictConcurrentFormat,
					fmt.Sprintf("%s:%d/%d#%s", it.id.Client, it.id.Seq, it.id.Offset, op.Key), entry, other))
			}
			after, _ := reg.winner()
			if !it.deleted && before.Value != after.Value {
				var v any = after.Value
				if after.Value == "" {
					v = nil
				}
				diff = diff.Retain(pos-cursor, nil).Retain(1, map[string]any{op.Key: v})
				cursor = pos + 1
			}
		}
		if !it.deleted {
			pos++
		}
	}
	return diff.Trim(), conflicts, nil
}

func (d *Document) registerConflict(kind ConflictKind, target string, mine, other regEntry) Conflict {
	c := Conflict{Kind: kind, DocumentID: d.id, Target: target}
	if mine.beats(other) {
		c.Winner, c.Loser = sideOf(mine), sideOf(other)
	} else {
		c.Winner, c.Loser = sideOf(other), sideOf(mine)
	}
	return c
}

func (d *Document) applyStructural(op Operation) ([]NodeView, []Conflict, error) {
	entry := regEntry{ID: op.ID, Timestamp: op.Timestamp, Value: op.Value}
	switch op.Action {
	case NodeCreate:
		if op.Parent != nil && d.nodes[*op.Parent] == nil {
			return nil, nil, invalid(op.ID, "unknown parent node %s", op.Parent)
		}
		n := &node{id: op.ID, parent: op.Parent, state: &register{}}
		n.state.write(entry, op.Deps)
		d.nodes[op.ID] = n
		return []NodeView{n.view()}, nil, nil

	case NodeRename, NodeRemove:
		n := d.nodes[*op.Node]
		if n == nil {
			return nil, nil, invalid(op.ID, "unknown node %s", op.Node)
		}
		entry.Removed = op.Action == NodeRemove
		var conflicts []Conflict
		for _, other := range n.state.write(entry, op.Deps) {
			kind := ConflictConcurrentRename
			if entry.Removed || other.Removed {
				kind = ConflictRemoveRename
			}
			conflicts = append(conflicts, d.registerConflict(kind, "node "+n.id.String(), entry, other))
		}
		return []NodeView{n.view()}, conflicts, nil
	}
	return nil, nil, invalid(op.ID, "unknown node action %q", op.Action)
}

// spansFor 把可见区间 [pos, pos+n) 转成按 insert 分组的 Span
func (d *Document) spansFor(pos, n int) ([]Span, error) {
	if pos < 0 || n <= 0 || pos+n > d.visible {
		return nil, fmt.Errorf("range [%d,%d) out of bounds (len=%d)", pos, pos+n, d.visible)
	}
	var spans []Span
	vis := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if vis >= pos && vis < pos+n {
			if last := len(spans) - 1; last >= 0 &&
				spans[last].Client == it.id.Client && spans[last].Seq == it.id.Seq &&
				spans[last].Offset+spans[last].Len == it.id.Offset {
				spans[last].Len++
			} else {
				spans = append(spans, Span{Client: it.id.Client, Seq: it.id.Seq, Offset: it.id.Offset, Len: 1})
			}
		}
		vis++
		if vis >= pos+n {
			break
		}
	}
	return spans, nil
}

// validText: 非空且是合法 UTF-8
func validText(s string) bool {
	return s != "" && utf8.ValidString(s)
}
