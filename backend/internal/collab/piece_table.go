package collab

import (
	"fmt"
	"strings"

	"collabsync/backend/internal/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.slice(p)))
	}
	return sb.String()
}

func (pt *PieceTable) slice(p piece) []rune {
	if p.buf == bufAdd {
		return pt.add[p.offset : p.offset+p.length]
	}
	return pt.original[p.offset : p.offset+p.length]
}

// Apply 依次执行 retain/insert/delete；越界说明视图和 CRDT 状态已经不一致
func (pt *PieceTable) Apply(d delta.Delta) error {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			if pos+op.Count > pt.length {
				return fmt.Errorf("retain %d at %d past end %d", op.Count, pos, pt.length)
			}
			pos += op.Count

		case delta.KindInsert:
			runes := []rune(op.Text)
			pt.insert(pos, runes)
			pos += len(runes)

		case delta.KindDelete:
			if pos+op.Count > pt.length {
				return fmt.Errorf("delete %d at %d past end %d", op.Count, pos, pt.length)
			}
			pt.delete(pos, op.Count)

		default:
			return fmt.Errorf("unknown delta kind %q", op.Kind)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, runes []rune) {
	if len(runes) == 0 {
		return
	}
	start := len(pt.add)
	pt.add = append(pt.add, runes...)
	np := piece{buf: bufAdd, offset: start, length: len(runes)}
	pt.length += len(runes)

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return
	}
	cur := pt.pieces[idx]
	repl := make([]piece, 0, 3)
	if offset > 0 {
		repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: offset})
	}
	repl = append(repl, np)
	repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset})
	pt.splice(idx, repl)
}

func (pt *PieceTable) delete(pos, count int) {
	pt.length -= count
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := min(remain, cur.length-offset)

		// 删掉 cur 中 [offset, offset+take)，留下左右两段
		repl := make([]piece, 0, 2)
		if offset > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: offset})
		}
		if right := cur.length - offset - take; right > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset + take, length: right})
		}
		pt.splice(idx, repl)
		// 有右段说明已经删完；只留左段时下一片在 idx+1
		if offset > 0 {
			idx++
		}
		offset = 0
		remain -= take
	}
}

// splice 用 repl 替换 pieces[idx]
func (pt *PieceTable) splice(idx int, repl []piece) {
	out := make([]piece, 0, len(pt.pieces)+len(repl))
	out = append(out, pt.pieces[:idx]...)
	out = append(out, repl...)
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
}

// locate 根据逻辑位置 pos 找到 piece 下标和片内偏移
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
