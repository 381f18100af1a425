package delta

import "maps"

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Op 作用于可见文本（按 rune 计数）
type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // retain 上携带的样式变更（粗体/颜色等）
}

// Delta 描述一次变更：[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

func (d Delta) Retain(n int, attrs map[string]any) Delta {
	if n <= 0 {
		return d
	}
	if len(attrs) == 0 {
		if last := len(d) - 1; last >= 0 && d[last].Kind == KindRetain && len(d[last].Attrs) == 0 {
			d[last].Count += n
			return d
		}
		return append(d, Op{Kind: KindRetain, Count: n})
	}
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindRetain && maps.Equal(d[last].Attrs, attrs) {
		d[last].Count += n
		return d
	}
	return append(d, Op{Kind: KindRetain, Count: n, Attrs: maps.Clone(attrs)})
}

func (d Delta) Insert(text string) Delta {
	if text == "" {
		return d
	}
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindInsert {
		d[last].Text += text
		return d
	}
	return append(d, Op{Kind: KindInsert, Text: text})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindDelete {
		d[last].Count += n
		return d
	}
	return append(d, Op{Kind: KindDelete, Count: n})
}

// Trim 去掉末尾不带样式的 retain
func (d Delta) Trim() Delta {
	for len(d) > 0 {
		last := d[len(d)-1]
		if last.Kind != KindRetain || len(last.Attrs) != 0 {
			break
		}
		d = d[:len(d)-1]
	}
	return d
}

// ChangesText 是否包含插入或删除
func (d Delta) ChangesText() bool {
	for _, op := range d {
		if op.Kind != KindRetain {
			return true
		}
	}
	return false
}
