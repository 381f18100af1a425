package collab

import "collabsync/backend/internal/delta"

// Buffer 可见文本的物化视图，按 CRDT 产生的 diff 增量更新
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

/*
PieceTable 示例

初始 "Hello world"：original = "Hello world"，add 为空

	[ (orig, 0, 11) ]

在位置 5 插入 " big"：add = " big"，一条 piece 拆成三条

	[ (orig, 0, 5), (add, 0, 4), (orig, 5, 6) ]

删除只调整 piece 边界，不移动文本。
*/
