package collab

import (
	"maps"
	"slices"
)

// StateVector 记录每个 clientId 已应用的最大连续序号
type StateVector map[string]uint64

func (sv StateVector) Get(client string) uint64 {
	return sv[client]
}

// Covers 判断 id 对应的操作是否已经包含在向量里
func (sv StateVector) Covers(id OpID) bool {
	return id.Seq != 0 && sv[id.Client] >= id.Seq
}

// Dominates: 对所有 client 都满足 sv[c] >= other[c]
func (sv StateVector) Dominates(other StateVector) bool {
	for c, seq := range other {
		if sv[c] < seq {
			return false
		}
	}
	return true
}

func (sv StateVector) Merge(other StateVector) {
	for c, seq := range other {
		if seq > sv[c] {
			sv[c] = seq
		}
	}
}

func (sv StateVector) Clone() StateVector {
	if sv == nil {
		return StateVector{}
	}
	return maps.Clone(sv)
}

// Total 所有 client 的序号之和，即已应用的操作数
func (sv StateVector) Total() uint64 {
	var n uint64
	for _, seq := range sv {
		n += seq
	}
	return n
}

func (sv StateVector) clients() []string {
	return slices.Sorted(maps.Keys(sv))
}
