package collab

import "slices"

// regEntry 多值寄存器里的一次写入
type regEntry struct {
	ID        OpID   `json:"id"`
	Timestamp int64  `json:"ts"`
	Value     string `json:"value,omitempty"`
	Removed   bool   `json:"removed,omitempty"`
}

// beats: (timestamp, clientId) 字典序大者胜，seq 只用来保证全序
func (e regEntry) beats(o regEntry) bool {
	if e.Timestamp != o.Timestamp {
		return e.Timestamp > o.Timestamp
	}
	if e.ID.Client != o.ID.Client {
		return e.ID.Client > o.ID.Client
	}
	return e.ID.Seq > o.ID.Seq
}

// register 多值寄存器：新写入覆盖其因果依赖里的旧值，并发写入并存，
// 胜者由 beats 决定，其余作为墓碑化的备选值保留
type register struct {
	entries []regEntry // 胜者在前
}

// write 返回与 e 并发、仍然存活的旧写入
func (r *register) write(e regEntry, deps StateVector) []regEntry {
	for _, old := range r.entries {
		if old.ID == e.ID {
			// 重复写入
			return nil
		}
	}
	var concurrent []regEntry
	kept := r.entries[:0]
	for _, old := range r.entries {
		if deps.Covers(old.ID) {
			continue
		}
		kept = append(kept, old)
		concurrent = append(concurrent, old)
	}
	r.entries = append(kept, e)
	slices.SortFunc(r.entries, func(a, b regEntry) int {
		switch {
		case a.beats(b):
			return -1
		case b.beats(a):
			return 1
		}
		return 0
	})
	return concurrent
}

func (r *register) winner() (regEntry, bool) {
	if len(r.entries) == 0 {
		return regEntry{}, false
	}
	return r.entries[0], true
}

func (r *register) alternatives() []regEntry {
	if len(r.entries) < 2 {
		return nil
	}
	return r.entries[1:]
}

func (r *register) clone() *register {
	return &register{entries: slices.Clone(r.entries)}
}
