package collab

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"

	"collabsync/backend/internal/delta"
)

// Snapshot 文档的完整 CRDT 状态（含墓碑和备选值），不含因果缓冲区
type Snapshot struct {
	DocumentID  string          `json:"documentId"`
	Version     uint64          `json:"version"`
	StateVector StateVector     `json:"stateVector"`
	Checksum    uint64          `json:"checksum"`
	State       json.RawMessage `json:"state"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type snapItem struct {
	ID      ItemID                `json:"id"`
	TS      int64                 `json:"ts"`
	Origin  *ItemID               `json:"origin,omitempty"`
	R       string                `json:"r"`
	Deleted bool                  `json:"del,omitempty"`
	Attrs   map[string][]regEntry `json:"attrs,omitempty"`
}

type snapNode struct {
	ID      OpID       `json:"id"`
	Parent  *OpID      `json:"parent,omitempty"`
	Entries []regEntry `json:"entries"`
}

type snapState struct {
	Items []snapItem `json:"items"`
	Nodes []snapNode `json:"nodes,omitempty"`
	MaxTS int64      `json:"maxTs"`
}

func (d *Document) Snapshot(now time.Time) (*Snapshot, error) {
	st := snapState{Items: make([]snapItem, 0, len(d.items)), MaxTS: d.maxTS}
	for _, it := range d.items {
		si := snapItem{ID: it.id, TS: it.ts, Origin: it.origin, R: string(it.r), Deleted: it.deleted}
		if len(it.attrs) > 0 {
			si.Attrs = make(map[string][]regEntry, len(it.attrs))
			for k, reg := range it.attrs {
				si.Attrs[k] = slices.Clone(reg.entries)
			}
		}
		st.Items = append(st.Items, si)
	}
	for _, n := range d.sortedNodes() {
		st.Nodes = append(st.Nodes, snapNode{ID: n.id, Parent: n.parent, Entries: slices.Clone(n.state.entries)})
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return &Snapshot{
		DocumentID:  d.id,
		Version:     d.version,
		StateVector: d.sv.Clone(),
		Checksum:    d.Checksum(),
		State:       raw,
		CreatedAt:   now,
	}, nil
}

// LoadDocument 从快照重建文档，校验和不一致时返回 CorruptionError
func LoadDocument(snap *Snapshot, maxPending int) (*Document, error) {
	d := NewDocument(snap.DocumentID, maxPending)
	var st snapState
	if err := json.Unmarshal(snap.State, &st); err != nil {
		return nil, &CorruptionError{DocumentID: snap.DocumentID, Reason: fmt.Sprintf("decode snapshot: %v", err)}
	}
	var text delta.Delta
	d.items = make([]*item, 0, len(st.Items))
	for _, si := range st.Items {
		r := []rune(si.R)
		if len(r) != 1 {
			return nil, &CorruptionError{DocumentID: snap.DocumentID, Reason: "snapshot item is not a single rune"}
		}
		it := &item{id: si.ID, ts: si.TS, origin: si.Origin, r: r[0], deleted: si.Deleted}
		for k, entries := range si.Attrs {
			if it.attrs == nil {
				it.attrs = make(map[string]*register, len(si.Attrs))
			}
			it.attrs[k] = &register{entries: entries}
		}
		d.items = append(d.items, it)
		d.index[it.id] = it
		if !it.deleted {
			d.visible++
			text = text.Insert(si.R)
		}
	}
	for _, sn := range st.Nodes {
		d.nodes[sn.ID] = &node{id: sn.ID, parent: sn.Parent, state: &register{entries: sn.Entries}}
	}
	d.sv = snap.StateVector.Clone()
	d.version = snap.Version
	d.maxTS = st.MaxTS
	if err := d.view.Apply(text); err != nil {
		return nil, &CorruptionError{DocumentID: snap.DocumentID, Reason: err.Error()}
	}
	if sum := d.Checksum(); sum != snap.Checksum {
		return nil, &CorruptionError{DocumentID: snap.DocumentID,
			Reason: fmt.Sprintf("checksum mismatch: stored %x, computed %x", snap.Checksum, sum)}
	}
	return d, nil
}

func (d *Document) sortedNodes() []*node {
	out := slices.Collect(maps.Values(d.nodes))
	slices.SortFunc(out, func(a, b *node) int { return compareOpID(a.id, b.id) })
	return out
}

// Checksum xxhash64，覆盖字符序列、墓碑、样式、节点和 state vector，不含 version
func (d *Document) Checksum() uint64 {
	h := xxhash.New()
	var buf [8]byte
	putUint := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}
	putString := func(s string) {
		putUint(uint64(len(s)))
		_, _ = h.WriteString(s)
	}
	putEntries := func(entries []regEntry) {
		putUint(uint64(len(entries)))
		for _, e := range entries {
			putString(e.ID.Client)
			putUint(e.ID.Seq)
			putUint(uint64(e.Timestamp))
			putString(e.Value)
			if e.Removed {
				putUint(1)
			} else {
				putUint(0)
			}
		}
	}

	putUint(uint64(len(d.items)))
	for _, it := range d.items {
		putString(it.id.Client)
		putUint(it.id.Seq)
		putUint(uint64(it.id.Offset))
		putUint(uint64(it.r))
		if it.deleted {
			putUint(1)
		} else {
			putUint(0)
		}
		keys := slices.Sorted(maps.Keys(it.attrs))
		putUint(uint64(len(keys)))
		for _, k := range keys {
			putString(k)
			putEntries(it.attrs[k].entries)
		}
	}
	nodes := d.sortedNodes()
	putUint(uint64(len(nodes)))
	for _, n := range nodes {
		putString(n.id.Client)
		putUint(n.id.Seq)
		putEntries(n.state.entries)
	}
	for _, c := range d.sv.clients() {
		putString(c)
		putUint(d.sv[c])
	}
	return h.Sum64()
}
