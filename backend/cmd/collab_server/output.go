package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"
)

type inspectReport struct {
	DocumentID       string            `json:"documentId" yaml:"documentId"`
	Version          uint64            `json:"version" yaml:"version"`
	Checksum         string            `json:"checksum" yaml:"checksum"`
	SnapshotVersion  uint64            `json:"snapshotVersion" yaml:"snapshotVersion"`
	OpsSinceSnapshot int               `json:"opsSinceSnapshot" yaml:"opsSinceSnapshot"`
	StateVector      map[string]uint64 `json:"stateVector" yaml:"stateVector"`
	Nodes            int               `json:"nodes" yaml:"nodes"`
	Text             string            `json:"text" yaml:"text"`
}

type compactReport struct {
	DocumentID      string `json:"documentId" yaml:"documentId"`
	SnapshotVersion uint64 `json:"snapshotVersion" yaml:"snapshotVersion"`
	RemovedOps      int64  `json:"removedOps" yaml:"removedOps"`
}

type replayReport struct {
	DocumentID string `json:"documentId" yaml:"documentId"`
	Replayed   int    `json:"replayed" yaml:"replayed"`
	Remaining  int    `json:"remaining" yaml:"remaining"`
	Version    uint64 `json:"version" yaml:"version"`
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return renderText(w, v)
}

func renderText(w io.Writer, v any) error {
	var err error
	switch r := v.(type) {
	case inspectReport:
		_, err = fmt.Fprintf(w, "document:   %s\nversion:    %d\nchecksum:   %s\nsnapshot:   v%d (+%d ops)\nnodes:      %d\n",
			r.DocumentID, r.Version, r.Checksum, r.SnapshotVersion, r.OpsSinceSnapshot, r.Nodes)
		if err != nil {
			return err
		}
		for _, c := range slices.Sorted(maps.Keys(r.StateVector)) {
			if _, err = fmt.Fprintf(w, "  %s: %d\n", c, r.StateVector[c]); err != nil {
				return err
			}
		}
		_, err = fmt.Fprintf(w, "---\n%s\n", r.Text)
	case compactReport:
		_, err = fmt.Fprintf(w, "%s: snapshot v%d, removed %d ops\n", r.DocumentID, r.SnapshotVersion, r.RemovedOps)
	case replayReport:
		_, err = fmt.Fprintf(w, "%s: replayed %d ops, %d left in queue, version %d\n", r.DocumentID, r.Replayed, r.Remaining, r.Version)
	default:
		_, err = fmt.Fprintf(w, "%+v\n", v)
	}
	return err
}
