package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newInspectCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <docId>",
		Short: "Rebuild a document from persistence and print its state",
		Long: `Rebuild a document from its latest snapshot plus the operations
appended after it, then print version, checksum and text.

Examples:
  collab_server inspect doc-1
  collab_server inspect doc-1 --format yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			docID := args[0]
			cfg, err := root.load()
			if err != nil {
				return err
			}
			backend, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			snap, ops, err := backend.LoadLatest(ctx, docID)
			if err != nil {
				return err
			}
			if snap == nil && len(ops) == 0 {
				return fmt.Errorf("no persisted state for document %q", docID)
			}

			// 不经过登记表，只读
			svc := newService(cfg, backend, nil)
			defer svc.Close()
			if err := svc.Open(ctx, docID, ""); err != nil {
				return err
			}
			view, _ := svc.View(docID)
			sum, err := svc.Checksum(ctx, docID)
			if err != nil {
				return err
			}
			report := inspectReport{
				DocumentID:       docID,
				Version:          view.Version,
				Checksum:         strconv.FormatUint(sum, 16),
				OpsSinceSnapshot: len(ops),
				StateVector:      view.StateVector,
				Nodes:            len(view.Nodes),
				Text:             view.Text,
			}
			if snap != nil {
				report.SnapshotVersion = snap.Version
			}
			return render(cmd.OutOrStdout(), root.Format, report)
		},
	}
}
