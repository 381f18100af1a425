package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCompactCommand(root *rootOptions) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "compact <docId>",
		Short: "Write a fresh snapshot and drop the operations it covers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			docID := args[0]
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("keep") {
				keep = cfg.Persistence.RetainOps
			}
			backend, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			svc := newService(cfg, backend, nil)
			defer svc.Close()
			if err := svc.Open(ctx, docID, ""); err != nil {
				return err
			}
			snap, err := svc.Snapshot(ctx, docID)
			if err != nil {
				return err
			}
			if snap.Version == 0 {
				return fmt.Errorf("no persisted state for document %q", docID)
			}
			if err := backend.PersistSnapshot(ctx, snap); err != nil {
				return err
			}
			removed, err := backend.Compact(ctx, docID, keep)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), root.Format, compactReport{
				DocumentID:      docID,
				SnapshotVersion: snap.Version,
				RemovedOps:      removed,
			})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "operations to keep before the snapshot (default: persistence.retainOps)")
	return cmd
}
