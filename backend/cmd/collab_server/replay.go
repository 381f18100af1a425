package main

import (
	"context"

	"github.com/spf13/cobra"

	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/offline"
)

func newReplayCommand(root *rootOptions) *cobra.Command {
	var (
		queuePath string
		owner     string
	)
	cmd := &cobra.Command{
		Use:   "replay <docId>",
		Short: "Apply operations captured in an offline queue file",
		Long: `Drain an offline queue (bbolt file written by a disconnected client)
into a document, in the order the operations were recorded, and persist
the result.

Examples:
  collab_server replay doc-1 --queue ./alice-offline.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			docID := args[0]
			cfg, err := root.load()
			if err != nil {
				return err
			}
			q, err := offline.Open(queuePath, offline.Options{MaxRetry: 3})
			if err != nil {
				return err
			}
			defer q.Close()

			backend, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()
			registry, err := openRegistry(ctx, cfg, backend)
			if err != nil {
				return err
			}
			svc := newService(cfg, backend, registry)
			defer svc.Close()
			persister := newPersister(cfg, backend, svc)
			if err := svc.Open(ctx, docID, owner); err != nil {
				return err
			}

			n, drainErr := q.Drain(ctx, offline.SinkFunc(func(ctx context.Context, op collab.Operation) error {
				if op.DocumentID != docID {
					return &collab.ValidationError{Op: op.ID, Reason: "operation targets another document"}
				}
				_, err := svc.Submit(ctx, op)
				return err
			}))
			// 已经应用的部分先落盘
			if err := persister.Flush(ctx); err != nil {
				return err
			}
			if drainErr != nil {
				return drainErr
			}
			view, _ := svc.View(docID)
			return render(cmd.OutOrStdout(), root.Format, replayReport{
				DocumentID: docID,
				Replayed:   n,
				Remaining:  q.Len(),
				Version:    view.Version,
			})
		},
	}
	cmd.Flags().StringVar(&queuePath, "queue", "", "offline queue file")
	cmd.Flags().StringVar(&owner, "owner", "", "owner recorded when the document does not exist yet")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}
