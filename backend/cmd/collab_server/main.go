package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"collabsync/backend/config"
)

type rootOptions struct {
	ConfigFile string
	Format     string // text / json / yaml
	Verbose    bool
}

var validFormats = []string{"text", "json", "yaml"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "collab_server",
		Short: "Real-time collaborative document sync server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (default: collabConfig.yaml in ./backend/config, ./config or .)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))
	cmd.AddCommand(newCompactCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.ConfigFile)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatalf("collab_server: %v", err)
	}
}
