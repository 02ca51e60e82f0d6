// Package cmd provides the CLI commands for the searchgram index.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zhishengyuan/searchgram-index/config"
	"github.com/zhishengyuan/searchgram-index/indexer"
)

// Version is set at build time
var Version = "dev"

// NewRootCmd creates the root command for the searchgram-index CLI.
func NewRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "searchgram-index",
		Short: "Full-text index for archived chat messages",
		Long: `searchgram-index stores chat messages in a local or remote full-text
index and answers boolean keyword queries over them.

Run 'searchgram-index serve' to expose the HTTP API, or use the
search, sample, stats and reset commands against the index directly.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("searchgram-index version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.Path(), "Configuration file (yaml or json)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newSearchCmd(&configPath))
	cmd.AddCommand(newSampleCmd(&configPath))
	cmd.AddCommand(newStatsCmd(&configPath))
	cmd.AddCommand(newResetCmd(&configPath))
	cmd.AddCommand(newTokenCmd(&configPath))

	return cmd
}

// Execute runs the root command until it returns or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// withIndex loads the configuration, opens the index and runs fn against it.
// The index is closed when fn returns.
func withIndex(ctx context.Context, configPath string, fn func(*config.Config, *indexer.Indexer) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ix, err := indexer.Open(ctx, cfg.IndexerOptions())
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer func() {
		if err := ix.Close(); err != nil {
			log.WithError(err).Warn("Failed to close index")
		}
	}()

	return fn(cfg, ix)
}
