package cmd

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zhishengyuan/searchgram-index/config"
	"github.com/zhishengyuan/searchgram-index/indexer"
)

var errResetNotConfirmed = errors.New("reset deletes every message; pass --yes to confirm")

func newResetCmd(configPath *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every message and recreate an empty index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errResetNotConfirmed
			}
			return withIndex(cmd.Context(), *configPath, func(cfg *config.Config, ix *indexer.Indexer) error {
				if err := ix.Reset(cmd.Context()); err != nil {
					return err
				}
				log.WithFields(log.Fields{
					"engine": cfg.Index.Engine,
					"name":   cfg.Index.Name,
				}).Warn("Index reset")
				fmt.Fprintln(cmd.OutOrStdout(), "Index reset.")
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deleting every message")
	return cmd
}
