package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhishengyuan/searchgram-index/config"
	"github.com/zhishengyuan/searchgram-index/indexer"
)

func newSampleCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Print one message chosen uniformly at random",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIndex(cmd.Context(), *configPath, func(_ *config.Config, ix *indexer.Indexer) error {
				msg, err := ix.SampleOne(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), msg)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s  chat %d  %s\n", msg.PostTime.Format("2006-01-02 15:04"), msg.ChatID, msg.URL)
				fmt.Fprintln(out, msg.Content)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
