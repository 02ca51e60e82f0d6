package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhishengyuan/searchgram-index/config"
	"github.com/zhishengyuan/searchgram-index/indexer"
	"github.com/zhishengyuan/searchgram-index/models"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	chats   []int64
	pageLen int
	page    int
	json    bool
}

func newSearchCmd(configPath *string) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index",
		Long: `Search the index with the boolean query language.

Words must all match, "quoted phrases" match in order, OR joins
alternatives, a leading - or NOT excludes, and parentheses group.

Examples:
  searchgram-index search hello world
  searchgram-index search '"release notes" OR changelog' --chat -1001
  searchgram-index search 'deploy -staging' --page-len 20 --page 2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queryText := strings.Join(args, " ")
			return withIndex(cmd.Context(), *configPath, func(_ *config.Config, ix *indexer.Indexer) error {
				result, err := ix.Search(cmd.Context(), queryText, opts.chats, opts.pageLen, opts.page)
				if err != nil {
					return err
				}
				if opts.json {
					return writeJSON(cmd.OutOrStdout(), result)
				}
				printResult(cmd.OutOrStdout(), result, opts.page)
				return nil
			})
		},
	}

	cmd.Flags().Int64SliceVar(&opts.chats, "chat", nil, "Restrict hits to these chat ids (repeatable)")
	cmd.Flags().IntVarP(&opts.pageLen, "page-len", "n", 10, "Results per page")
	cmd.Flags().IntVarP(&opts.page, "page", "p", 1, "Page number (1-based)")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Output as JSON")

	return cmd
}

func printResult(w io.Writer, result *models.SearchResult, page int) {
	if result.TotalResults == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}

	fmt.Fprintf(w, "%d results, page %d\n\n", result.TotalResults, page)
	for _, hit := range result.Hits {
		fmt.Fprintf(w, "%s  chat %d  %s\n", hit.Msg.PostTime.Format("2006-01-02 15:04"), hit.Msg.ChatID, hit.Msg.URL)
		fmt.Fprintf(w, "  %s\n\n", hit.Highlighted)
	}
	if !result.IsLastPage {
		fmt.Fprintf(w, "More results: --page %d\n", page+1)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
