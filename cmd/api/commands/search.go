package commands

import (
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search index maintenance",
}

var searchReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the Meilisearch indexes from Postgres",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		tasks, cards, err := rt.search.Reindex(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("reindexed %d tasks and %d cards\n", tasks, cards)
		return nil
	},
}

func init() {
	searchCmd.AddCommand(searchReindexCmd)
}
