package commands

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		_, applied, closeDB, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		closeDB()
		if len(applied) == 0 {
			cmd.Println("schema up to date")
			return nil
		}
		for _, version := range applied {
			cmd.Printf("applied %s\n", version)
		}
		return nil
	},
}
