package commands

import (
	"time"

	"github.com/spf13/cobra"
)

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "Manage direct-to-storage uploads",
}

var uploadsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired pending uploads and their objects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		count, err := rt.service.SweepExpiredUploads(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		cmd.Printf("swept %d expired uploads\n", count)
		return nil
	},
}

func init() {
	uploadsCmd.AddCommand(uploadsSweepCmd)
}
