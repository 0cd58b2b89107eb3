package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local run in progress, if any",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pid, err := ReadPIDFile()
		if errors.Is(err, fs.ErrNotExist) || (err == nil && !IsProcessRunning(pid)) {
			fmt.Fprintln(cmd.ErrOrStderr(), infoStyle.Render("No backfill run in progress"))
			return nil
		}
		if err != nil {
			return err
		}

		info, err := ReadRunInfo()
		if err != nil {
			return fmt.Errorf("run %d is active but its run info is unreadable: %w", pid, err)
		}
		return printJSON(cmd.OutOrStdout(), info)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
