package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gobier/internal/server"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and table summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status server.StatusResponse
			if err := getJSON(cmd.Context(), "/status", &status); err != nil {
				return fmt.Errorf("get status: %w", err)
			}

			out, err := formatStatus(&status, outputFormat)
			if err != nil {
				return fmt.Errorf("format status: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
