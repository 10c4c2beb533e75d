package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gobier/internal/server"
)

func biftCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bift",
		Short: "Dump the installed forwarding tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp server.BIFTResponse
			if err := getJSON(cmd.Context(), "/bift", &resp); err != nil {
				return fmt.Errorf("get bift: %w", err)
			}

			out, err := formatBIFTs(&resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format bift: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
