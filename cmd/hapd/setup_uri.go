package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var setupURICmd = &cobra.Command{
	Use:   "setup-uri",
	Short: "Print the X-HM:// setup URI for QR codes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), setupPayload(cfg).URL())
		return nil
	},
}
