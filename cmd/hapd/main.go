// Command hapd runs a HomeKit ceiling fan with a light over HAP/IP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hapd",
	Short: "HomeKit accessory server",
	Long: `hapd exposes a ceiling fan and its light to HomeKit controllers.

Pairings and the accessory identity are kept in store_dir, so the
accessory stays paired across restarts.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// glog logs a warning until the go flag set is marked parsed.
		flag.CommandLine.Parse(nil)
	},
}

func main() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "hapd.yaml", "Path of the YAML configuration")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(setupURICmd)
}
