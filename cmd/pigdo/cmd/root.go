package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "pigdo <jigdo-file>",
	Short: "Reconstruct an image from a .jigdo manifest and .template file",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (optional; CLI flags take precedence)")
}

// Execute runs the command tree, exiting with status 1 on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
