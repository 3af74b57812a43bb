// Command apilens runs the AI API proxy and its operator tooling.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "apilens",
	Short:         "Edge proxy for AI model APIs",
	Long:          `apilens authenticates tenants, enforces quotas, forwards calls to AI vendors and records token usage and cost for every call.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(vendorsCmd)
	rootCmd.AddCommand(spoolCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
