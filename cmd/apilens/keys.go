package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/auth"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage tenant API keys",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a tenant API key and its stored hash",
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, hash, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "  %-15s: %s\n", "Key", key)
		fmt.Fprintf(w, "  %-15s: %s\n", "Hash", hash)
		color.New(color.FgYellow).Fprintln(w, "The key is shown once. Store only the hash.")
		return nil
	},
}

var keysHashCmd = &cobra.Command{
	Use:   "hash <key>",
	Short: "Print the stored hash of an existing key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), auth.HashKey(args[0]))
	},
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysHashCmd)
}
