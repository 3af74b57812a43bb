package main

import (
	"fmt"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/config"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/usagelog"
)

var replayBatch int

var spoolCmd = &cobra.Command{
	Use:   "spool",
	Short: "Inspect and replay usage records that failed delivery",
}

var spoolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Count spooled usage records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		spool, err := openSpool()
		if err != nil {
			return err
		}
		defer spool.Close()

		n, err := spool.Count(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  %-15s: %d\n", "Pending", n)
		return nil
	},
}

var spoolReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Resend spooled usage records through the configured sinks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return err
		}
		spool, err := openSpoolAt(cfg)
		if err != nil {
			return err
		}
		defer spool.Close()

		sinks, err := buildSinks(cmd.Context(), cfg, slog.Default())
		if err != nil {
			return err
		}
		byName := make(map[string]usagelog.Sink, len(sinks))
		for _, s := range sinks {
			byName[s.Name()] = s
			defer s.Close(cmd.Context())
		}

		res, err := spool.Replay(cmd.Context(), byName, replayBatch)
		w := cmd.OutOrStdout()
		color.New(color.FgGreen).Fprintf(w, "  %-15s: %d\n", "Sent", res.Sent)
		color.New(color.FgRed).Fprintf(w, "  %-15s: %d\n", "Failed", res.Failed)
		fmt.Fprintf(w, "  %-15s: %d\n", "Skipped", res.Skipped)
		return err
	},
}

func init() {
	spoolReplayCmd.Flags().IntVar(&replayBatch, "batch", 500, "maximum records to replay")
	spoolCmd.AddCommand(spoolStatusCmd)
	spoolCmd.AddCommand(spoolReplayCmd)
}

func openSpool() (*usagelog.Spool, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	return openSpoolAt(cfg)
}

func openSpoolAt(cfg *config.Config) (*usagelog.Spool, error) {
	if cfg.UsageLog.SpoolPath == "" {
		return nil, fmt.Errorf("usage_log.spool_path is not configured")
	}
	return usagelog.OpenSpool(cfg.UsageLog.SpoolPath)
}
