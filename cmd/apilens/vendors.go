package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/config"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/pricing"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
)

var showModels bool

var vendorsCmd = &cobra.Command{
	Use:   "vendors",
	Short: "Show the vendor registry",
	Long:  `Print every vendor the proxy can route to, as built from the configuration file, and optionally the model catalog with prices.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return err
		}
		opts, err := cfg.RegistryOptions()
		if err != nil {
			return err
		}
		reg, err := vendor.NewRegistry(opts)
		if err != nil {
			return err
		}
		printVendors(cmd.OutOrStdout(), reg)
		if showModels {
			calc := pricing.NewCalculator(cfg.PricingTable(reg.Models()))
			printModels(cmd.OutOrStdout(), reg, calc)
		}
		return nil
	},
}

func init() {
	vendorsCmd.Flags().BoolVarP(&showModels, "models", "m", false, "also list the model catalog")
}

func printVendors(w io.Writer, reg *vendor.Registry) {
	title := color.New(color.FgBlue, color.Bold)
	for _, d := range reg.Vendors() {
		name := d.Name
		if name == reg.DefaultVendor() {
			name += " (default)"
		}
		title.Fprintf(w, "%s\n", name)
		fmt.Fprintf(w, "  %-15s: %s\n", "Kind", d.Kind)
		fmt.Fprintf(w, "  %-15s: %s\n", "Base URL", d.BaseURL)

		endpoints := make([]string, 0, len(d.Endpoints))
		for ep := range d.Endpoints {
			endpoints = append(endpoints, string(ep))
		}
		sort.Strings(endpoints)
		fmt.Fprintf(w, "  %-15s: %v\n", "Endpoints", endpoints)
		fmt.Fprintf(w, "  %-15s: %s\n", "Auth Header", d.AuthHeader)
		fmt.Fprintf(w, "  %-15s: %d (base %s, max %s)\n", "Retries",
			d.Retry.MaxRetries, d.Retry.BaseDelay, d.Retry.MaxDelay)
		if d.Timeout > 0 {
			fmt.Fprintf(w, "  %-15s: %s\n", "Timeout", d.Timeout)
		}
	}
}

func printModels(w io.Writer, reg *vendor.Registry, calc *pricing.Calculator) {
	color.New(color.FgYellow, color.Bold).Fprintf(w, "\nModels (USD per 1K tokens)\n")
	for _, m := range reg.Models() {
		p, ok := calc.GetPricing(m.Name)
		if !ok {
			fmt.Fprintf(w, "  %-32s %-10s unpriced\n", m.Name, m.Vendor)
			continue
		}
		fmt.Fprintf(w, "  %-32s %-10s in %s  out %s\n", m.Name, m.Vendor,
			p.InputCostPer1K.String(), p.OutputCostPer1K.String())
	}
}
