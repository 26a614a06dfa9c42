package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itskum47/scnms/monitor/config"
	"github.com/itskum47/scnms/monitor/inventory"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and inventory",
	Long:  "Load the configuration and the inventory file, report any problems, and print a summary.",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringP("inventory", "i", "", "inventory file to check (overrides config)")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config ok (node %s)\n", cfg.NodeID)
	fmt.Fprintf(out, "  store:   %s\n", storeKind(cfg))
	fmt.Fprintf(out, "  redis:   %t\n", cfg.Redis.Enabled)
	fmt.Fprintf(out, "  mqtt:    %t\n", cfg.MQTT.Enabled)
	fmt.Fprintf(out, "  leader:  %t\n", cfg.Leader.Enabled)
	fmt.Fprintf(out, "  polling: every %s, %d concurrent\n", cfg.Polling.Interval, cfg.Polling.MaxConcurrentPolls)

	invPath := cfg.Inventory
	if p, _ := cmd.Flags().GetString("inventory"); p != "" {
		invPath = p
	}
	if invPath == "" {
		fmt.Fprintln(out, "no inventory file configured")
		return nil
	}
	inv, err := inventory.Load(invPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "inventory ok: %d devices, %d jobs, %d rules\n", len(inv.Devices), len(inv.Jobs), len(inv.Rules))
	return nil
}

func storeKind(cfg *config.Config) string {
	if cfg.Database.URL == "" {
		return "memory"
	}
	return "postgres"
}
