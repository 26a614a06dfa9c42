// Command monitor runs the SCNMS polling scheduler and alarm engine.
//
// Usage:
//
//	monitor serve -c scnms.yaml        # poll devices, evaluate alarms
//	monitor validate -c scnms.yaml     # check config and inventory
//	monitor migrate -c scnms.yaml      # create the Postgres schema
//	monitor alarms list --status raised
//	monitor alarms ack <alarm_id> --by alice
//	monitor version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/itskum47/scnms/monitor/config"
	applogger "github.com/itskum47/scnms/monitor/logger"
)

// Set at build time via -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const serviceName = "scnms-monitor"

var rootCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Network device polling scheduler and alarm engine",
	Long: `monitor polls network devices over SNMP, NETCONF and RESTCONF on
per-job intervals, stores the samples as metrics, and raises, clears and
retires alarms from threshold rules and inbound SNMP traps.

Configuration is read from the file given with -c (or scnms.yaml in the
working directory or /etc/scnms) with SCNMS_* environment overrides.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "monitor %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file")
	rootCmd.AddCommand(versionCmd)
}

// bootstrap loads configuration and builds the logger for a command.
func bootstrap(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := applogger.New(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
