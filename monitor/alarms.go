package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/itskum47/scnms/monitor/alarm"
	"github.com/itskum47/scnms/monitor/config"
	"github.com/itskum47/scnms/monitor/scheduler"
	"github.com/itskum47/scnms/monitor/store"
)

var alarmsCmd = &cobra.Command{
	Use:   "alarms",
	Short: "Inspect and operate on alarms",
}

var alarmsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alarms, newest first",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := alarmFilter(cmd)
		return err
	},
	RunE: withManager(func(cmd *cobra.Command, args []string, m *alarm.Manager, cfg *config.Config) error {
		f, err := alarmFilter(cmd)
		if err != nil {
			return err
		}
		alarms, err := m.List(cmd.Context(), f)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(alarms)
		}
		return printAlarms(cmd.OutOrStdout(), alarms)
	}),
}

var alarmsAckCmd = &cobra.Command{
	Use:   "ack <alarm_id>",
	Short: "Acknowledge a raised alarm",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(cmd *cobra.Command, args []string, m *alarm.Manager, cfg *config.Config) error {
		by, _ := cmd.Flags().GetString("by")
		a, err := m.Acknowledge(cmd.Context(), args[0], by)
		return report(cmd.OutOrStdout(), a, err)
	}),
}

var alarmsClearCmd = &cobra.Command{
	Use:   "clear <alarm_id>",
	Short: "Clear a raised or acknowledged alarm",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(cmd *cobra.Command, args []string, m *alarm.Manager, cfg *config.Config) error {
		a, err := m.Clear(cmd.Context(), args[0])
		return report(cmd.OutOrStdout(), a, err)
	}),
}

var alarmsCloseCmd = &cobra.Command{
	Use:   "close <alarm_id>",
	Short: "Close a cleared alarm",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(cmd *cobra.Command, args []string, m *alarm.Manager, cfg *config.Config) error {
		a, err := m.Close(cmd.Context(), args[0])
		return report(cmd.OutOrStdout(), a, err)
	}),
}

var alarmsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show alarm counts by status and open alarms by severity",
	RunE: withManager(func(cmd *cobra.Command, args []string, m *alarm.Manager, cfg *config.Config) error {
		counts, err := m.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printStats(cmd.OutOrStdout(), counts)
	}),
}

var alarmsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete closed alarms past the retention period",
	RunE: withManager(func(cmd *cobra.Command, args []string, m *alarm.Manager, cfg *config.Config) error {
		retention := cfg.Alarms.Retention
		if cmd.Flags().Changed("retention") {
			retention, _ = cmd.Flags().GetDuration("retention")
		}
		n, err := m.SweepRetention(cmd.Context(), retention)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d closed alarms older than %s\n", n, retention)
		return nil
	}),
}

func init() {
	alarmsListCmd.Flags().String("status", "", "filter by status (raised, acknowledged, cleared, closed)")
	alarmsListCmd.Flags().String("severity", "", "filter by severity")
	alarmsListCmd.Flags().Int64("device", 0, "filter by device id")
	alarmsListCmd.Flags().Int("limit", 50, "maximum alarms to show")
	alarmsListCmd.Flags().Bool("json", false, "print JSON instead of a table")

	alarmsAckCmd.Flags().String("by", "", "operator acknowledging the alarm")
	alarmsAckCmd.MarkFlagRequired("by")

	alarmsSweepCmd.Flags().Duration("retention", 0, "age past which closed alarms are deleted (default alarms.retention)")

	alarmsCmd.AddCommand(alarmsListCmd, alarmsAckCmd, alarmsClearCmd, alarmsCloseCmd, alarmsStatsCmd, alarmsSweepCmd)
	rootCmd.AddCommand(alarmsCmd)
}

// withManager opens the configured store and brokers and hands the
// command an alarm manager. Lifecycle events reach the same topics the
// running monitor publishes on.
func withManager(run func(*cobra.Command, []string, *alarm.Manager, *config.Config) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		cmd.SetContext(ctx)

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireDurableStore(); err != nil {
			return err
		}
		return run(cmd, args, a.manager(scheduler.RealClock{}), cfg)
	}
}

// alarmFilter builds the list filter from flags, rejecting unknown values
// before any store is opened.
func alarmFilter(cmd *cobra.Command) (store.AlarmFilter, error) {
	f := store.AlarmFilter{}
	status, _ := cmd.Flags().GetString("status")
	severity, _ := cmd.Flags().GetString("severity")
	f.Status = store.AlarmStatus(status)
	f.Severity = store.Severity(severity)
	if status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("unknown status %q", status)
	}
	if severity != "" && !f.Severity.Valid() {
		return f, fmt.Errorf("unknown severity %q", severity)
	}
	if cmd.Flags().Changed("device") {
		id, _ := cmd.Flags().GetInt64("device")
		f.DeviceID = &id
	}
	f.Limit, _ = cmd.Flags().GetInt("limit")
	return f, nil
}

func report(w io.Writer, a *store.Alarm, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s\n", a.AlarmID, a.Status)
	return nil
}

func printAlarms(w io.Writer, alarms []*store.Alarm) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ALARM ID\tDEVICE\tSEVERITY\tSTATUS\tRAISED\tTITLE")
	for _, a := range alarms {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			a.AlarmID, a.DeviceID, a.Severity, a.Status, a.RaisedAt.UTC().Format(time.RFC3339), a.Title)
	}
	return tw.Flush()
}

func printStats(w io.Writer, c *store.AlarmCounts) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "total\t%d\n", c.Total)
	for _, s := range []store.AlarmStatus{store.AlarmRaised, store.AlarmAcknowledged, store.AlarmCleared, store.AlarmClosed} {
		fmt.Fprintf(tw, "%s\t%d\n", s, c.ByStatus[s])
	}
	fmt.Fprintln(tw, "")
	fmt.Fprintln(tw, "open by severity")
	for _, s := range store.Severities {
		fmt.Fprintf(tw, "  %s\t%d\n", s, c.OpenBySeverity[s])
	}
	return tw.Flush()
}
