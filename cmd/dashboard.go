// File: cmd/dashboard.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/forensync/internal/api"
	"github.com/xkilldash9x/forensync/internal/config"
	"github.com/xkilldash9x/forensync/internal/realtime"
	"github.com/xkilldash9x/forensync/internal/service"
)

func newDashboardCmd(a *app) *cobra.Command {
	var (
		asJSON      bool
		watch       bool
		aggregation string
	)

	dashboardCmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show the dashboard overview",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch p := config.AggregationPolicy(aggregation); p {
			case "":
			case config.AggregatePartial, config.AggregateAllOrNothing:
				a.cfg.SetDashboardAggregation(p)
			default:
				return fmt.Errorf("unknown aggregation policy %q (want partial or all_or_nothing)", aggregation)
			}
			return a.withComponents(cmd, func(c *service.Components) error {
				snap, loadErr := c.Dashboard.Load(cmd.Context())
				if snap != nil {
					if asJSON {
						if err := printJSON(cmd.OutOrStdout(), snap); err != nil {
							return err
						}
					} else {
						printSnapshot(cmd.OutOrStdout(), snap)
					}
				}
				if loadErr != nil && (!watch || snap == nil) {
					return loadErr
				}
				if !watch {
					return nil
				}
				return followChannel(cmd, c, realtime.DashboardTarget(), asJSON)
			})
		},
	}
	dashboardCmd.Flags().BoolVar(&asJSON, "json", false, "print the raw snapshot as JSON")
	dashboardCmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and print realtime updates")
	dashboardCmd.Flags().StringVar(&aggregation, "aggregation", "", "override dashboard.aggregation: partial or all_or_nothing")

	dashboardCmd.AddCommand(
		newAlertCmd(a, "ack", "Acknowledge an alert", (*api.Dashboard).AcknowledgeAlert, "acknowledged"),
		newAlertCmd(a, "resolve", "Resolve an alert", (*api.Dashboard).ResolveAlert, "resolved"),
	)
	return dashboardCmd
}

func newAlertCmd(a *app, use, short string, action func(*api.Dashboard, context.Context, api.ID) error, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <alert-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withComponents(cmd, func(c *service.Components) error {
				if err := action(c.Dashboard, cmd.Context(), api.ID(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Alert %s %s.\n", args[0], verb)
				return nil
			})
		},
	}
}

// printSnapshot renders the parts of snap that loaded.
func printSnapshot(w io.Writer, snap *api.Snapshot) {
	if s := snap.Stats; s != nil {
		fmt.Fprintf(w, "Network     %.1f traffic, %d connections, %d protocols\n", s.Network.Traffic, s.Network.Connections, s.Network.Protocols)
		fmt.Fprintf(w, "Memory      %.1f / %.1f used, %d processes\n", s.Memory.Usage, s.Memory.Total, s.Memory.Processes)
		fmt.Fprintf(w, "Filesystem  %d files, %d bytes, %d suspicious\n", s.Filesystem.TotalFiles, s.Filesystem.TotalSize, s.Filesystem.SuspiciousFiles)
		fmt.Fprintf(w, "Threats     %d total (%d critical, %d high, %d medium, %d low)\n",
			s.Threats.Total, s.Threats.Critical, s.Threats.High, s.Threats.Medium, s.Threats.Low)
	}

	if len(snap.Alerts) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ALERT\tTYPE\tSTATUS\tMESSAGE")
		for _, al := range snap.Alerts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", al.ID, al.Type, al.Status, al.Message)
		}
		tw.Flush()
	}

	if len(snap.Activity) > 0 {
		fmt.Fprintln(w)
		for _, act := range snap.Activity {
			fmt.Fprintf(w, "%s  %s\n", act.Timestamp, act.Description)
		}
	}
}
