// File: cmd/analysis.go
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/forensync/internal/api"
	"github.com/xkilldash9x/forensync/internal/service"
)

func newAnalysisCmd(a *app) *cobra.Command {
	var analysisType string

	analysisCmd := &cobra.Command{
		Use:   "analysis",
		Short: "Start analyses and read their results",
	}

	startCmd := &cobra.Command{
		Use:   "start <file-id>",
		Short: "Start an analysis of an uploaded file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withComponents(cmd, func(c *service.Components) error {
				resp, err := c.API.StartAnalysis(cmd.Context(), api.ID(args[0]), analysisType)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	startCmd.Flags().StringVarP(&analysisType, "type", "t", string(api.KindNetwork), "analysis type: network, memory or file")

	analysisCmd.AddCommand(
		startCmd,
		&cobra.Command{
			Use:   "status <file-id>",
			Short: "Show the latest analysis of a file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withComponents(cmd, func(c *service.Components) error {
					resp, err := c.API.GetAnalysisStatus(cmd.Context(), api.ID(args[0]))
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), resp)
				})
			},
		},
		&cobra.Command{
			Use:   "results <analysis-id>",
			Short: "Print the results document of an analysis",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withComponents(cmd, func(c *service.Components) error {
					raw, err := c.API.GetAnalysisResults(cmd.Context(), api.ID(args[0]))
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), raw)
				})
			},
		},
		&cobra.Command{
			Use:   "reanalyze <file-id>",
			Short: "Run the analysis of a file again",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withComponents(cmd, func(c *service.Components) error {
					resp, err := c.API.ReanalyzeFile(cmd.Context(), api.ID(args[0]))
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), resp)
				})
			},
		},
		&cobra.Command{
			Use:   "show <network|memory|file> <file-id>",
			Short: "Print the kind-specific analysis of a file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				kind, err := api.ParseKind(args[0])
				if err != nil {
					return err
				}
				return a.withComponents(cmd, func(c *service.Components) error {
					raw, err := c.API.GetKindAnalysis(cmd.Context(), kind, api.ID(args[1]))
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), raw)
				})
			},
		},
		&cobra.Command{
			Use:   "topology <analysis-id>",
			Short: "Print the network topology of an analysis",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withComponents(cmd, func(c *service.Components) error {
					topo, err := c.API.GetNetworkTopology(cmd.Context(), api.ID(args[0]))
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), topo)
				})
			},
		},
		&cobra.Command{
			Use:   "metrics <analysis-id>",
			Short: "Print the network metrics of an analysis",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withComponents(cmd, func(c *service.Components) error {
					m, err := c.API.GetNetworkMetrics(cmd.Context(), api.ID(args[0]))
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), m)
				})
			},
		},
	)
	return analysisCmd
}
