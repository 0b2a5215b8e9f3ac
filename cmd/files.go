// File: cmd/files.go
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/forensync/internal/api"
	"github.com/xkilldash9x/forensync/internal/service"
)

func newFilesCmd(a *app) *cobra.Command {
	filesCmd := &cobra.Command{
		Use:   "files",
		Short: "Upload, list, search and delete evidence files",
	}
	filesCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List uploaded files",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withComponents(cmd, func(c *service.Components) error {
					resp, err := c.API.ListFiles(cmd.Context())
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tNAME\tSIZE\tSTATUS\tUPLOADED")
					for _, f := range resp.Files {
						uploaded := "-"
						if !f.CreatedAt.IsZero() {
							uploaded = f.CreatedAt.Format("2006-01-02 15:04")
						}
						fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", f.ID, f.Filename, f.Size, f.Status, uploaded)
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "upload <path>",
			Short: "Upload an evidence file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", args[0], err)
				}
				defer f.Close()

				return a.withComponents(cmd, func(c *service.Components) error {
					resp, err := c.API.UploadFile(cmd.Context(), filepath.Base(args[0]), f)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), resp)
				})
			},
		},
		&cobra.Command{
			Use:   "search <query>",
			Short: "Search uploaded files",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withComponents(cmd, func(c *service.Components) error {
					resp, err := c.API.SearchFiles(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), resp)
				})
			},
		},
		&cobra.Command{
			Use:   "delete <file-id>",
			Short: "Delete a file and its analyses",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withComponents(cmd, func(c *service.Components) error {
					if err := c.API.DeleteFile(cmd.Context(), api.ID(args[0])); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted file %s.\n", args[0])
					return nil
				})
			},
		},
	)
	return filesCmd
}

// withComponents runs fn with a default component set and shuts it down afterwards.
func (a *app) withComponents(cmd *cobra.Command, fn func(*service.Components) error) error {
	components, err := a.components(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer components.Shutdown()
	return fn(components)
}
