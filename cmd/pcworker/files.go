package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dreamware/pcoord/internal/workspace"
)

// newFilesCmd lists what coordinators left in the work directory.
func newFilesCmd(opts *rootOptions) *cobra.Command {
	var clearFiles bool
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List or clear the files in the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(nil)
			if err != nil {
				return err
			}
			ws, err := openWorkspace(cfg.Worker)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if clearFiles {
				n := ws.Clear(workspace.AreaCache) + ws.Clear(workspace.AreaSandbox)
				fmt.Fprintf(out, "removed %d files\n", n)
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tMD5")
			for _, area := range []workspace.Area{workspace.AreaCache, workspace.AreaPackages, workspace.AreaSandbox} {
				for _, key := range ws.List(area) {
					sum, _ := ws.Checksum(key)
					fmt.Fprintf(tw, "%s\t%s\n", key, sum)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&clearFiles, "clear", false, "remove cached and sandbox files, keeping packages")
	return cmd
}
