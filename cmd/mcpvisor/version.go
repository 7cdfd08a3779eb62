package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nugget/mcpvisor/internal/buildinfo"
	"github.com/nugget/mcpvisor/internal/config"
)

func newVersionCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := buildinfo.Info()
			if g.jsonOutput() {
				return writeJSON(g.stdout, info)
			}
			fmt.Fprintln(g.stdout, buildinfo.String())
			// Print fields in a stable order for human readability.
			for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
				if v, ok := info[k]; ok {
					fmt.Fprintf(g.stdout, "  %-12s %s\n", k+":", v)
				}
			}
			return nil
		},
	}
}

func newSchemaCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Schema()
			if err != nil {
				return fmt.Errorf("generate schema: %w", err)
			}
			_, err = fmt.Fprintln(g.stdout, string(data))
			return err
		},
	}
}
