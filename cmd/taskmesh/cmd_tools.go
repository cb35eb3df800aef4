package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/tool"
)

// newToolsCmd creates the "taskmesh tools" subcommand.
func newToolsCmd(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Discover and list the configured tools",
		Long: `Runs one discovery pass over registry.providers and prints the catalog.
Provider failures are reported but do not hide the tools of healthy providers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			providers, err := taskmesh.Providers(cfg.Registry.Providers)
			if err != nil {
				return err
			}

			reg := tool.NewRegistry(providers, func(o *tool.Options) {
				o.ConsentOverrides = cfg.Registry.ConsentOverrides
			})
			descs, discoverErr := reg.Discover(cmd.Context())
			if discoverErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", discoverErr)
			}

			if asJSON {
				if descs == nil {
					descs = []core.ToolDescriptor{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(descs)
			}
			return printTools(cmd.OutOrStdout(), descs)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print descriptors as JSON")

	return cmd
}

func printTools(w io.Writer, descs []core.ToolDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tPROVIDER\tFLAGS\tDESCRIPTION")
	for _, d := range descs {
		var flags []string
		if d.RequiresConsent {
			flags = append(flags, "consent")
		}
		if d.Idempotent {
			flags = append(flags, "idempotent")
		}
		if d.Stability != "" && d.Stability != core.StabilityStable {
			flags = append(flags, d.Stability)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.Version, d.Provider, strings.Join(flags, ","), d.Description)
	}
	return tw.Flush()
}
