package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hupe1980/taskmesh/config"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// cli carries state shared by the subcommands.
type cli struct {
	v       *viper.Viper
	cfgFile string
}

func (c *cli) load() (*config.Config, error) {
	return config.NewLoaderWithViper(c.v).WithConfigFile(c.cfgFile).Load()
}

// newRootCmd creates the root taskmesh command with all subcommands attached.
func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	cmd := &cobra.Command{
		Use:           "taskmesh",
		Short:         "Multi-agent task orchestration service",
		Long:          "taskmesh fans tasks out to agent runs, routes their model calls and\ntool invocations, waits for user consent and records an audit trail.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("taskmesh {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", "", "config file (YAML)")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = c.v.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))

	cmd.AddCommand(
		newServeCmd(c),
		newToolsCmd(c),
		newReplayCmd(c),
		newVersionCmd(),
	)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte("taskmesh " + version + "\n"))
			return err
		},
	}
}
