package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh/audit"
)

// newReplayCmd creates the "taskmesh replay" subcommand.
func newReplayCmd(c *cli) *cobra.Command {
	var (
		from uint64
		dsn  string
	)

	cmd := &cobra.Command{
		Use:   "replay <task-id>",
		Short: "Print the audit trail of a task",
		Long: `Reads the task's entries from the SQLite audit log in sequence order and
prints one JSON object per line. --dsn overrides audit.dsn.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			if dsn == "" {
				if cfg.Audit.Driver != "sqlite" {
					return errors.New("replay needs the sqlite audit driver or --dsn")
				}
				dsn = cfg.Audit.DSN
			}

			log, err := audit.OpenSQLite(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer log.Close()

			entries, err := log.Replay(cmd.Context(), args[0], from)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no audit entries for task %s", args[0])
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 0, "first sequence number to print")
	cmd.Flags().StringVar(&dsn, "dsn", "", "SQLite database path")

	return cmd
}
