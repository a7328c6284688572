package main

import (
	"github.com/spf13/cobra"
)

// onceCmd runs a single pass of every periodic worker and exits, letting
// an operator smoke-test a new machine's config without waiting for the
// first scheduled tick. Grounded on the teacher's dialStdioCmd: a small,
// separately-filed secondary subcommand alongside the long-running root.
func onceCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single pass of every periodic worker and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, db, err := buildSupervisor(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			return sup.RunOnce(cmd.Context())
		},
	}
}
