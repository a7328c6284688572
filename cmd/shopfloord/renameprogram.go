package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// renameProgramCmd wires analysis.Engine.RenameProgram to the CLI: an
// operator-facing fix for a mis-parsed program name, supplemented from
// original_source's program-editor rename flow (SPEC_FULL.md §11.1).
func renameProgramCmd(configPath *string) *cobra.Command {
	var machine, oldName, newName, start, end string

	cmd := &cobra.Command{
		Use:   "rename-program",
		Short: "Rewrite a mis-parsed program name across its archived reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			startT, err := time.Parse(time.DateOnly, start)
			if err != nil {
				return fmt.Errorf("parse --start: %w", err)
			}
			endT, err := time.Parse(time.DateOnly, end)
			if err != nil {
				return fmt.Errorf("parse --end: %w", err)
			}

			sup, db, err := buildSupervisor(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			return sup.Analysis.RenameProgram(cmd.Context(), machine, oldName, newName, startT, endT)
		},
	}

	cmd.Flags().StringVar(&machine, "machine", "", "Machine name")
	cmd.Flags().StringVar(&oldName, "old-name", "", "Program name to replace")
	cmd.Flags().StringVar(&newName, "new-name", "", "Replacement program name")
	cmd.Flags().StringVar(&start, "start", "", "Start date (YYYY-MM-DD); its month is the first monthly table rewritten, all rows of that month included")
	cmd.Flags().StringVar(&end, "end", "", "End date (YYYY-MM-DD); its month is the last monthly table rewritten, all rows of that month included")
	for _, name := range []string{"machine", "old-name", "new-name", "start", "end"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
