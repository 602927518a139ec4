package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/rendis/bizflow/internal/store"
)

func newInspectCmd(c *cli) *cobra.Command {
	var replay bool

	cmd := &cobra.Command{
		Use:   "inspect <instance-id>",
		Short: "Print a run with its step states",
		Long: "Print a run with its step states. With --replay the step states are\n" +
			"rebuilt from the event log, which also fails on sequence gaps.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStore(ctx, c.cfg.DBPath)
			if err != nil {
				return err
			}
			defer s.Close()

			inst, err := s.GetInstance(ctx, args[0])
			if err != nil {
				return err
			}

			var steps []*store.StepState
			if replay {
				steps, err = store.NewEventLog(s).ReplayEvents(ctx, inst.ID)
			} else {
				steps, err = s.ListStepStates(ctx, inst.ID)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				*store.Instance
				Steps []*store.StepState `json:"steps"`
			}{inst, steps})
		},
	}
	cmd.Flags().BoolVar(&replay, "replay", false, "rebuild step states from the event log")
	return cmd
}
