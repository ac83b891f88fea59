package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/atelier/workflow"
)

func runCmd(g *globalFlags) *cobra.Command {
	var (
		rawInput string
		simulate bool
		stream   bool
	)

	cmd := &cobra.Command{
		Use:   "run <request-id>",
		Short: "Run the decision workflow for one request",
		Long: `Run executes observe, orient, decide, plan, act and respond for a request
and prints the final state as JSON. With --stream each completed stage is
printed as one JSON line instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			var opts []workflow.RunOption
			if rawInput != "" {
				opts = append(opts, workflow.WithRawInput(rawInput))
			}
			if simulate {
				opts = append(opts, workflow.WithSimulation())
			}

			out := cmd.OutOrStdout()
			if !stream {
				final, err := app.orchestrator.Run(ctx, args[0], opts...)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(final)
			}

			events, err := app.orchestrator.Stream(ctx, args[0], opts...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			for ev := range events {
				if err := enc.Encode(stageLine{
					Stage:    ev.Stage,
					Fields:   ev.Patch.Fields(),
					Duration: ev.Duration.Round(time.Millisecond).String(),
					State:    ev.State,
				}); err != nil {
					return fmt.Errorf("write stage event: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rawInput, "raw-input", "", "Free-text request to normalize when the request has no payload")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "Run every stage without writing to the store")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print one JSON line per completed stage")
	return cmd
}

type stageLine struct {
	Stage    workflow.Stage         `json:"stage"`
	Fields   []string               `json:"fields"`
	Duration string                 `json:"duration"`
	State    workflow.WorkflowState `json:"state"`
}
