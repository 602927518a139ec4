package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/bizflow/internal/diagram"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

func newRunCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run <workflow> <entity-id>",
		Short: "Run one workflow against one entity and print the outcome",
		Example: "  bizflow run deal_to_project opp-42\n" +
			"  bizflow run invoice_payment pay-7",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wfType, err := schema.ParseWorkflowType(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			out, runErr := a.orchestrator.Invoke(ctx, wfType, args[1])
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			return runErr
		},
	}
}

func newDiagramCmd(c *cli) *cobra.Command {
	var format, instanceID, output string

	cmd := &cobra.Command{
		Use:   "diagram [workflow]",
		Short: "Render a workflow, or the run of an instance, as a diagram",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && instanceID == "" {
				return schema.NewError(schema.ErrCodeValidation, "a workflow or --instance is required")
			}

			var wfType schema.WorkflowType
			var states []*store.StepState
			if instanceID != "" {
				s, err := openStore(cmd.Context(), c.cfg.DBPath)
				if err != nil {
					return err
				}
				defer s.Close()
				inst, err := s.GetInstance(cmd.Context(), instanceID)
				if err != nil {
					return err
				}
				if states, err = s.ListStepStates(cmd.Context(), instanceID); err != nil {
					return err
				}
				wfType = inst.WorkflowType
			} else {
				parsed, err := schema.ParseWorkflowType(args[0])
				if err != nil {
					return err
				}
				wfType = parsed
			}

			model, err := diagram.Build(wfType, states)
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "mermaid":
				data = []byte(diagram.RenderMermaid(model))
			case "ascii":
				data = []byte(diagram.RenderASCII(model))
			case "png", "svg":
				if data, err = diagram.RenderImage(cmd.Context(), model, diagram.ImageFormat(format)); err != nil {
					return err
				}
			default:
				return schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", format)
			}

			if output != "" {
				return os.WriteFile(output, data, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "ascii", "output format: ascii, mermaid, png, svg")
	cmd.Flags().StringVar(&instanceID, "instance", "", "overlay the step states of this run")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func newMigrateCmd(c *cli) *cobra.Command {
	var vacuum bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openStore(ctx, c.cfg.DBPath)
			if err != nil {
				return err
			}
			defer s.Close()

			if vacuum {
				if err := s.Vacuum(ctx); err != nil {
					return fmt.Errorf("vacuum: %w", err)
				}
			}
			v, err := s.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			c.logger.Info("database migrated", "path", c.cfg.DBPath, "schema_version", v)
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "reclaim free pages after migrating")
	return cmd
}

func newConfigCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if used := c.v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", used)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(c.cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
