package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and compile all mods",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.loadPipelines(cmd.Context()); err != nil {
				return err
			}
			for _, p := range a.pipelines.ListPipelines() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tv%d\t%d steps\n", p.ID, p.Version, len(p.Steps))
			}
			return nil
		},
	}
}

func newBricksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bricks",
		Short: "List registered bricks with their input JSON Schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return writeJSON(cmd.OutOrStdout(), a.bricks.Describe())
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline of a component once and print its outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			component, _ := cmd.Flags().GetString("component")
			modID, _ := cmd.Flags().GetString("mod")
			input, _ := cmd.Flags().GetString("input")

			initial, err := parseInitial(input)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.loadPipelines(cmd.Context()); err != nil {
				return err
			}

			p, err := a.pipelines.SelectPipeline(component)
			if err != nil {
				return err
			}
			outcome, runErr := engine.NewEngine(a.engineCfg).Run(cmd.Context(), p, initial, engine.RunOptions{
				Meta:               domain.RunMetadata{ModID: modID, ComponentID: component},
				DestinationTimeout: cfg.Pipeline.DestinationTimeout,
				RequireRenderer:    cfg.Pipeline.RequireRenderer,
			})
			if err := writeJSON(cmd.OutOrStdout(), outcome); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("run %s: %s", outcome.RunID, outcome.State)
			}
			return nil
		},
	}
	cmd.Flags().String("component", "", "Component id whose pipeline is run")
	cmd.Flags().String("mod", "", "Mod id recorded in run metadata")
	cmd.Flags().String("input", "", "Initial context as JSON: {\"input\": {...}} or a bare input object")
	_ = cmd.MarkFlagRequired("component")
	return cmd
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Dry-run a component, capturing displays, alerts and the step trace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			component, _ := cmd.Flags().GetString("component")
			input, _ := cmd.Flags().GetString("input")

			initial, err := parseInitial(input)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.loadPipelines(cmd.Context()); err != nil {
				return err
			}

			resp, err := engine.NewSimulator(a.pipelines, a.engineCfg).Simulate(cmd.Context(), engine.SimulationRequest{
				ComponentID: component,
				Initial:     initial,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().String("component", "", "Component id whose pipeline is simulated")
	cmd.Flags().String("input", "", "Initial context as JSON")
	_ = cmd.MarkFlagRequired("component")
	return cmd
}

// parseInitial accepts a full initial context or a bare input object.
func parseInitial(raw string) (domain.InitialContext, error) {
	var initial domain.InitialContext
	if raw == "" {
		return initial, nil
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return initial, fmt.Errorf("invalid --input: %w", err)
	}
	_, hasInput := probe["input"]
	_, hasOptions := probe["optionsArgs"]
	_, hasService := probe["serviceContext"]
	if !hasInput && !hasOptions && !hasService {
		initial.Input = probe
		return initial, nil
	}
	if err := json.Unmarshal([]byte(raw), &initial); err != nil {
		return initial, fmt.Errorf("invalid --input: %w", err)
	}
	return initial, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
