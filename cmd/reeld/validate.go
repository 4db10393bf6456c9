package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roea-ai/reel/internal/catalog"
	"github.com/roea-ai/reel/internal/core/agent"
	"github.com/roea-ai/reel/internal/core/workflow"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>...",
		Short: "Check workflow definition files without starting the daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			registry := agent.NewRegistry()
			if cfg.Agents.Builtins {
				for _, k := range agent.BuiltinKinds() {
					if err := registry.Register(k); err != nil {
						return err
					}
				}
			}
			kinds, err := catalog.LoadKinds(cfg.Agents.KindsDir)
			if err != nil {
				return err
			}
			for _, k := range kinds {
				if err := registry.Register(k); err != nil {
					return fmt.Errorf("agent kind %s: %w", k.Name, err)
				}
			}

			var failed int
			for _, path := range args {
				if err := validateFile(path, registry); err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workflow files invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validateFile(path string, registry *agent.Registry) error {
	def, err := catalog.ReadDefinition(path)
	if err != nil {
		return err
	}
	if err := workflow.ValidateDefinition(def); err != nil {
		return err
	}
	if err := workflow.CheckAgents(def, registry); err != nil {
		return err
	}
	_, err = workflow.CompileStrategies(def.Recovery)
	return err
}
