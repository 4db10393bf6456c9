package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roea-ai/reel/internal/catalog"
	"github.com/roea-ai/reel/internal/crypto"
	"github.com/roea-ai/reel/internal/store"
	"github.com/roea-ai/reel/pkg/types"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new Reel project",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			force, _ := cmd.Flags().GetBool("force")
			return initializeReel(cmd, path, force)
		},
	}
	cmd.Flags().String("path", ".", "project path")
	cmd.Flags().Bool("force", false, "overwrite an existing reel.yaml")
	return cmd
}

func initializeReel(cmd *cobra.Command, projectPath string, force bool) error {
	out := cmd.OutOrStdout()
	absPath, err := filepath.Abs(projectPath)
	if err != nil {
		return err
	}

	// Create .reel directory
	reelDir := filepath.Join(absPath, ".reel")
	if err := os.MkdirAll(reelDir, 0755); err != nil {
		return fmt.Errorf("failed to create .reel directory: %w", err)
	}

	// Create default config
	cfg := types.DefaultConfig()
	cfg.Store.Path = filepath.Join(reelDir, "reel.db")
	cfg.Crypto.IdentityPath = filepath.Join(reelDir, "reel.key")
	cfg.Agents.KindsDir = filepath.Join(absPath, "agents")
	cfg.Agents.WorkflowsDir = filepath.Join(absPath, "workflows")

	configPath := filepath.Join(absPath, "reel.yaml")
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}
	configData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, configData, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(out, "Created config: %s\n", configPath)

	// Initialize crypto
	keyManager := crypto.NewKeyManager(cfg.Crypto.IdentityPath)
	if err := keyManager.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize crypto: %w", err)
	}
	fmt.Fprintf(out, "Created identity: %s\n", cfg.Crypto.IdentityPath)
	fmt.Fprintf(out, "Public key: %s\n", keyManager.PublicKey())

	// Initialize store
	st := store.NewStore(cfg.Store.Path)
	if err := st.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	st.Close()
	fmt.Fprintf(out, "Created store: %s\n", cfg.Store.Path)

	// Sample workflow
	if err := os.MkdirAll(cfg.Agents.KindsDir, 0755); err != nil {
		return fmt.Errorf("failed to create agents directory: %w", err)
	}
	sample, err := catalog.WriteDefinition(cfg.Agents.WorkflowsDir, sampleWorkflow())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Created sample workflow: %s\n", sample)

	fmt.Fprintln(out, "\nReel initialization complete!")
	fmt.Fprintln(out, "Run 'reeld serve' to start the server.")
	return nil
}

func sampleWorkflow() *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		Name:           "promo",
		Description:    "Cut a promo clip from a source asset and publish it",
		RequiredParams: []string{"source"},
		Steps: []types.Step{
			{Name: "fetch", Agent: "asset-store", Action: "fetch_asset"},
			{Name: "cut", Agent: "video-editor", Action: "cut", Inputs: map[string]string{"asset": "fetch.output"}},
			{Name: "publish", Agent: "social-publisher", Action: "publish", Inputs: map[string]string{"video": "cut.output"}},
		},
		Recovery: []types.RecoverySpec{
			{Name: "restart-on-timeout", When: types.RecoveryMatch{ErrorCode: "timeout"}, Action: types.RecoverRestartAgent},
			{Name: "alert", Action: types.RecoverNotify},
		},
	}
}
