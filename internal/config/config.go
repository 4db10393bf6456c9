// Package config loads reel configuration from defaults, a YAML file and
// REEL_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/roea-ai/reel/pkg/types"
)

// EnvPrefix is the prefix of configuration environment variables.
const EnvPrefix = "REEL_"

// Candidates are the config paths tried when none is given.
var Candidates = []string{
	"reel.yaml",
	"reel.yml",
	".reel/config.yaml",
}

// Find returns path if set, otherwise the first existing candidate, or "".
func Find(path string) string {
	if path != "" {
		return path
	}
	for _, c := range Candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// Load builds a configuration. An empty path skips the file layer.
//
// Environment variables map the first underscore after the prefix to a
// section separator: REEL_WORKFLOW_MAX_CONCURRENT sets workflow.max_concurrent.
func Load(path string) (*types.Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := types.DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}

// Validate rejects settings the orchestrator cannot run with.
func Validate(cfg *types.Config) error {
	var problems []string
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Workflow.MaxConcurrent < 1 {
		problems = append(problems, "workflow.max_concurrent must be at least 1")
	}
	if cfg.Workflow.RetryAttempts < 0 {
		problems = append(problems, "workflow.retry_attempts must not be negative")
	}
	if cfg.Resources.Margin < 0 || cfg.Resources.Margin >= 1 {
		problems = append(problems, "resources.margin must be in [0, 1)")
	}
	if cfg.Resources.Interval <= 0 {
		problems = append(problems, "resources.interval must be positive")
	}
	if cfg.Health.Interval <= 0 {
		problems = append(problems, "health.interval must be positive")
	}
	if cfg.Health.SustainCycles < 1 {
		problems = append(problems, "health.sustain_cycles must be at least 1")
	}
	if cfg.Store.Path == "" {
		problems = append(problems, "store.path is required")
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not console or json", cfg.Log.Format))
	}
	if len(problems) > 0 {
		return types.ValidationError("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
