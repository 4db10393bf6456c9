package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roea-ai/reel/pkg/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInitThenValidate(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "init", "--path", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Reel initialization complete")
	assert.FileExists(t, filepath.Join(dir, "reel.yaml"))
	assert.FileExists(t, filepath.Join(dir, ".reel", "reel.key"))
	assert.FileExists(t, filepath.Join(dir, ".reel", "reel.db"))

	_, err = execute(t, "init", "--path", dir)
	assert.ErrorContains(t, err, "already exists")

	cfgPath := filepath.Join(dir, "reel.yaml")
	sample := filepath.Join(dir, "workflows", "promo.yaml")
	out, err = execute(t, "validate", "--config", cfgPath, sample)
	require.NoError(t, err)
	assert.Contains(t, out, "promo.yaml: ok")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("steps:\n  - name: x\n    agent: hologram\n    action: render\n"), 0644))
	out, err = execute(t, "validate", "--config", cfgPath, sample, bad)
	assert.ErrorContains(t, err, "1 of 2")
	assert.Contains(t, out, "unknown agent kind")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	log := setupLogger(types.LogConfig{Level: "warn", Format: "json"}, &buf)
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())

	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"k":"v"`)

	log = setupLogger(types.LogConfig{Level: "bogus"}, &buf)
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}
