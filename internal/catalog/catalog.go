// Package catalog reads agent kinds and workflow definitions from YAML files.
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roea-ai/reel/pkg/types"
)

// LoadKinds reads every agent kind in dir. A missing directory yields none.
func LoadKinds(dir string) ([]*types.AgentKind, error) {
	var kinds []*types.AgentKind
	err := walk(dir, func(path string, data []byte) error {
		var kind types.AgentKind
		if err := decode(data, &kind); err != nil {
			return fmt.Errorf("failed to parse agent kind %s: %w", path, err)
		}
		if kind.Name == "" {
			kind.Name = baseName(path)
		}
		kinds = append(kinds, &kind)
		return nil
	})
	return kinds, err
}

// LoadDefinitions reads every workflow definition in dir. A missing
// directory yields none.
func LoadDefinitions(dir string) ([]*types.WorkflowDefinition, error) {
	var defs []*types.WorkflowDefinition
	err := walk(dir, func(path string, data []byte) error {
		var def types.WorkflowDefinition
		if err := decode(data, &def); err != nil {
			return fmt.Errorf("failed to parse workflow %s: %w", path, err)
		}
		if def.Name == "" {
			def.Name = baseName(path)
		}
		defs = append(defs, &def)
		return nil
	})
	return defs, err
}

// ReadDefinition reads one workflow definition file.
func ReadDefinition(path string) (*types.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var def types.WorkflowDefinition
	if err := decode(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow %s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = baseName(path)
	}
	return &def, nil
}

// WriteDefinition writes def as dir/<name>.yaml.
func WriteDefinition(dir string, def *types.WorkflowDefinition) (string, error) {
	return write(dir, def.Name, def)
}

// WriteKind writes kind as dir/<name>.yaml.
func WriteKind(dir string, kind *types.AgentKind) (string, error) {
	return write(dir, kind.Name, kind)
}

func write(dir, name string, v any) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	path := filepath.Join(dir, name+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

func walk(dir string, fn func(path string, data []byte) error) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := fn(path, data); err != nil {
			return err
		}
	}
	return nil
}

// decode rejects unknown fields so typos in hand-written files surface.
func decode(data []byte, v any) error {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	return dec.Decode(v)
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
