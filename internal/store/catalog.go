package store

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roea-ai/reel/pkg/types"
)

// CatalogStore keeps agent kinds and workflow definitions as YAML documents.
type CatalogStore struct {
	store *Store
}

// NewCatalogStore creates a new CatalogStore.
func NewCatalogStore(store *Store) *CatalogStore {
	return &CatalogStore{store: store}
}

// SaveKind upserts an agent kind.
func (cs *CatalogStore) SaveKind(kind *types.AgentKind) error {
	return cs.save("agent_kinds", kind.Name, kind)
}

// SaveDefinition upserts a workflow definition.
func (cs *CatalogStore) SaveDefinition(def *types.WorkflowDefinition) error {
	return cs.save("workflow_definitions", def.Name, def)
}

func (cs *CatalogStore) save(table, name string, v any) error {
	cs.store.mu.Lock()
	defer cs.store.mu.Unlock()

	content, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	now := float64(time.Now().Unix())
	_, err = cs.store.db.Exec(`
		INSERT INTO `+table+` (name, content, mtime, ctime)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			content = excluded.content,
			mtime = excluded.mtime
	`, name, string(content), now, now)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", name, err)
	}
	return nil
}

// ListKinds returns all stored agent kinds.
func (cs *CatalogStore) ListKinds() ([]*types.AgentKind, error) {
	var kinds []*types.AgentKind
	err := cs.list("agent_kinds", func(content []byte) error {
		var k types.AgentKind
		if err := yaml.Unmarshal(content, &k); err != nil {
			return err
		}
		kinds = append(kinds, &k)
		return nil
	})
	return kinds, err
}

// ListDefinitions returns all stored workflow definitions.
func (cs *CatalogStore) ListDefinitions() ([]*types.WorkflowDefinition, error) {
	var defs []*types.WorkflowDefinition
	err := cs.list("workflow_definitions", func(content []byte) error {
		var d types.WorkflowDefinition
		if err := yaml.Unmarshal(content, &d); err != nil {
			return err
		}
		defs = append(defs, &d)
		return nil
	})
	return defs, err
}

func (cs *CatalogStore) list(table string, decode func([]byte) error) error {
	cs.store.mu.RLock()
	defer cs.store.mu.RUnlock()

	rows, err := cs.store.db.Query("SELECT content FROM " + table + " ORDER BY name")
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return fmt.Errorf("failed to scan %s: %w", table, err)
		}
		if err := decode([]byte(content)); err != nil {
			continue // Skip invalid entries
		}
	}
	return rows.Err()
}
