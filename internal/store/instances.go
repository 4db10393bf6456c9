package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roea-ai/reel/pkg/types"
)

// InstanceStore persists agent instance records.
type InstanceStore struct {
	store *Store
}

// NewInstanceStore creates a new InstanceStore.
func NewInstanceStore(store *Store) *InstanceStore {
	return &InstanceStore{store: store}
}

// SaveInstance inserts or replaces an instance record.
func (is *InstanceStore) SaveInstance(inst *types.AgentInstance) error {
	is.store.mu.Lock()
	defer is.store.mu.Unlock()

	record, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	_, err = is.store.db.Exec(`
		INSERT INTO instances (id, kind, state, record, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			record = excluded.record,
			updated_at = excluded.updated_at
	`, inst.ID, inst.Kind, string(inst.State), string(record), time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

// ListInstances returns all recorded instances, optionally of one state.
func (is *InstanceStore) ListInstances(state types.InstanceState) ([]*types.AgentInstance, error) {
	is.store.mu.RLock()
	defer is.store.mu.RUnlock()

	query := "SELECT record FROM instances"
	var args []interface{}
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY id"

	rows, err := is.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var out []*types.AgentInstance
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		var inst types.AgentInstance
		if err := json.Unmarshal([]byte(record), &inst); err != nil {
			continue // Skip unreadable records
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

// MarkAllTerminated records every non-terminated instance as terminated.
// Instances never outlive the process that started them.
func (is *InstanceStore) MarkAllTerminated(reason string) (int, error) {
	live, err := is.ListInstances("")
	if err != nil {
		return 0, err
	}

	n := 0
	now := time.Now()
	for _, inst := range live {
		if inst.State == types.InstanceTerminated {
			continue
		}
		inst.State = types.InstanceTerminated
		inst.StoppedAt = &now
		inst.LastError = reason
		if err := is.SaveInstance(inst); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
