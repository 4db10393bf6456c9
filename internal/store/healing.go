package store

import (
	"encoding/json"
	"fmt"

	"github.com/roea-ai/reel/pkg/types"
)

// HealingStore is the audit log of healing outcomes and escalations.
type HealingStore struct {
	store *Store
}

// NewHealingStore creates a new HealingStore.
func NewHealingStore(store *Store) *HealingStore {
	return &HealingStore{store: store}
}

// RecordOutcome appends a healing outcome.
func (hs *HealingStore) RecordOutcome(outcome *types.HealingOutcome) error {
	hs.store.mu.Lock()
	defer hs.store.mu.Unlock()

	record, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal healing outcome: %w", err)
	}

	_, err = hs.store.db.Exec(`
		INSERT INTO healing_events (component, action, success, escalated, detail, record, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		outcome.Request.Component,
		string(outcome.Request.Action),
		boolToInt(outcome.Success),
		boolToInt(outcome.Escalated),
		outcome.Detail,
		string(record),
		outcome.At.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to record healing outcome: %w", err)
	}
	return nil
}

// ListOutcomes returns the most recent outcomes, newest first.
func (hs *HealingStore) ListOutcomes(limit int) ([]*types.HealingOutcome, error) {
	hs.store.mu.RLock()
	defer hs.store.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := hs.store.db.Query(`
		SELECT record FROM healing_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list healing outcomes: %w", err)
	}
	defer rows.Close()

	var out []*types.HealingOutcome
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan healing outcome: %w", err)
		}
		var outcome types.HealingOutcome
		if err := json.Unmarshal([]byte(record), &outcome); err != nil {
			continue
		}
		out = append(out, &outcome)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
