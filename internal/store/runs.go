package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roea-ai/reel/pkg/types"
)

// RunStore persists workflow runs as JSON records.
type RunStore struct {
	store *Store
}

// NewRunStore creates a new RunStore.
func NewRunStore(store *Store) *RunStore {
	return &RunStore{store: store}
}

// SaveRun inserts or replaces a run record.
func (rs *RunStore) SaveRun(run *types.WorkflowRun) error {
	rs.store.mu.Lock()
	defer rs.store.mu.Unlock()

	record, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	_, err = rs.store.db.Exec(`
		INSERT INTO runs (id, definition, status, priority, record, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			record = excluded.record,
			updated_at = excluded.updated_at
	`,
		run.ID,
		run.Definition,
		string(run.Status),
		run.Priority,
		string(record),
		run.SubmittedAt.UTC().Format(timeFormat),
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id.
func (rs *RunStore) GetRun(id string) (*types.WorkflowRun, error) {
	rs.store.mu.RLock()
	defer rs.store.mu.RUnlock()

	var record string
	err := rs.store.db.QueryRow("SELECT record FROM runs WHERE id = ?", id).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundError("workflow run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return decodeRun(record)
}

// ListRuns returns runs matching the filter, oldest first.
func (rs *RunStore) ListRuns(filter *types.RunFilter) ([]*types.WorkflowRun, error) {
	rs.store.mu.RLock()
	defer rs.store.mu.RUnlock()

	query := "SELECT record FROM runs"
	var where []string
	var args []interface{}

	if filter != nil {
		if filter.Definition != "" {
			where = append(where, "definition = ?")
			args = append(args, filter.Definition)
		}
		if len(filter.Status) > 0 {
			placeholders := make([]string, len(filter.Status))
			for i, s := range filter.Status {
				placeholders[i] = "?"
				args = append(args, string(s))
			}
			where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
		}
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at ASC, id ASC"
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := rs.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.WorkflowRun
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run, err := decodeRun(record)
		if err != nil {
			continue // Skip unreadable records
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRunsBefore removes terminal runs finished before cutoff.
func (rs *RunStore) DeleteRunsBefore(cutoff time.Time) (int64, error) {
	rs.store.mu.Lock()
	defer rs.store.mu.Unlock()

	result, err := rs.store.db.Exec(`
		DELETE FROM runs
		WHERE status IN (?, ?, ?, ?, ?) AND updated_at < ?
	`,
		string(types.RunCompleted),
		string(types.RunPartialCompletion),
		string(types.RunRecovered),
		string(types.RunFailed),
		string(types.RunCancelled),
		cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	return result.RowsAffected()
}

func decodeRun(record string) (*types.WorkflowRun, error) {
	var run types.WorkflowRun
	if err := json.Unmarshal([]byte(record), &run); err != nil {
		return nil, fmt.Errorf("failed to parse run: %w", err)
	}
	return &run, nil
}
