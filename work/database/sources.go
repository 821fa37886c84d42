package database

import (
	"encoding/json"
	"fmt"
	"time"

	"trackunblock/work/types"
)

// LoadSources returns the custom source list in priority order
func (db *DB) LoadSources() ([]types.SourceConfig, error) {
	rows, err := db.Query(`
		SELECT id, name, kind, enabled, priority, params, created_at
		FROM sources
		ORDER BY priority, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}
	defer rows.Close()

	var sources []types.SourceConfig
	for rows.Next() {
		var src types.SourceConfig
		var kind, params string
		var createdAt time.Time

		if err := rows.Scan(&src.ID, &src.Name, &kind, &src.Enabled, &src.Priority, &params, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &src.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of source %s: %w", src.ID, err)
		}
		src.Kind = types.SourceKind(kind)
		src.CreatedAt = createdAt.UTC()
		sources = append(sources, src)
	}

	return sources, rows.Err()
}

// SaveSources replaces the stored custom list with sources in one transaction,
// so order, enabled flags and parameters always persist together
func (db *DB) SaveSources(sources []types.SourceConfig) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM sources"); err != nil {
		return fmt.Errorf("failed to clear sources: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO sources (id, name, kind, enabled, priority, params, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, src := range sources {
		params, err := json.Marshal(src.Params)
		if err != nil {
			return fmt.Errorf("failed to encode params of source %s: %w", src.ID, err)
		}
		if _, err := stmt.Exec(src.ID, src.Name, string(src.Kind), src.Enabled, i, string(params), src.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to save source %s: %w", src.ID, err)
		}
	}

	return tx.Commit()
}
