package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	settingDefaultsEnabled  = "defaults_enabled"
	settingDefaultsDisabled = "defaults_disabled"
)

// getSetting decodes the JSON value stored under key into out. It reports false when
// the key has never been written.
func (db *DB) getSetting(key string, out any) (bool, error) {
	var raw string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to decode setting %s: %w", key, err)
	}
	return true, nil
}

func (db *DB) setSetting(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	_, err = db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// LoadDefaultsState returns whether the built-in group is enabled and which built-in
// ids were individually disabled. A fresh database has the group enabled.
func (db *DB) LoadDefaultsState() (bool, []string, error) {
	enabled := true
	if _, err := db.getSetting(settingDefaultsEnabled, &enabled); err != nil {
		return true, nil, err
	}
	var disabled []string
	if _, err := db.getSetting(settingDefaultsDisabled, &disabled); err != nil {
		return enabled, nil, err
	}
	return enabled, disabled, nil
}

// SaveDefaultsState persists the built-in group flag and the individually disabled ids
func (db *DB) SaveDefaultsState(enabled bool, disabled []string) error {
	if disabled == nil {
		disabled = []string{}
	}
	if err := db.setSetting(settingDefaultsEnabled, enabled); err != nil {
		return err
	}
	return db.setSetting(settingDefaultsDisabled, disabled)
}
