package hoststore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Get returns the stored JSON value of each requested key that exists.
// With no keys every stored setting is returned.
func (s *Store) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	query := `SELECT key, value FROM settings`
	args := make([]any, len(keys))
	if len(keys) > 0 {
		query += ` WHERE key IN (?` + strings.Repeat(`, ?`, len(keys)-1) + `)`
		for i, k := range keys {
			args[i] = k
		}
	}
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hoststore: get settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage, len(keys))
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}

// Set stores every value as JSON in a single transaction.
func (s *Store) Set(ctx context.Context, values map[string]any) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("hoststore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("hoststore: prepare settings upsert: %w", err)
	}
	defer stmt.Close()

	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("hoststore: encode setting %s: %w", k, err)
		}
		if _, err := stmt.ExecContext(ctx, k, string(data)); err != nil {
			return fmt.Errorf("hoststore: set %s: %w", k, err)
		}
	}
	return tx.Commit()
}
