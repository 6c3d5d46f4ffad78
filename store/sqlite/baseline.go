package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basilsync/engine/engine"
	"github.com/basilsync/engine/resolve"
)

var (
	_ engine.BaselineStore   = (*Store)(nil)
	_ engine.HistoryRecorder = (*Store)(nil)
)

// GetBaseline reads the last-synced value of a numeric-merge field from
// the field_baseline shadow table (DESIGN.md's Open Question 2 decision).
func (s *Store) GetBaseline(ctx context.Context, table, entityID, field string) (any, bool, error) {
	var raw string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT value FROM field_baseline WHERE table_name = ? AND entity_id = ? AND field = ?`,
		table, entityID, field,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: reading baseline %s/%s/%s: %w", table, entityID, field, err)
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("sqlite: decoding baseline %s/%s/%s: %w", table, entityID, field, err)
	}
	return value, true, nil
}

// SetBaseline persists value as the new last-synced value for the field,
// called by the engine at the end of every successful merge.
func (s *Store) SetBaseline(ctx context.Context, table, entityID, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sqlite: encoding baseline %s/%s/%s: %w", table, entityID, field, err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO field_baseline (table_name, entity_id, field, value) VALUES (?, ?, ?, ?)
			ON CONFLICT(table_name, entity_id, field) DO UPDATE SET value = excluded.value`,
		table, entityID, field, string(raw),
	)
	if err != nil {
		return fmt.Errorf("sqlite: writing baseline %s/%s/%s: %w", table, entityID, field, err)
	}
	return nil
}

// RecordHistory appends every resolve.HistoryEntry to the conflict_history
// trail, in one transaction.
func (s *Store) RecordHistory(ctx context.Context, entries []resolve.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: starting history transaction: %w", err)
	}
	for _, e := range entries {
		local, err := json.Marshal(e.LocalValue)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: encoding history local value: %w", err)
		}
		remote, err := json.Marshal(e.RemoteValue)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: encoding history remote value: %w", err)
		}
		resolved, err := json.Marshal(e.ResolvedValue)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: encoding history resolved value: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO conflict_history (entity_id, entity_type, field, local_value, remote_value, resolved_value, winner, strategy, resolved_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EntityID, e.EntityType, e.Field, string(local), string(remote), string(resolved), string(e.Winner), e.Strategy, e.Timestamp.Format(time.RFC3339Nano),
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: inserting history entry for %s/%s: %w", e.EntityType, e.EntityID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing history: %w", err)
	}
	return nil
}

// RecentHistory returns the most recent limit conflict_history entries,
// newest first, for the diagnostics snapshot's conflicts section.
func (s *Store) RecentHistory(ctx context.Context, limit int) ([]resolve.HistoryEntry, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT entity_id, entity_type, field, local_value, remote_value, resolved_value, winner, strategy, resolved_at
			FROM conflict_history ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying recent history: %w", err)
	}
	defer rows.Close()

	var entries []resolve.HistoryEntry
	for rows.Next() {
		var e resolve.HistoryEntry
		var local, remote, resolved, winner, resolvedAt string
		if err := rows.Scan(&e.EntityID, &e.EntityType, &e.Field, &local, &remote, &resolved, &winner, &e.Strategy, &resolvedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning history entry: %w", err)
		}
		if err := json.Unmarshal([]byte(local), &e.LocalValue); err != nil {
			return nil, fmt.Errorf("sqlite: decoding history local value: %w", err)
		}
		if err := json.Unmarshal([]byte(remote), &e.RemoteValue); err != nil {
			return nil, fmt.Errorf("sqlite: decoding history remote value: %w", err)
		}
		if err := json.Unmarshal([]byte(resolved), &e.ResolvedValue); err != nil {
			return nil, fmt.Errorf("sqlite: decoding history resolved value: %w", err)
		}
		e.Winner = resolve.Winner(winner)
		ts, err := time.Parse(time.RFC3339Nano, resolvedAt)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parsing history timestamp: %w", err)
		}
		e.Timestamp = ts
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating recent history: %w", err)
	}
	return entries, nil
}
