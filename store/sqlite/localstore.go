package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/basilsync/engine/capability"
)

var _ capability.LocalStore = (*Store)(nil)

// identPattern is the allowed shape of a table name used as a raw SQL
// identifier. Table names come from config.TableConfig, not end-user
// input, but they are string-formatted directly into DDL/DML (SQLite
// does not support parameterized identifiers), so this is the only
// defense against a malformed config producing invalid or injected SQL.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("sqlite: invalid table name %q", name)
	}
	return nil
}

// indexedColumns are extracted out of the JSON blob into real columns so
// the engine's cursor/ownership/tombstone-GC filters can be pushed down
// into SQL instead of requiring a full table scan.
func indexedColumn(name string) (string, bool) {
	switch name {
	case "id", "user_id", "updated_at", "deleted":
		return name, true
	default:
		return "", false
	}
}

// ensureTable lazily creates table with the generic row shape on first
// use. Table names are cached once created so steady-state writes skip
// the DDL round trip.
func (s *Store) ensureTable(ctx context.Context, table string) error {
	if err := validateIdent(table); err != nil {
		return err
	}

	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	if s.known[table] {
		return nil
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL DEFAULT '{}'
	)`, table)
	if _, err := s.sqlDB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: creating table %s: %w", table, err)
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (user_id, updated_at)`, "idx_"+table+"_user_updated", table)
	if _, err := s.sqlDB.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("sqlite: indexing table %s: %w", table, err)
	}

	s.known[table] = true
	return nil
}

func (s *Store) Get(ctx context.Context, table, id string) (capability.Row, error) {
	if err := s.ensureTable(ctx, table); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT data FROM %q WHERE id = ?`, table)
	var data string
	err := s.sqlDB.QueryRowContext(ctx, q, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading row %s/%s: %w", table, id, err)
	}
	return decodeRow(data)
}

func (s *Store) Put(ctx context.Context, table string, row capability.Row) error {
	if err := s.ensureTable(ctx, table); err != nil {
		return err
	}
	return s.putOne(ctx, s.sqlDB, table, row)
}

func (s *Store) putOne(ctx context.Context, exec execer, table string, row capability.Row) error {
	id, userID, updatedAt, deleted, data, err := encodeRow(row)
	if err != nil {
		return fmt.Errorf("sqlite: encoding row for %s: %w", table, err)
	}
	if id == "" {
		return fmt.Errorf("sqlite: row for table %s has no id", table)
	}
	q := fmt.Sprintf(`INSERT INTO %q (id, user_id, updated_at, deleted, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, updated_at = excluded.updated_at, deleted = excluded.deleted, data = excluded.data`, table)
	if _, err := exec.ExecContext(ctx, q, id, userID, updatedAt, boolToInt(deleted), data); err != nil {
		return fmt.Errorf("sqlite: writing row %s/%s: %w", table, id, err)
	}
	return nil
}

func (s *Store) PutBulk(ctx context.Context, table string, rows []capability.Row) error {
	if err := s.ensureTable(ctx, table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: starting bulk write transaction: %w", err)
	}
	for _, row := range rows {
		if err := s.putOne(ctx, tx, table, row); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing bulk write: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q capability.Query) ([]capability.Row, error) {
	if err := s.ensureTable(ctx, q.Table); err != nil {
		return nil, err
	}

	where, args, remaining := sqlWhere(q.Filters)
	query := fmt.Sprintf(`SELECT data FROM %q`, q.Table)
	if where != "" {
		query += " WHERE " + where
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying %s: %w", q.Table, err)
	}
	defer rows.Close()

	var out []capability.Row
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scanning %s row: %w", q.Table, err)
		}
		row, err := decodeRow(data)
		if err != nil {
			return nil, err
		}
		if !matchesFilters(row, remaining) {
			continue
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating %s: %w", q.Table, err)
	}

	sortRows(out, q.OrderBy, q.Descending)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	if q.Columns != nil {
		out = projectRows(out, q.Columns)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	if err := s.ensureTable(ctx, table); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, table)
	if _, err := s.sqlDB.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("sqlite: deleting row %s/%s: %w", table, id, err)
	}
	return nil
}

func (s *Store) DeleteWhere(ctx context.Context, table string, filters []capability.Filter) error {
	if err := s.ensureTable(ctx, table); err != nil {
		return err
	}

	where, args, remaining := sqlWhere(filters)
	if len(remaining) == 0 {
		q := fmt.Sprintf(`DELETE FROM %q`, table)
		if where != "" {
			q += " WHERE " + where
		}
		if _, err := s.sqlDB.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("sqlite: deleting from %s: %w", table, err)
		}
		return nil
	}

	// A filter on a non-indexed (JSON-only) column can't be pushed into
	// the DELETE's WHERE clause, so fetch the matching rows first.
	rows, err := s.Query(ctx, capability.Query{Table: table, Filters: filters})
	if err != nil {
		return err
	}
	for _, row := range rows {
		id := stringOf(row["id"])
		if id == "" {
			continue
		}
		if err := s.Delete(ctx, table, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ClearUserTables(ctx context.Context, tables []string, userID string) error {
	for _, table := range tables {
		if err := s.ensureTable(ctx, table); err != nil {
			return err
		}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: starting clear transaction: %w", err)
	}
	for _, table := range tables {
		// An empty user_id means the table is not owner-scoped (a
		// singleton or device-level row) and is always cleared too.
		q := fmt.Sprintf(`DELETE FROM %q WHERE user_id = ? OR user_id = ''`, table)
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: clearing table %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing clear: %w", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting putOne run
// either standalone or inside PutBulk's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func encodeRow(row capability.Row) (id, userID, updatedAt string, deleted bool, data string, err error) {
	id = stringOf(row["id"])
	userID = stringOf(row["user_id"])
	updatedAt = stringOf(row["updated_at"])
	deleted, _ = row["deleted"].(bool)
	raw, err := json.Marshal(row)
	if err != nil {
		return "", "", "", false, "", err
	}
	return id, userID, updatedAt, deleted, string(raw), nil
}

func decodeRow(data string) (capability.Row, error) {
	var row capability.Row
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("sqlite: decoding row: %w", err)
	}
	return row, nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sqlWhere splits filters into a pushable SQL WHERE clause (over the
// indexed columns) plus whatever filters target a JSON-only field, which
// must be re-checked in Go after decoding each row.
func sqlWhere(filters []capability.Filter) (string, []any, []capability.Filter) {
	var clauses []string
	var args []any
	var remaining []capability.Filter

	for _, f := range filters {
		col, ok := indexedColumn(f.Column)
		if !ok {
			remaining = append(remaining, f)
			continue
		}
		var op string
		switch f.Op {
		case "eq":
			op = "="
		case "gte":
			op = ">="
		case "lt":
			op = "<"
		default:
			remaining = append(remaining, f)
			continue
		}
		clauses = append(clauses, col+" "+op+" ?")
		args = append(args, sqlValue(f.Value))
	}

	return strings.Join(clauses, " AND "), args, remaining
}

func sqlValue(v any) any {
	if b, ok := v.(bool); ok {
		return boolToInt(b)
	}
	return v
}

func matchesFilters(row capability.Row, filters []capability.Filter) bool {
	for _, f := range filters {
		v, ok := row[f.Column]
		if !ok {
			return false
		}
		switch f.Op {
		case "eq":
			if v != f.Value {
				return false
			}
		case "gte":
			if compareValues(v, f.Value) < 0 {
				return false
			}
		case "lt":
			if compareValues(v, f.Value) >= 0 {
				return false
			}
		}
	}
	return true
}

// compareValues orders two filter values: lexically for strings (good
// enough for RFC3339Nano timestamps), numerically otherwise.
func compareValues(a, b any) int {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func sortRows(rows []capability.Row, orderBy string, descending bool) {
	if orderBy == "" {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		c := compareValues(rows[i][orderBy], rows[j][orderBy])
		if descending {
			return c > 0
		}
		return c < 0
	})
}

func projectRows(rows []capability.Row, columns []string) []capability.Row {
	out := make([]capability.Row, len(rows))
	for i, row := range rows {
		projected := make(capability.Row, len(columns))
		for _, c := range columns {
			if v, ok := row[c]; ok {
				projected[c] = v
			}
		}
		out[i] = projected
	}
	return out
}
