package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadTables_ParsesTableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{
			"name": "notes",
			"columns": ["id", "user_id", "title", "updated_at", "deleted"],
			"ownershipFilter": "user_id",
			"numericMergeFields": ["view_count"]
		}
	]`), 0o644))

	tables, err := loadTables(path)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, "notes", tables[0].Name)
	require.Equal(t, "user_id", tables[0].OwnershipFilter)
	require.Equal(t, []string{"view_count"}, tables[0].NumericMergeFields)
}

func TestLoadTables_RejectsEmptyArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.json")
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o644))

	_, err := loadTables(path)
	require.Error(t, err)
}

func TestLoadTables_RejectsEntryMissingName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"columns": ["id"]}]`), 0o644))

	_, err := loadTables(path)
	require.Error(t, err)
}
