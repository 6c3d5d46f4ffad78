package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/basilsync/engine/config"
)

// tableSpec is the on-disk JSON shape of one configured table, decoded
// into a config.TableConfig. Kept as a separate wire struct rather than
// JSON tags on config.TableConfig itself so the engine package stays free
// of serialization concerns.
type tableSpec struct {
	Name                string   `json:"name"`
	Columns             []string `json:"columns"`
	OwnershipFilter     string   `json:"ownershipFilter"`
	IsSingleton         bool     `json:"isSingleton"`
	ExcludeFromConflict []string `json:"excludeFromConflict"`
	NumericMergeFields  []string `json:"numericMergeFields"`
}

// loadTables reads a JSON array of tableSpec from path and converts it to
// the engine's []config.TableConfig.
func loadTables(path string) ([]config.TableConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tables config %s: %w", path, err)
	}

	var specs []tableSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parsing tables config %s: %w", path, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("tables config %s declares no tables", path)
	}

	tables := make([]config.TableConfig, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("tables config %s: entry %d has no name", path, i)
		}
		tables[i] = config.TableConfig{
			Name:                s.Name,
			Columns:             s.Columns,
			OwnershipFilter:     s.OwnershipFilter,
			IsSingleton:         s.IsSingleton,
			ExcludeFromConflict: s.ExcludeFromConflict,
			NumericMergeFields:  s.NumericMergeFields,
		}
	}
	return tables, nil
}
