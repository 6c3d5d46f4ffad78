// Package schema implements the one-shot capability probe run once at
// engine start: an id-only read per configured table, categorized into
// missing-relation, permission-denied, or other. Grounded in
// server/internal/db/db.go's Ping function — a narrow, side-effect-free
// connectivity check run once before the rest of the server proceeds.
package schema

import (
	"context"
	"strings"

	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/config"
)

// FailureKind categorizes why a table's probe failed.
type FailureKind string

const (
	FailureMissingRelation  FailureKind = "missing_relation"
	FailurePermissionDenied FailureKind = "permission_denied"
	FailureOther            FailureKind = "other"
)

// TableFailure records one table's probe failure.
type TableFailure struct {
	Table string
	Kind  FailureKind
	Err   error
}

// Result is the outcome of Validate: OK only if every configured table's
// probe succeeded.
type Result struct {
	OK       bool
	Failures []TableFailure
}

// Validate runs an id-only read against every configured table, scoped
// by ownership where declared. Only the id column is projected, but Limit
// is left at 0, which the stores treat as no limit, so each probe returns
// the id of every matching row rather than zero rows.
func Validate(ctx context.Context, remote capability.RemoteStore, tables []config.TableConfig, userID string) Result {
	var failures []TableFailure
	for _, table := range tables {
		q := capability.Query{
			Table:   table.Name,
			Columns: []string{"id"},
			Limit:   0,
		}
		if table.OwnershipFilter != "" {
			q.Filters = append(q.Filters, capability.Eq(table.OwnershipFilter, userID))
		}
		if _, err := remote.Fetch(ctx, q); err != nil {
			failures = append(failures, TableFailure{
				Table: table.Name,
				Kind:  classify(err),
				Err:   err,
			})
		}
	}
	return Result{OK: len(failures) == 0, Failures: failures}
}

func classify(err error) FailureKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "relation") && strings.Contains(msg, "does not exist"):
		return FailureMissingRelation
	case strings.Contains(msg, "no such table"):
		return FailureMissingRelation
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "forbidden"), strings.Contains(msg, "403"):
		return FailurePermissionDenied
	default:
		return FailureOther
	}
}
