package rest

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/basilsync/engine/capability"
)

// buildSelectQuery translates a capability.Query into a PostgREST-style
// query string, directly modeled on
// infrastructure/database/generic_repository.go's QueryBuilder
// (Eq/Gte/Lte/OrderAsc/OrderDesc/Limit/Build) from the r3e pack repo,
// generalized from that builder's fixed eq/gte/lte method set to the three
// capability.Filter operators the engine actually issues.
func buildSelectQuery(q capability.Query) string {
	var parts []string

	for _, f := range q.Filters {
		parts = append(parts, filterParam(f))
	}

	if len(q.Columns) > 0 {
		parts = append(parts, "select="+url.QueryEscape(strings.Join(q.Columns, ",")))
	}

	if q.OrderBy != "" {
		direction := "asc"
		if q.Descending {
			direction = "desc"
		}
		parts = append(parts, fmt.Sprintf("order=%s.%s", q.OrderBy, direction))
	}

	if q.Limit > 0 {
		parts = append(parts, "limit="+strconv.Itoa(q.Limit))
	}

	return strings.Join(parts, "&")
}

// filterParam renders one capability.Filter as a "<column>=<op>.<value>"
// query parameter, matching spec.md §6's wire model
// ("user_id=eq.<id>", "updated_at=gte.<cursor>").
func filterParam(f capability.Filter) string {
	var op string
	switch f.Op {
	case "eq":
		op = "eq"
	case "gte":
		op = "gte"
	case "lt":
		op = "lt"
	default:
		op = "eq"
	}
	return fmt.Sprintf("%s=%s.%s", f.Column, op, url.QueryEscape(valueToQueryString(f.Value)))
}

// valueToQueryString renders a filter value the way PostgREST expects it on
// the wire: RFC3339 for timestamps, lowercase for booleans, plain decimal
// for numbers.
func valueToQueryString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// deleteQuery builds the "id=eq.<id>" query string for a single-row delete.
func deleteQuery(id string) string {
	return fmt.Sprintf("id=eq.%s", url.QueryEscape(id))
}

// upsertQuery builds the on_conflict query string for an upsert. Every row
// the engine writes carries an "id" primary key (outbox.Item always
// populates it — see engine/sync.go's pushItem), so the natural-key clause
// is fixed to "id" rather than taken from config.TableConfig.
func upsertQuery() string {
	return "on_conflict=id"
}
