// Package capabilitytest provides in-memory fakes of the six capability
// interfaces for scenario tests. The teacher repo ships no test doubles of
// its own; this follows the hand-written mock-repository pattern used
// elsewhere in the retrieved pack (map + mutex + injectable error, a
// compile-time interface assertion).
package capabilitytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/basilsync/engine/capability"
)

// LocalStore is an in-memory capability.LocalStore.
type LocalStore struct {
	mu sync.Mutex

	tables map[string]map[string]capability.Row

	// ErrorOnNextCall, if set, is returned (and cleared) by the next call.
	ErrorOnNextCall error
}

var _ capability.LocalStore = (*LocalStore)(nil)

func NewLocalStore() *LocalStore {
	return &LocalStore{tables: make(map[string]map[string]capability.Row)}
}

func (s *LocalStore) checkError() error {
	if s.ErrorOnNextCall != nil {
		err := s.ErrorOnNextCall
		s.ErrorOnNextCall = nil
		return err
	}
	return nil
}

func (s *LocalStore) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkError()
}

func (s *LocalStore) table(name string) map[string]capability.Row {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]capability.Row)
		s.tables[name] = t
	}
	return t
}

func (s *LocalStore) Get(ctx context.Context, table, id string) (capability.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	row, ok := s.table(table)[id]
	if !ok {
		return nil, nil
	}
	return cloneRow(row), nil
}

func (s *LocalStore) Put(ctx context.Context, table string, row capability.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	id, _ := row["id"].(string)
	s.table(table)[id] = cloneRow(row)
	return nil
}

func (s *LocalStore) PutBulk(ctx context.Context, table string, rows []capability.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	t := s.table(table)
	for _, row := range rows {
		id, _ := row["id"].(string)
		t[id] = cloneRow(row)
	}
	return nil
}

func (s *LocalStore) Query(ctx context.Context, q capability.Query) ([]capability.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	var out []capability.Row
	for _, row := range s.table(q.Table) {
		if matches(row, q.Filters) {
			out = append(out, cloneRow(row))
		}
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

func (s *LocalStore) Delete(ctx context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	delete(s.table(table), id)
	return nil
}

func (s *LocalStore) DeleteWhere(ctx context.Context, table string, filters []capability.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	t := s.table(table)
	for id, row := range t {
		if matches(row, filters) {
			delete(t, id)
		}
	}
	return nil
}

func (s *LocalStore) ClearUserTables(ctx context.Context, tables []string, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	for _, name := range tables {
		t := s.table(name)
		for id, row := range t {
			if uid, ok := row["user_id"].(string); !ok || uid == userID {
				delete(t, id)
			}
		}
	}
	return nil
}

// Rows returns a snapshot of every row currently in table, for assertions.
func (s *LocalStore) Rows(table string) []capability.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []capability.Row
	for _, row := range s.table(table) {
		out = append(out, cloneRow(row))
	}
	sortRows(out, "id", false)
	return out
}

// RemoteStore is an in-memory capability.RemoteStore.
type RemoteStore struct {
	mu sync.Mutex

	tables map[string]map[string]capability.Row
	rpcs   map[string]func(args map[string]any) (capability.Row, error)

	ErrorOnNextCall error
	// UpsertCalls records every Upsert invocation, for assertions that a
	// batch was coalesced into a single network call.
	UpsertCalls []UpsertCall
}

// UpsertCall records one Upsert invocation against the fake RemoteStore.
type UpsertCall struct {
	Table string
	Rows  []capability.Row
}

var _ capability.RemoteStore = (*RemoteStore)(nil)

func NewRemoteStore() *RemoteStore {
	return &RemoteStore{
		tables: make(map[string]map[string]capability.Row),
		rpcs:   make(map[string]func(args map[string]any) (capability.Row, error)),
	}
}

func (s *RemoteStore) checkError() error {
	if s.ErrorOnNextCall != nil {
		err := s.ErrorOnNextCall
		s.ErrorOnNextCall = nil
		return err
	}
	return nil
}

func (s *RemoteStore) table(name string) map[string]capability.Row {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]capability.Row)
		s.tables[name] = t
	}
	return t
}

// Seed directly populates a row, bypassing Upsert bookkeeping — used to set
// up the "remote already has this row" fixture state.
func (s *RemoteStore) Seed(table string, row capability.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := row["id"].(string)
	s.table(table)[id] = cloneRow(row)
}

// SeedRPC registers a handler for a named RPC.
func (s *RemoteStore) SeedRPC(name string, fn func(args map[string]any) (capability.Row, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpcs[name] = fn
}

func (s *RemoteStore) Fetch(ctx context.Context, q capability.Query) ([]capability.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	var out []capability.Row
	for _, row := range s.table(q.Table) {
		if matches(row, q.Filters) {
			out = append(out, cloneRow(row))
		}
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

func (s *RemoteStore) Upsert(ctx context.Context, table string, rows []capability.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	recorded := make([]capability.Row, len(rows))
	t := s.table(table)
	for i, row := range rows {
		id, _ := row["id"].(string)
		t[id] = cloneRow(row)
		recorded[i] = cloneRow(row)
	}
	s.UpsertCalls = append(s.UpsertCalls, UpsertCall{Table: table, Rows: recorded})
	return nil
}

func (s *RemoteStore) DeleteByID(ctx context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	delete(s.table(table), id)
	return nil
}

func (s *RemoteStore) Call(ctx context.Context, name string, args map[string]any) (capability.Row, error) {
	s.mu.Lock()
	fn, ok := s.rpcs[name]
	s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return fn(args)
}

// KeyValueStore is an in-memory capability.KeyValueStore.
type KeyValueStore struct {
	mu     sync.Mutex
	values map[string]string
}

var _ capability.KeyValueStore = (*KeyValueStore)(nil)

func NewKeyValueStore() *KeyValueStore {
	return &KeyValueStore{values: make(map[string]string)}
}

func (s *KeyValueStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *KeyValueStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *KeyValueStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// Clock is a controllable capability.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

var _ capability.Clock = (*Clock)(nil)

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Network is a controllable capability.Network.
type Network struct {
	mu               sync.Mutex
	online           bool
	onOnline         []func()
	onOffline        []func()
	onVisibleChanged []func(bool)
}

var _ capability.Network = (*Network)(nil)

func NewNetwork(online bool) *Network { return &Network{online: online} }

func (n *Network) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *Network) OnOnline(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onOnline = append(n.onOnline, fn)
}

func (n *Network) OnOffline(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onOffline = append(n.onOffline, fn)
}

func (n *Network) OnVisibilityChange(fn func(bool)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onVisibleChanged = append(n.onVisibleChanged, fn)
}

// SetOnline flips connectivity and fires the matching registered callbacks.
func (n *Network) SetOnline(online bool) {
	n.mu.Lock()
	changed := n.online != online
	n.online = online
	var cbs []func()
	if changed {
		if online {
			cbs = append(cbs, n.onOnline...)
		} else {
			cbs = append(cbs, n.onOffline...)
		}
	}
	n.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// SetVisible fires every registered visibility callback with visible.
func (n *Network) SetVisible(visible bool) {
	n.mu.Lock()
	cbs := append([]func(bool){}, n.onVisibleChanged...)
	n.mu.Unlock()
	for _, cb := range cbs {
		cb(visible)
	}
}

func matches(row capability.Row, filters []capability.Filter) bool {
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
			if compare(v, f.Value) < 0 {
				return false
			}
		case "lt":
			if compare(v, f.Value) >= 0 {
				return false
			}
		}
	}
	return true
}

// compare orders two filter values, supporting strings (lexical, good
// enough for ISO-8601 timestamps) and float64/int-ish numerics.
func compare(a, b any) int {
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
		c := compare(rows[i][orderBy], rows[j][orderBy])
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

func cloneRow(row capability.Row) capability.Row {
	out := make(capability.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
