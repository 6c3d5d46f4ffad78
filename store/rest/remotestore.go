package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basilsync/engine/capability"
)

// TokenSource supplies the current bearer token for outgoing REST calls.
// Provider implements it directly; a host using a different AuthProvider
// can supply its own.
type TokenSource interface {
	AccessToken() string
}

// Store is the reference capability.RemoteStore implementation.
type Store struct {
	client *Client
	tokens TokenSource
}

var _ capability.RemoteStore = (*Store)(nil)

// NewRemoteStore constructs a Store over client, authenticating every
// request with tokens.AccessToken() (falling back to the apikey as the
// bearer token when it returns "", e.g. before any session exists).
func NewRemoteStore(client *Client, tokens TokenSource) *Store {
	return &Store{client: client, tokens: tokens}
}

func (s *Store) token() string {
	if s.tokens == nil {
		return ""
	}
	return s.tokens.AccessToken()
}

// Fetch implements spec.md §6's wire model:
// GET /<table>?user_id=eq.<id>&updated_at=gte.<cursor>&select=<columns>&order=updated_at.asc
func (s *Store) Fetch(ctx context.Context, q capability.Query) ([]capability.Row, error) {
	query := buildSelectQuery(q)
	var rows []capability.Row
	if err := s.client.doJSON(ctx, http.MethodGet, s.client.restURL(q.Table, query), s.token(), nil, &rows, nil); err != nil {
		return nil, fmt.Errorf("rest: fetching %s: %w", q.Table, err)
	}
	return rows, nil
}

// Upsert implements spec.md §6's POST /<table> upsert, using
// Prefer: resolution=merge-duplicates on the natural key ("id"), matching
// infrastructure/database/supabase_client.go's Upsert header convention.
func (s *Store) Upsert(ctx context.Context, table string, rows []capability.Row) error {
	if len(rows) == 0 {
		return nil
	}
	headers := map[string]string{
		"Prefer": "return=minimal,resolution=merge-duplicates",
	}
	if err := s.client.doJSON(ctx, http.MethodPost, s.client.restURL(table, upsertQuery()), s.token(), rows, nil, headers); err != nil {
		return fmt.Errorf("rest: upserting %s: %w", table, err)
	}
	return nil
}

// DeleteByID implements spec.md §6's DELETE /<table>?id=eq.<id>.
func (s *Store) DeleteByID(ctx context.Context, table, id string) error {
	if err := s.client.doJSON(ctx, http.MethodDelete, s.client.restURL(table, deleteQuery(id)), s.token(), nil, nil, nil); err != nil {
		return fmt.Errorf("rest: deleting %s/%s: %w", table, id, err)
	}
	return nil
}

// Call invokes a PostgREST RPC endpoint (POST /rpc/<name>), used for the
// account-reset RPC (authstate.go). The response
// may come back as a single JSON object or a one-element array — both
// shapes are accepted.
func (s *Store) Call(ctx context.Context, name string, args map[string]any) (capability.Row, error) {
	rawURL := fmt.Sprintf("%s%s/rpc/%s", s.client.baseURL, s.client.restPrefix, name)

	var raw json.RawMessage
	if err := s.client.doJSON(ctx, http.MethodPost, rawURL, s.token(), args, &raw, nil); err != nil {
		return nil, fmt.Errorf("rest: calling rpc %s: %w", name, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var asArray []capability.Row
	if err := json.Unmarshal(raw, &asArray); err == nil {
		if len(asArray) > 0 {
			return asArray[0], nil
		}
		return nil, nil
	}

	var asObject capability.Row
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil, fmt.Errorf("rest: decoding rpc %s response: %w", name, err)
	}
	return asObject, nil
}
