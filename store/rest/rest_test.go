package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basilsync/engine/capability"
)

func TestBuildSelectQuery(t *testing.T) {
	q := capability.Query{
		Table:   "notes",
		Columns: []string{"id", "title"},
		Filters: []capability.Filter{
			capability.Eq("user_id", "user-1"),
			capability.Gte("updated_at", "2026-01-01T00:00:00Z"),
		},
		OrderBy:    "updated_at",
		Descending: false,
		Limit:      50,
	}

	query := buildSelectQuery(q)
	require.Contains(t, query, "user_id=eq.user-1")
	require.Contains(t, query, "updated_at=gte.2026-01-01T00%3A00%3A00Z")
	require.Contains(t, query, "select=id%2Ctitle")
	require.Contains(t, query, "order=updated_at.asc")
	require.Contains(t, query, "limit=50")
}

func TestStore_FetchSendsFilterQueryAndDecodesRows(t *testing.T) {
	var gotQuery string
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotHeaders = r.Header
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"n1","title":"hello"}]`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "anon-key"})
	require.NoError(t, err)
	store := NewRemoteStore(client, staticToken("user-token"))

	rows, err := store.Fetch(t.Context(), capability.Query{
		Table:   "notes",
		Filters: []capability.Filter{capability.Eq("user_id", "user-1")},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "hello", rows[0]["title"])
	require.Contains(t, gotQuery, "user_id=eq.user-1")
	require.Equal(t, "Bearer user-token", gotHeaders.Get("Authorization"))
	require.Equal(t, "anon-key", gotHeaders.Get("apikey"))
}

func TestStore_UpsertSendsMergeDuplicatesPreferHeader(t *testing.T) {
	var gotPrefer, gotQuery string
	var gotBody []capability.Row
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrefer = r.Header.Get("Prefer")
		gotQuery = r.URL.RawQuery
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "anon-key"})
	require.NoError(t, err)
	store := NewRemoteStore(client, staticToken(""))

	err = store.Upsert(t.Context(), "notes", []capability.Row{{"id": "n1", "title": "hi"}})
	require.NoError(t, err)
	require.Contains(t, gotPrefer, "resolution=merge-duplicates")
	require.Equal(t, "on_conflict=id", gotQuery)
	require.Len(t, gotBody, 1)
}

func TestStore_DeleteByIDSendsEqFilter(t *testing.T) {
	var gotMethod, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "anon-key"})
	require.NoError(t, err)
	store := NewRemoteStore(client, staticToken(""))

	require.NoError(t, store.DeleteByID(t.Context(), "notes", "n1"))
	require.Equal(t, http.MethodDelete, gotMethod)
	require.Equal(t, "id=eq.n1", gotQuery)
}

func TestStore_CallDecodesSingleObjectOrArrayResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"reset": true}]`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "anon-key"})
	require.NoError(t, err)
	store := NewRemoteStore(client, staticToken(""))

	row, err := store.Call(t.Context(), "reset_account", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, true, row["reset"])
}

func TestStore_ErrorResponseIsWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"row level security violation"}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "anon-key"})
	require.NoError(t, err)
	store := NewRemoteStore(client, staticToken(""))

	_, err = store.Fetch(t.Context(), capability.Query{Table: "notes"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")
}

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }
