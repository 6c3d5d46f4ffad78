package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basilsync/engine/capability"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func TestChannel_SubscribeDeliversDecodedChangeEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "user-1", r.URL.Query().Get("user_id"))
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(
			`{"table":"notes","event":"UPDATE","record":{"id":"n1","title":"hi"},"old_record":{"id":"n1","title":"old"}}`,
		)))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "anon-key"})
	require.NoError(t, err)
	ch := NewChannel(client, staticToken("user-token"), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events, err := ch.Subscribe(ctx, []string{"notes"}, "user-1")
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, "notes", ev.Table)
		require.Equal(t, capability.EventUpdate, ev.EventType)
		require.Equal(t, "hi", ev.Record["title"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
	}

	require.NoError(t, ch.Unsubscribe())
}

func TestChannel_StateTransitionsToConnectingThenConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "anon-key"})
	require.NoError(t, err)
	ch := NewChannel(client, staticToken(""), zap.NewNop())

	var seen []capability.ConnectionState
	done := make(chan struct{}, 4)
	ch.OnStateChange(func(s capability.ConnectionState) {
		seen = append(seen, s)
		done <- struct{}{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = ch.Subscribe(ctx, []string{"notes"}, "user-1")
	require.NoError(t, err)

	<-done
	<-done

	require.Contains(t, seen, capability.StateConnecting)
	require.Contains(t, seen, capability.StateConnected)
}

func TestChannel_DiscardsMalformedFrameWithoutClosing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"table":"notes","event":"INSERT","record":{"id":"n2"}}`)))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "anon-key"})
	require.NoError(t, err)
	ch := NewChannel(client, staticToken(""), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, err := ch.Subscribe(ctx, []string{"notes"}, "user-1")
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, "n2", ev.Record["id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the well-formed frame after the malformed one")
	}
}
