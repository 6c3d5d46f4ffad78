package netpoll

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoller_TransitionsOfflineWhenProbeFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	p := New(srv.URL, 30*time.Millisecond)
	var offlineFired atomic.Bool
	p.OnOffline(func() { offlineFired.Store(true) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.Eventually(t, func() bool { return p.IsOnline() }, time.Second, 10*time.Millisecond)

	srv.Close()
	require.Eventually(t, func() bool { return !p.IsOnline() }, time.Second, 10*time.Millisecond)
	require.True(t, offlineFired.Load())
}

func TestPoller_FiresOnOnlineAfterRecovery(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			panic(http.ErrAbortHandler)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(srv.URL, 30*time.Millisecond)
	var onlineFired atomic.Bool
	p.OnOnline(func() { onlineFired.Store(true) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.Eventually(t, func() bool { return !p.IsOnline() }, time.Second, 10*time.Millisecond)

	up.Store(true)
	require.Eventually(t, func() bool { return p.IsOnline() }, time.Second, 10*time.Millisecond)
	require.True(t, onlineFired.Load())
}
