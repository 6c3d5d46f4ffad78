package authstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basilsync/engine/authgate"
	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/capability/capabilitytest"
	"github.com/basilsync/engine/config"
)

func newTestResolver(t *testing.T, cfg *config.Config) (*Resolver, *capabilitytest.LocalStore, *capabilitytest.RemoteStore) {
	t.Helper()
	local := capabilitytest.NewLocalStore()
	remote := capabilitytest.NewRemoteStore()
	auth := capabilitytest.NewAuthProvider()
	clock := capabilitytest.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	gate := authgate.New(local, remote, auth, clock, capability.SystemCrypto{}, cfg.Prefix, cfg.Auth, zap.NewNop())
	r := New(local, auth, remote, gate, clock, cfg, zap.NewNop())
	return r, local, remote
}

// TestResolver_MatchingCodeLengthSurvivesJSONRoundTrip guards against
// reading code_length with a bare type assertion: store/sqlite decodes
// every system-table row through encoding/json into map[string]any, which
// turns a written int back into a float64. A bare `.(int)` assertion
// always fails in that case, making the resolver believe a fresh
// code-length mismatch happened on every boot and fire reset_account.
func TestResolver_MatchingCodeLengthSurvivesJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Prefix: "basil",
		Auth:   config.AuthOptions{SingleUser: &config.SingleUserOptions{GateType: "code", CodeLength: 4}},
	}
	cfg.Defaults()
	r, local, remote := newTestResolver(t, cfg)

	resetCalled := false
	remote.SeedRPC("reset_account", func(args map[string]any) (capability.Row, error) {
		resetCalled = true
		return nil, nil
	})

	require.NoError(t, local.Put(ctx, tableSingleUserConfig, capability.Row{
		"id":          rowConfig,
		"email":       "user@example.com",
		"code_length": float64(4), // simulates the value after a JSON round trip
	}))

	result, err := r.Resolve(ctx)
	require.NoError(t, err)
	require.False(t, resetCalled, "matching code length must not trigger reset_account")
	require.Equal(t, ModeNone, result.Mode)
	require.True(t, result.ServerConfigured, "config was present and code length matched, so the account is not being reset")
}

// TestResolver_MismatchedCodeLengthTriggersReset is the inverse: a real
// mismatch must still be detected once the value is correctly compared
// numerically.
func TestResolver_MismatchedCodeLengthTriggersReset(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Prefix: "basil",
		Auth:   config.AuthOptions{SingleUser: &config.SingleUserOptions{GateType: "code", CodeLength: 6}},
	}
	cfg.Defaults()
	r, local, remote := newTestResolver(t, cfg)

	resetCalled := false
	remote.SeedRPC("reset_account", func(args map[string]any) (capability.Row, error) {
		resetCalled = true
		return nil, nil
	})

	require.NoError(t, local.Put(ctx, tableSingleUserConfig, capability.Row{
		"id":          rowConfig,
		"email":       "user@example.com",
		"code_length": float64(4),
	}))

	result, err := r.Resolve(ctx)
	require.NoError(t, err)
	require.True(t, resetCalled, "a genuine code-length mismatch must still trigger reset_account")
	require.Equal(t, ModeNone, result.Mode)
	require.False(t, result.ServerConfigured)
}
