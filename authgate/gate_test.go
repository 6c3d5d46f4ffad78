package authgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/capability/capabilitytest"
	"github.com/basilsync/engine/config"
)

func TestBackoffDelay_FourthFailureIs8Seconds(t *testing.T) {
	got := backoffDelay(4)
	require.Equal(t, 8*time.Second, got)
}

func TestBackoffDelay_CapsAtMax(t *testing.T) {
	got := backoffDelay(20)
	require.Equal(t, backoffMax, got)
}

func newTestGate(t *testing.T) (*Gate, *capabilitytest.LocalStore, *capabilitytest.RemoteStore, *capabilitytest.AuthProvider, *capabilitytest.Clock) {
	t.Helper()
	local := capabilitytest.NewLocalStore()
	remote := capabilitytest.NewRemoteStore()
	auth := capabilitytest.NewAuthProvider()
	clock := capabilitytest.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	logger := zap.NewNop()
	g := New(local, remote, auth, clock, capability.SystemCrypto{}, "basil", config.AuthOptions{}, logger)
	return g, local, remote, auth, clock
}

func TestGate_FirstUnlockCachesOfflineCredentials(t *testing.T) {
	ctx := context.Background()
	g, local, _, auth, _ := newTestGate(t)
	auth.Seed("user@example.com", "1234_basil")

	require.NoError(t, g.writeConfig(ctx, singleUserConfig{GateType: "code", CodeLength: 4, Email: "user@example.com"}, g.clock.Now()))

	result, err := g.Unlock(ctx, "1234", "device-1", "Mac")
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, KindOK, result.Kind)

	cached, err := local.Get(ctx, tableOfflineCredentials, rowCurrentUser)
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Equal(t, capability.SystemCrypto{}.HashHex("1234"), cached["gate_hash"])
}

func TestGate_LocalMatchThenWrongGateFailsLocally(t *testing.T) {
	ctx := context.Background()
	g, _, _, auth, _ := newTestGate(t)
	auth.Seed("user@example.com", "1234_basil")
	require.NoError(t, g.writeConfig(ctx, singleUserConfig{Email: "user@example.com"}, g.clock.Now()))

	first, err := g.Unlock(ctx, "1234", "device-1", "Mac")
	require.NoError(t, err)
	require.True(t, first.OK)

	second, err := g.Unlock(ctx, "9999", "device-1", "Mac")
	require.NoError(t, err)
	require.False(t, second.OK)
	require.Equal(t, KindIncorrect, second.Kind)
}

func TestGate_FifthMismatchInvalidatesLocalHash(t *testing.T) {
	ctx := context.Background()
	g, _, _, auth, _ := newTestGate(t)
	auth.Seed("user@example.com", "1234_basil")
	require.NoError(t, g.writeConfig(ctx, singleUserConfig{Email: "user@example.com"}, g.clock.Now()))

	_, err := g.Unlock(ctx, "1234", "device-1", "Mac")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := g.Unlock(ctx, "wrong", "device-1", "Mac")
		require.NoError(t, err)
	}

	cfg, err := g.readConfig(ctx)
	require.NoError(t, err)
	require.Empty(t, cfg.GateHash, "hash should be invalidated after 5 consecutive mismatches")
}

func TestGate_NoLocalHashRateLimitsAfterFailure(t *testing.T) {
	ctx := context.Background()
	g, _, _, _, clock := newTestGate(t)
	require.NoError(t, g.writeConfig(ctx, singleUserConfig{Email: "user@example.com"}, clock.Now()))

	result, err := g.Unlock(ctx, "wrong", "device-1", "Mac")
	require.NoError(t, err)
	require.Equal(t, KindIncorrect, result.Kind)

	result, err = g.Unlock(ctx, "wrong", "device-1", "Mac")
	require.NoError(t, err)
	require.Equal(t, KindRateLimited, result.Kind)
	require.Greater(t, result.RetryAfter, time.Duration(0))
}

func TestGate_UntrustedDeviceRequiresVerification_S6(t *testing.T) {
	ctx := context.Background()
	local := capabilitytest.NewLocalStore()
	remote := capabilitytest.NewRemoteStore()
	auth := capabilitytest.NewAuthProvider()
	clock := capabilitytest.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	auth.Seed("user@example.com", "1234_basil")

	g := New(local, remote, auth, clock, capability.SystemCrypto{}, "basil", config.AuthOptions{
		DeviceVerification: &config.DeviceVerificationOptions{Enabled: true, TrustDurationDays: 90},
	}, zap.NewNop())
	require.NoError(t, g.writeConfig(ctx, singleUserConfig{Email: "user@example.com"}, clock.Now()))

	result, err := g.Unlock(ctx, "1234", "device-1", "Mac")
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, KindDeviceVerificationRequired, result.Kind)
	require.NotEmpty(t, result.MaskedEmail)

	token, ok := auth.LastOTPToken("user@example.com")
	require.True(t, ok)

	require.NoError(t, g.ConfirmDeviceVerification(ctx, token, "device-2", "Phone", clock.Now()))

	trustedOriginating := g.IsDeviceTrusted(ctx, result.Session.UserID, "device-1", clock.Now())
	require.True(t, trustedOriginating)
	trustedConfirming := g.IsDeviceTrusted(ctx, result.Session.UserID, "device-2", clock.Now())
	require.True(t, trustedConfirming)
}

func TestGate_TrustFailsClosedOnRemoteError(t *testing.T) {
	ctx := context.Background()
	g, _, remote, _, clock := newTestGate(t)
	remote.ErrorOnNextCall = context.DeadlineExceeded

	trusted := g.IsDeviceTrusted(ctx, "user-1", "device-1", clock.Now())
	require.False(t, trusted)
}

// TestGate_ReadConfigSurvivesJSONRoundTrippedCodeLength guards against
// reading code_length with a bare type assertion: store/sqlite decodes
// every system-table row through encoding/json into map[string]any, which
// turns a written int back into a float64.
func TestGate_ReadConfigSurvivesJSONRoundTrippedCodeLength(t *testing.T) {
	ctx := context.Background()
	g, local, _, _, clock := newTestGate(t)
	require.NoError(t, g.writeConfig(ctx, singleUserConfig{GateType: "code", CodeLength: 4, Email: "user@example.com"}, clock.Now()))

	row, err := local.Get(ctx, tableSingleUserConfig, rowConfig)
	require.NoError(t, err)
	row["code_length"] = float64(row["code_length"].(int))
	require.NoError(t, local.Put(ctx, tableSingleUserConfig, row))

	cfg, err := g.readConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.CodeLength)
}
