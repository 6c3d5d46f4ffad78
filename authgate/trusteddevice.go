package authgate

import (
	"context"
	"fmt"
	"time"

	"github.com/basilsync/engine/capability"
)

// tableTrustedDevices is the remote table name (spec.md §6): composite
// natural key (user_id, device_id, app_prefix).
const tableTrustedDevices = "trusted_devices"

func pendingDeviceIDKey(prefix string) string    { return "pending_" + prefix + "_device_id" }
func pendingDeviceLabelKey(prefix string) string { return "pending_" + prefix + "_device_label" }

// checkTrustedDevice queries the trusted-devices table for
// (userID, deviceID, appPrefix) with last_used_at within the configured
// trust window. Fails closed: any remote error returns (false, err).
func (g *Gate) checkTrustedDevice(ctx context.Context, userID, deviceID string, now time.Time) (bool, error) {
	trustDays := 90
	if g.opts.DeviceVerification != nil && g.opts.DeviceVerification.TrustDurationDays > 0 {
		trustDays = g.opts.DeviceVerification.TrustDurationDays
	}
	cutoff := now.Add(-time.Duration(trustDays) * 24 * time.Hour).Format(time.RFC3339Nano)

	rows, err := g.remote.Fetch(ctx, capability.Query{
		Table: tableTrustedDevices,
		Filters: []capability.Filter{
			capability.Eq("user_id", userID),
			capability.Eq("device_id", deviceID),
			capability.Eq("app_prefix", g.appPrefix),
			capability.Gte("last_used_at", cutoff),
		},
		Limit: 1,
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDeviceNotTrusted, err)
	}
	return len(rows) > 0, nil
}

// beginDeviceVerification stores the originating device's id+label under
// namespaced pending metadata keys and sends a one-time code to the
// account's email. The session is kept alive so the originating device can
// poll isDeviceTrusted until the confirmation link is opened.
func (g *Gate) beginDeviceVerification(ctx context.Context, email, deviceID, deviceLabel string) error {
	if err := g.auth.UpdateUserMetadata(ctx, map[string]any{
		pendingDeviceIDKey(g.appPrefix):    deviceID,
		pendingDeviceLabelKey(g.appPrefix): deviceLabel,
	}); err != nil {
		return fmt.Errorf("authgate: storing pending device metadata: %w", err)
	}
	if err := g.auth.SendOneTimeCode(ctx, email); err != nil {
		return fmt.Errorf("authgate: sending one-time code: %w", err)
	}
	return nil
}

// ConfirmDeviceVerification verifies the one-time code, then trusts both
// the pending device (from the session's metadata) and the device that
// opened the confirmation link, clearing the pending keys. The "sign-in"
// is only considered complete once this runs.
func (g *Gate) ConfirmDeviceVerification(ctx context.Context, tokenHash, confirmingDeviceID, confirmingLabel string, now time.Time) error {
	session, err := g.auth.VerifyOneTimeCode(ctx, tokenHash)
	if err != nil {
		return fmt.Errorf("authgate: verifying one-time code: %w", err)
	}

	pendingID, _ := session.Metadata[pendingDeviceIDKey(g.appPrefix)].(string)
	pendingLabel, _ := session.Metadata[pendingDeviceLabelKey(g.appPrefix)].(string)

	rows := []capability.Row{
		{
			"id":            g.crypto.NewUUID(),
			"user_id":       session.UserID,
			"device_id":     confirmingDeviceID,
			"device_label":  confirmingLabel,
			"app_prefix":    g.appPrefix,
			"trusted_at":    now.Format(time.RFC3339Nano),
			"last_used_at":  now.Format(time.RFC3339Nano),
		},
	}
	if pendingID != "" && pendingID != confirmingDeviceID {
		rows = append(rows, capability.Row{
			"id":           g.crypto.NewUUID(),
			"user_id":      session.UserID,
			"device_id":    pendingID,
			"device_label": pendingLabel,
			"app_prefix":   g.appPrefix,
			"trusted_at":   now.Format(time.RFC3339Nano),
			"last_used_at": now.Format(time.RFC3339Nano),
		})
	}

	if err := g.remote.Upsert(ctx, tableTrustedDevices, rows); err != nil {
		return fmt.Errorf("authgate: trusting devices: %w", err)
	}

	if err := g.auth.UpdateUserMetadata(ctx, map[string]any{
		pendingDeviceIDKey(g.appPrefix):    nil,
		pendingDeviceLabelKey(g.appPrefix): nil,
	}); err != nil {
		return fmt.Errorf("authgate: clearing pending device metadata: %w", err)
	}

	return nil
}

// IsDeviceTrusted exposes checkTrustedDevice for the poll loop the
// originating device runs while waiting on confirmation (spec.md S6's
// pollDeviceVerification).
func (g *Gate) IsDeviceTrusted(ctx context.Context, userID, deviceID string, now time.Time) bool {
	trusted, err := g.checkTrustedDevice(ctx, userID, deviceID, now)
	if err != nil {
		return false
	}
	return trusted
}
