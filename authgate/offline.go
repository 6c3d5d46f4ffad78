package authgate

import (
	"context"
	"fmt"
	"time"

	"github.com/basilsync/engine/capability"
)

// System table names and singleton row keys (spec.md §6 "Local storage
// layout").
const (
	tableOfflineCredentials = "offline_credentials"
	tableOfflineSession     = "offline_session"
	tableSingleUserConfig   = "single_user_config"

	rowCurrentUser    = "current_user"
	rowCurrentSession = "current_session"
	rowConfig         = "config"
)

// singleUserConfig is the in-process view of the single_user_config
// singleton row.
type singleUserConfig struct {
	GateType     string
	CodeLength   int
	GateHash     string
	Email        string
	Profile      map[string]any
	RemoteUserID string
	SetupAt      time.Time
	UpdatedAt    time.Time
}

func (g *Gate) readConfig(ctx context.Context) (singleUserConfig, error) {
	row, err := g.local.Get(ctx, tableSingleUserConfig, rowConfig)
	if err != nil {
		return singleUserConfig{}, fmt.Errorf("authgate: reading single-user config: %w", err)
	}
	if row == nil {
		return singleUserConfig{}, nil
	}
	cfg := singleUserConfig{
		GateType:     asString(row["gate_type"]),
		GateHash:     asString(row["gate_hash"]),
		Email:        asString(row["email"]),
		RemoteUserID: asString(row["remote_user_id"]),
	}
	cfg.CodeLength = toInt(row["code_length"])
	if p, ok := row["profile"].(map[string]any); ok {
		cfg.Profile = p
	}
	return cfg, nil
}

func (g *Gate) writeConfig(ctx context.Context, cfg singleUserConfig, now time.Time) error {
	row := capability.Row{
		"id":             rowConfig,
		"gate_type":      cfg.GateType,
		"code_length":    cfg.CodeLength,
		"gate_hash":      cfg.GateHash,
		"email":          cfg.Email,
		"profile":        cfg.Profile,
		"remote_user_id": cfg.RemoteUserID,
		"updated_at":     now.Format(time.RFC3339Nano),
	}
	if cfg.SetupAt.IsZero() {
		row["setup_at"] = now.Format(time.RFC3339Nano)
	} else {
		row["setup_at"] = cfg.SetupAt.Format(time.RFC3339Nano)
	}
	if err := g.local.Put(ctx, tableSingleUserConfig, row); err != nil {
		return fmt.Errorf("authgate: writing single-user config: %w", err)
	}
	return nil
}

// invalidateLocalHash clears the cached gate hash so the next attempt
// falls through to rate-limited backend mode.
func (g *Gate) invalidateLocalHash(ctx context.Context) error {
	cfg, err := g.readConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Email == "" {
		// Nothing configured yet; nothing to invalidate.
		return nil
	}
	cfg.GateHash = ""
	return g.writeConfig(ctx, cfg, g.clock.Now())
}

// cacheCredentials persists the offline credentials record after an
// authoritative sign-in: the gate is hashed, cached alongside email, user
// id, and profile, then read back to verify the write. It also updates the
// single-user config's gate hash so future pre-checks can match locally.
func (g *Gate) cacheCredentials(ctx context.Context, session capability.Session, gate string, cfg singleUserConfig) error {
	now := g.clock.Now()
	hash := g.crypto.HashHex(gate)

	profile := cfg.Profile
	if g.opts.ProfileExtractor != nil {
		profile = g.opts.ProfileExtractor(session.Metadata)
	}

	credRow := capability.Row{
		"id":         rowCurrentUser,
		"user_id":    session.UserID,
		"email":      session.Email,
		"gate_hash":  hash,
		"profile":    profile,
		"cached_at":  now.Format(time.RFC3339Nano),
	}
	if err := g.local.Put(ctx, tableOfflineCredentials, credRow); err != nil {
		return fmt.Errorf("authgate: writing offline credentials: %w", err)
	}

	// Read-back verification: a corrupted write must never leave a
	// mismatched cache in place silently.
	readBack, err := g.local.Get(ctx, tableOfflineCredentials, rowCurrentUser)
	if err != nil {
		return fmt.Errorf("authgate: verifying offline credentials write: %w", err)
	}
	if readBack == nil || asString(readBack["gate_hash"]) != hash {
		return fmt.Errorf("authgate: offline credentials read-back mismatch")
	}

	cfg.Email = session.Email
	cfg.GateHash = hash
	cfg.Profile = profile
	cfg.RemoteUserID = session.UserID
	if err := g.writeConfig(ctx, cfg, now); err != nil {
		return err
	}

	return nil
}

// SynthesizeOfflineSession creates (or reuses) an offline session token
// bound to the cached offline credentials, for use when the app starts
// while disconnected. Offline sessions never expire; they are revoked only
// by explicit lock/reset or a superseding authoritative sign-in.
func (g *Gate) SynthesizeOfflineSession(ctx context.Context) (capability.Session, bool, error) {
	credRow, err := g.local.Get(ctx, tableOfflineCredentials, rowCurrentUser)
	if err != nil {
		return capability.Session{}, false, fmt.Errorf("authgate: reading offline credentials: %w", err)
	}
	if credRow == nil {
		return capability.Session{}, false, nil
	}

	sessRow, err := g.local.Get(ctx, tableOfflineSession, rowCurrentSession)
	if err != nil {
		return capability.Session{}, false, fmt.Errorf("authgate: reading offline session: %w", err)
	}

	var token string
	if sessRow != nil {
		token = asString(sessRow["token"])
	}
	if token == "" {
		token = g.crypto.NewUUID()
		if err := g.local.Put(ctx, tableOfflineSession, capability.Row{
			"id":         rowCurrentSession,
			"user_id":    credRow["user_id"],
			"token":      token,
			"created_at": g.clock.Now().Format(time.RFC3339Nano),
		}); err != nil {
			return capability.Session{}, false, fmt.Errorf("authgate: persisting offline session: %w", err)
		}
	}

	profile, _ := credRow["profile"].(map[string]any)
	return capability.Session{
		AccessToken: token,
		UserID:      asString(credRow["user_id"]),
		Email:       asString(credRow["email"]),
		Metadata:    profile,
	}, true, nil
}

// ClearOfflineState removes the offline credentials and session records,
// called on logout.
func (g *Gate) ClearOfflineState(ctx context.Context) error {
	if err := g.local.Delete(ctx, tableOfflineCredentials, rowCurrentUser); err != nil {
		return fmt.Errorf("authgate: clearing offline credentials: %w", err)
	}
	if err := g.local.Delete(ctx, tableOfflineSession, rowCurrentSession); err != nil {
		return fmt.Errorf("authgate: clearing offline session: %w", err)
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// toInt reads an integer written by this process before it round-tripped
// through store/sqlite's JSON column, which decodes all numbers as float64.
func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case float32:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 0
	}
}
