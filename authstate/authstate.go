// Package authstate resolves which authenticated mode the app runs in on
// load and on reconnect, fronting authgate and the capability session the
// same way server/internal/auth/service.go's AuthService fronts multiple
// providers behind one entry point.
package authstate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/basilsync/engine/authgate"
	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/config"
)

// Mode is one of the four authenticated modes the engine can be in.
type Mode string

const (
	ModeSupabase Mode = "supabase"
	ModeOffline  Mode = "offline"
	ModeDemo     Mode = "demo"
	ModeNone     Mode = "none"
)

// Result is the tagged outcome of Resolve.
type Result struct {
	Session         *capability.Session
	Mode            Mode
	OfflineProfile  map[string]any
	ServerConfigured bool
}

// Resolver fronts the gate + capabilities to compute the boot/reconnect
// auth state.
type Resolver struct {
	local  capability.LocalStore
	auth   capability.AuthProvider
	remote capability.RemoteStore
	gate   *authgate.Gate
	clock  capability.Clock
	cfg    *config.Config
	logger *zap.Logger
}

// New constructs a Resolver.
func New(local capability.LocalStore, auth capability.AuthProvider, remote capability.RemoteStore, gate *authgate.Gate, clock capability.Clock, cfg *config.Config, logger *zap.Logger) *Resolver {
	return &Resolver{local: local, auth: auth, remote: remote, gate: gate, clock: clock, cfg: cfg, logger: logger.Named("authstate")}
}

const (
	tableSingleUserConfig = "single_user_config"
	tableOfflineSession   = "offline_session"
	rowConfig             = "config"
	rowCurrentSession     = "current_session"
	rowLockState          = "lock_state"
)

// Resolve implements spec.md §4.8's ordered decision table.
func (r *Resolver) Resolve(ctx context.Context) (Result, error) {
	if r.cfg.Demo.Active {
		return Result{Mode: ModeDemo, ServerConfigured: true}, nil
	}

	if err := r.local.WaitReady(ctx); err != nil {
		return r.purgeAndReturnNone(ctx, fmt.Errorf("authstate: waiting for local store: %w", err))
	}

	configRow, err := r.local.Get(ctx, tableSingleUserConfig, rowConfig)
	if err != nil {
		return r.purgeAndReturnNone(ctx, fmt.Errorf("authstate: reading single-user config: %w", err))
	}
	if configRow == nil {
		return Result{Mode: ModeNone, ServerConfigured: false}, nil
	}

	email := asString(configRow["email"])
	if email == "" {
		// Legacy config without an email: purge and treat as first-run.
		if err := r.purgeLocalAuthArtifacts(ctx); err != nil {
			return Result{}, err
		}
		return Result{Mode: ModeNone, ServerConfigured: false}, nil
	}

	configuredCodeLength := toInt(configRow["code_length"])
	engineCodeLength := 0
	if r.cfg.Auth.SingleUser != nil {
		engineCodeLength = r.cfg.Auth.SingleUser.CodeLength
	}
	if r.cfg.Auth.SingleUser != nil && r.cfg.Auth.SingleUser.GateType == "code" && configuredCodeLength != engineCodeLength {
		if _, err := r.remote.Call(ctx, "reset_account", map[string]any{}); err != nil {
			r.logger.Warn("remote reset RPC failed during code-length mismatch recovery", zap.Error(err))
		}
		_ = r.auth.SignOut(ctx)
		if err := r.purgeLocalAuthArtifacts(ctx); err != nil {
			return Result{}, err
		}
		return Result{Mode: ModeNone, ServerConfigured: false}, nil
	}

	if lockRow, err := r.local.Get(ctx, tableSingleUserConfig, rowLockState); err != nil {
		return r.purgeAndReturnNone(ctx, fmt.Errorf("authstate: reading lock state: %w", err))
	} else if lockRow != nil {
		if locked, _ := lockRow["locked"].(bool); locked {
			return Result{Mode: ModeNone, ServerConfigured: true}, nil
		}
	}

	session, hasSession, err := r.auth.CurrentSession(ctx)
	if err != nil {
		return r.purgeAndReturnNone(ctx, fmt.Errorf("authstate: reading backend session: %w", err))
	}

	online := true // caller (engine) is expected to gate this via capability.Network before invoking refresh paths that need it
	now := r.clock.Now()
	if hasSession && session.Expired(now) && online {
		if refreshed, err := r.auth.Refresh(ctx, session.RefreshToken); err == nil {
			session = refreshed
			hasSession = true
		}
	}

	if hasSession && !session.Expired(now) {
		return Result{Session: &session, Mode: ModeSupabase, ServerConfigured: true}, nil
	}

	// Offline fallback: a cached (even expired) backend session still
	// counts as supabase mode — sync resumes once the access-control
	// layer is consulted again.
	if hasSession {
		return Result{Session: &session, Mode: ModeSupabase, ServerConfigured: true}, nil
	}

	offlineSessRow, err := r.local.Get(ctx, tableOfflineSession, rowCurrentSession)
	if err != nil {
		return r.purgeAndReturnNone(ctx, fmt.Errorf("authstate: reading offline session: %w", err))
	}
	if offlineSessRow != nil {
		offlineSession, ok, err := r.gate.SynthesizeOfflineSession(ctx)
		if err != nil {
			return r.purgeAndReturnNone(ctx, fmt.Errorf("authstate: synthesizing offline session: %w", err))
		}
		if ok {
			return Result{
				Session:          &offlineSession,
				Mode:             ModeOffline,
				OfflineProfile:   offlineSession.Metadata,
				ServerConfigured: true,
			}, nil
		}
	}

	return Result{Mode: ModeNone, ServerConfigured: true}, nil
}

func (r *Resolver) purgeAndReturnNone(ctx context.Context, cause error) (Result, error) {
	r.logger.Warn("purging local auth storage after corrupted read", zap.Error(cause))
	if err := r.purgeLocalAuthArtifacts(ctx); err != nil {
		r.logger.Error("failed to purge local auth storage", zap.Error(err))
	}
	return Result{Mode: ModeNone, ServerConfigured: false}, nil
}

// purgeLocalAuthArtifacts clears the local auth records (the offline
// credentials and session via the gate, and the single-user config row)
// so corrupted state cannot permanently lock the user out. It does not
// remove prefix-matched key-value store keys; that is PurgeBackendKeys,
// which this path does not call.
func (r *Resolver) purgeLocalAuthArtifacts(ctx context.Context) error {
	if err := r.gate.ClearOfflineState(ctx); err != nil {
		return fmt.Errorf("authstate: purging offline state: %w", err)
	}
	if err := r.local.Delete(ctx, tableSingleUserConfig, rowConfig); err != nil {
		return fmt.Errorf("authstate: purging single-user config: %w", err)
	}
	return nil
}

// PurgeBackendKeys removes every key-value entry whose key starts with the
// configured prefix, used for the "corrupted auth storage" error kind
// (spec.md §7).
func PurgeBackendKeys(ctx context.Context, kv capability.KeyValueStore, keys []string, prefix string) error {
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			if err := kv.Remove(ctx, k); err != nil {
				return fmt.Errorf("authstate: removing key %q: %w", k, err)
			}
		}
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
