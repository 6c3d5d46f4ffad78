// Package authgate implements the PIN/password gate: local pre-check with
// rate-limiting and backoff, the offline credential cache and offline
// session, and the trusted-device + OTP verification flow. Grounded in
// server/internal/auth/local.go's hash format and constant-time compare
// (adapted from Argon2id backend-password hashing to the spec-mandated
// SHA-256 gate hash — see DESIGN.md), and in
// agent/internal/connection/manager.go's backoff shape.
package authgate

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/config"
	"github.com/basilsync/engine/identity"
)

const (
	// localFailureThreshold is LOCAL_FAILURE_THRESHOLD from spec.md §4.3.
	localFailureThreshold = 5

	backoffBase   = 1 * time.Second
	backoffFactor = 2.0
	backoffMax    = 30 * time.Second
)

// Kind tags the outcome of a gate attempt so the host application can
// branch without parsing error strings.
type Kind string

const (
	KindOK                         Kind = "ok"
	KindIncorrect                  Kind = "incorrect"
	KindRateLimited                Kind = "rate_limited"
	KindDeviceVerificationRequired Kind = "device_verification_required"
)

// Result is the explicit result-variant returned at the authgate boundary;
// nothing here is surfaced to the caller as an error for an expected,
// frequent outcome (spec.md §9's exception-for-control-flow restatement).
type Result struct {
	OK              bool
	Kind            Kind
	Detail          string
	Session         *capability.Session
	RetryAfter      time.Duration
	MaskedEmail     string
	DeviceVerified  bool
	DeviceRequireID string
}

// Gate is the stateful gate over one single-user config.
type Gate struct {
	local  capability.LocalStore
	remote capability.RemoteStore
	auth   capability.AuthProvider
	clock  capability.Clock
	crypto capability.Crypto
	logger *zap.Logger

	appPrefix string
	opts      config.AuthOptions

	mu           sync.Mutex
	failureCount int
	attempts     int
	nextAllowed  time.Time
}

// New constructs a Gate.
func New(local capability.LocalStore, remote capability.RemoteStore, auth capability.AuthProvider, clock capability.Clock, crypto capability.Crypto, appPrefix string, opts config.AuthOptions, logger *zap.Logger) *Gate {
	return &Gate{
		local:     local,
		remote:    remote,
		auth:      auth,
		clock:     clock,
		crypto:    crypto,
		appPrefix: appPrefix,
		opts:      opts,
		logger:    logger.Named("authgate"),
	}
}

// Unlock attempts to authenticate with the given gate string (PIN or
// password), applying the local pre-check, rate-limited backoff, and
// trusted-device verification per spec.md §4.3.
func (g *Gate) Unlock(ctx context.Context, gate, deviceID, deviceLabel string) (Result, error) {
	now := g.clock.Now()

	cfg, err := g.readConfig(ctx)
	if err != nil {
		// Any pre-check error fails open: proceed straight to the
		// backend rather than locking the user out of their own
		// account over a corrupted local store.
		g.logger.Warn("single-user config unreadable, failing open", zap.Error(err))
		return g.attemptBackend(ctx, gate, now, "", deviceID, deviceLabel)
	}

	if cfg.GateHash != "" {
		return g.precheckAgainstLocalHash(ctx, gate, cfg, now, deviceID, deviceLabel)
	}

	return g.precheckRateLimited(ctx, gate, now, deviceID, deviceLabel)
}

func (g *Gate) precheckAgainstLocalHash(ctx context.Context, gate string, cfg singleUserConfig, now time.Time, deviceID, deviceLabel string) (Result, error) {
	hash := g.crypto.HashHex(gate)
	if constantTimeEqualHex(hash, cfg.GateHash) {
		g.mu.Lock()
		g.failureCount = 0
		g.mu.Unlock()
		return g.attemptBackend(ctx, gate, now, "local-match", deviceID, deviceLabel)
	}

	g.mu.Lock()
	g.failureCount++
	invalidate := g.failureCount >= localFailureThreshold
	if invalidate {
		g.failureCount = 0
	}
	g.mu.Unlock()

	if invalidate {
		if err := g.invalidateLocalHash(ctx); err != nil {
			g.logger.Warn("failed to invalidate stale local hash", zap.Error(err))
		}
	}

	return Result{OK: false, Kind: KindIncorrect, Detail: "Incorrect password or code"}, nil
}

func (g *Gate) precheckRateLimited(ctx context.Context, gate string, now time.Time, deviceID, deviceLabel string) (Result, error) {
	g.mu.Lock()
	if now.Before(g.nextAllowed) {
		retryAfter := g.nextAllowed.Sub(now)
		g.mu.Unlock()
		return Result{OK: false, Kind: KindRateLimited, RetryAfter: retryAfter}, nil
	}
	g.mu.Unlock()

	return g.attemptBackend(ctx, gate, now, "", deviceID, deviceLabel)
}

// attemptBackend derives the backend account password from the gate
// string (gate || "_" || appPrefix) and calls the real AuthProvider.
func (g *Gate) attemptBackend(ctx context.Context, gate string, now time.Time, strategy, deviceID, deviceLabel string) (Result, error) {
	cfg, _ := g.readConfig(ctx)
	if cfg.Email == "" {
		return Result{OK: false, Kind: KindIncorrect, Detail: "Incorrect password or code"}, nil
	}

	password := gate + "_" + g.appPrefix
	session, err := g.auth.SignIn(ctx, cfg.Email, password)
	if err != nil {
		if strategy == "local-match" {
			// Stale local hash: pre-check matched but the backend
			// rejected it.
			if ierr := g.invalidateLocalHash(ctx); ierr != nil {
				g.logger.Warn("failed to invalidate stale local hash", zap.Error(ierr))
			}
		}
		g.mu.Lock()
		g.attempts++
		g.nextAllowed = now.Add(backoffDelay(g.attempts))
		g.mu.Unlock()
		return Result{OK: false, Kind: KindIncorrect, Detail: "Incorrect password or code"}, nil
	}

	g.mu.Lock()
	g.attempts = 0
	g.failureCount = 0
	g.nextAllowed = time.Time{}
	g.mu.Unlock()

	if err := g.cacheCredentials(ctx, session, gate, cfg); err != nil {
		return Result{}, fmt.Errorf("authgate: caching offline credentials: %w", err)
	}

	if g.opts.DeviceVerification != nil && g.opts.DeviceVerification.Enabled {
		trusted, err := g.checkTrustedDevice(ctx, session.UserID, deviceID, now)
		if err != nil {
			return Result{}, fmt.Errorf("authgate: checking device trust: %w", err)
		}
		if !trusted {
			if err := g.beginDeviceVerification(ctx, session.Email, deviceID, deviceLabel); err != nil {
				return Result{}, fmt.Errorf("authgate: starting device verification: %w", err)
			}
			return Result{
				OK:              false,
				Kind:            KindDeviceVerificationRequired,
				MaskedEmail:     identity.MaskEmail(session.Email),
				Session:         &session,
				DeviceRequireID: deviceID,
			}, nil
		}
	}

	return Result{OK: true, Kind: KindOK, Session: &session}, nil
}

// backoffDelay returns min(BASE * BACKOFF^(attempts-1), MAX), matching
// spec.md §8's boundary behavior (4th failure -> 8000ms with defaults).
func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(backoffBase)
	for i := 1; i < attempts; i++ {
		delay *= backoffFactor
	}
	if delay > float64(backoffMax) {
		delay = float64(backoffMax)
	}
	return time.Duration(delay)
}

func constantTimeEqualHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
