package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/basilsync/engine/capability"
)

// sessionKeySuffix is appended to Provider's configured prefix to namespace
// the persisted session under capability.KeyValueStore (spec.md §6's "any
// backend-prefixed auth keys").
const sessionKeySuffix = "_auth_session"

// accessTokenClaims is read from the backend-issued access token without
// verification — Provider holds no signing key, only the publishable apikey
// — purely to recover exp/sub for the §4.7 pre-flight "session present and
// not expired" check without an extra round trip, the same fields
// server/internal/auth/jwt.go's Claims embeds via jwt.RegisteredClaims.
type accessTokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// goTrueSession is the wire shape of a GoTrue/Supabase Auth token response.
type goTrueSession struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID           string         `json:"id"`
		Email        string         `json:"email"`
		UserMetadata map[string]any `json:"user_metadata"`
	} `json:"user"`
}

func (g goTrueSession) toCapabilitySession(now time.Time) capability.Session {
	expiresAt := now.Add(time.Duration(g.ExpiresIn) * time.Second)
	if claims, err := parseAccessTokenUnverified(g.AccessToken); err == nil && claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return capability.Session{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		UserID:       g.User.ID,
		Email:        g.User.Email,
		ExpiresAt:    expiresAt,
		Metadata:     g.User.UserMetadata,
	}
}

func parseAccessTokenUnverified(token string) (*accessTokenClaims, error) {
	claims := &accessTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("rest: parsing access token: %w", err)
	}
	return claims, nil
}

// Provider is the reference capability.AuthProvider implementation, backed
// by a GoTrue/Supabase-style Auth HTTP surface. The current session is
// cached in memory and mirrored into a capability.KeyValueStore so it
// survives process restarts, the same role localStorage plays for the
// Supabase JS client this adapter's wire shape is modeled on.
type Provider struct {
	client    *Client
	kv        capability.KeyValueStore
	sessionKV string
	clock     capability.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	current *capability.Session
}

var _ capability.AuthProvider = (*Provider)(nil)
var _ TokenSource = (*Provider)(nil)

// NewAuthProvider constructs a Provider. prefix namespaces the persisted
// session key (e.g. "basil_auth_session").
func NewAuthProvider(client *Client, kv capability.KeyValueStore, prefix string, clock capability.Clock, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		client:    client,
		kv:        kv,
		sessionKV: prefix + sessionKeySuffix,
		clock:     clock,
		logger:    logger.Named("rest.auth"),
	}
}

// AccessToken implements TokenSource for Store and Channel: the current
// cached session's access token, or "" if there is none.
func (p *Provider) AccessToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ""
	}
	return p.current.AccessToken
}

func (p *Provider) setSession(ctx context.Context, s capability.Session) error {
	p.mu.Lock()
	p.current = &s
	p.mu.Unlock()

	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("rest: encoding session for persistence: %w", err)
	}
	if err := p.kv.Set(ctx, p.sessionKV, string(encoded)); err != nil {
		return fmt.Errorf("rest: persisting session: %w", err)
	}
	return nil
}

func (p *Provider) clearSession(ctx context.Context) error {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	if err := p.kv.Remove(ctx, p.sessionKV); err != nil {
		return fmt.Errorf("rest: clearing persisted session: %w", err)
	}
	return nil
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (capability.Session, error) {
	var resp goTrueSession
	body := map[string]any{"email": email, "password": password}
	if err := p.client.doJSON(ctx, http.MethodPost, p.client.authURL("token", "grant_type=password"), "", body, &resp, nil); err != nil {
		return capability.Session{}, fmt.Errorf("rest: signing in: %w", err)
	}
	session := resp.toCapabilitySession(p.clock.Now())
	if err := p.setSession(ctx, session); err != nil {
		return capability.Session{}, err
	}
	return session, nil
}

func (p *Provider) SignUp(ctx context.Context, email, password string) (capability.Session, error) {
	var resp goTrueSession
	body := map[string]any{"email": email, "password": password}
	if err := p.client.doJSON(ctx, http.MethodPost, p.client.authURL("signup", ""), "", body, &resp, nil); err != nil {
		return capability.Session{}, fmt.Errorf("rest: signing up: %w", err)
	}
	session := resp.toCapabilitySession(p.clock.Now())
	if resp.AccessToken == "" {
		// Email-confirmation-required flow: no session issued yet.
		return session, nil
	}
	if err := p.setSession(ctx, session); err != nil {
		return capability.Session{}, err
	}
	return session, nil
}

func (p *Provider) Refresh(ctx context.Context, refreshToken string) (capability.Session, error) {
	var resp goTrueSession
	body := map[string]any{"refresh_token": refreshToken}
	if err := p.client.doJSON(ctx, http.MethodPost, p.client.authURL("token", "grant_type=refresh_token"), "", body, &resp, nil); err != nil {
		return capability.Session{}, fmt.Errorf("rest: refreshing session: %w", err)
	}
	session := resp.toCapabilitySession(p.clock.Now())
	if err := p.setSession(ctx, session); err != nil {
		return capability.Session{}, err
	}
	return session, nil
}

// CurrentSession returns the in-memory cached session if present, else the
// one persisted under the key-value store from a prior process.
func (p *Provider) CurrentSession(ctx context.Context) (capability.Session, bool, error) {
	p.mu.Lock()
	cached := p.current
	p.mu.Unlock()
	if cached != nil {
		return *cached, true, nil
	}

	raw, ok, err := p.kv.Get(ctx, p.sessionKV)
	if err != nil {
		return capability.Session{}, false, fmt.Errorf("rest: reading persisted session: %w", err)
	}
	if !ok {
		return capability.Session{}, false, nil
	}

	var session capability.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return capability.Session{}, false, fmt.Errorf("rest: decoding persisted session: %w", err)
	}

	p.mu.Lock()
	p.current = &session
	p.mu.Unlock()
	return session, true, nil
}

func (p *Provider) UpdateUserMetadata(ctx context.Context, metadata map[string]any) error {
	body := map[string]any{"data": metadata}
	if err := p.client.doJSON(ctx, http.MethodPut, p.client.authURL("user", ""), p.AccessToken(), body, nil, nil); err != nil {
		return fmt.Errorf("rest: updating user metadata: %w", err)
	}

	p.mu.Lock()
	if p.current != nil {
		merged := make(map[string]any, len(p.current.Metadata)+len(metadata))
		for k, v := range p.current.Metadata {
			merged[k] = v
		}
		for k, v := range metadata {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		p.current.Metadata = merged
		updated := *p.current
		p.mu.Unlock()
		return p.setSession(ctx, updated)
	}
	p.mu.Unlock()
	return nil
}

func (p *Provider) SendOneTimeCode(ctx context.Context, email string) error {
	body := map[string]any{"email": email, "create_user": false}
	if err := p.client.doJSON(ctx, http.MethodPost, p.client.authURL("otp", ""), "", body, nil, nil); err != nil {
		return fmt.Errorf("rest: sending one-time code: %w", err)
	}
	return nil
}

func (p *Provider) VerifyOneTimeCode(ctx context.Context, tokenHash string) (capability.Session, error) {
	var resp goTrueSession
	body := map[string]any{"type": "email", "token_hash": tokenHash}
	if err := p.client.doJSON(ctx, http.MethodPost, p.client.authURL("verify", ""), "", body, &resp, nil); err != nil {
		return capability.Session{}, fmt.Errorf("rest: verifying one-time code: %w", err)
	}
	session := resp.toCapabilitySession(p.clock.Now())
	if err := p.setSession(ctx, session); err != nil {
		return capability.Session{}, err
	}
	return session, nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	token := p.AccessToken()
	if token != "" {
		if err := p.client.doJSON(ctx, http.MethodPost, p.client.authURL("logout", ""), token, nil, nil, nil); err != nil {
			p.logger.Warn("sign-out RPC failed, clearing local session anyway", zap.Error(err))
		}
	}
	return p.clearSession(ctx)
}
