package capabilitytest

import (
	"context"
	"sync"
	"time"

	"github.com/basilsync/engine/capability"
)

// AuthProvider is an in-memory capability.AuthProvider. SignIn/SignUp
// succeed for any credentials recorded via Seed; real validation is not the
// concern of this fake.
type AuthProvider struct {
	mu sync.Mutex

	users    map[string]string // email -> password
	session  *capability.Session
	otpSent  map[string]bool
	metadata map[string]any

	ErrorOnNextCall error
}

var _ capability.AuthProvider = (*AuthProvider)(nil)

func NewAuthProvider() *AuthProvider {
	return &AuthProvider{
		users:    make(map[string]string),
		otpSent:  make(map[string]bool),
		metadata: make(map[string]any),
	}
}

func (a *AuthProvider) checkError() error {
	if a.ErrorOnNextCall != nil {
		err := a.ErrorOnNextCall
		a.ErrorOnNextCall = nil
		return err
	}
	return nil
}

// Seed registers a valid email/password pair as if the account already
// exists on the backend.
func (a *AuthProvider) Seed(email, password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[email] = password
}

func (a *AuthProvider) SignIn(ctx context.Context, email, password string) (capability.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkError(); err != nil {
		return capability.Session{}, err
	}
	if got, ok := a.users[email]; !ok || got != password {
		return capability.Session{}, capability.ErrNotFound
	}
	sess := capability.Session{
		AccessToken:  "access-" + email,
		RefreshToken: "refresh-" + email,
		UserID:       "user-" + email,
		Email:        email,
		ExpiresAt:    time.Now().Add(time.Hour),
		Metadata:     cloneMetadataLocked(a.metadata),
	}
	a.session = &sess
	return sess, nil
}

func (a *AuthProvider) SignUp(ctx context.Context, email, password string) (capability.Session, error) {
	a.mu.Lock()
	a.users[email] = password
	a.mu.Unlock()
	return a.SignIn(ctx, email, password)
}

func (a *AuthProvider) Refresh(ctx context.Context, refreshToken string) (capability.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkError(); err != nil {
		return capability.Session{}, err
	}
	if a.session == nil || a.session.RefreshToken != refreshToken {
		return capability.Session{}, capability.ErrNotFound
	}
	refreshed := *a.session
	refreshed.ExpiresAt = time.Now().Add(time.Hour)
	a.session = &refreshed
	return refreshed, nil
}

func (a *AuthProvider) CurrentSession(ctx context.Context) (capability.Session, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkError(); err != nil {
		return capability.Session{}, false, err
	}
	if a.session == nil {
		return capability.Session{}, false, nil
	}
	return *a.session, true, nil
}

func (a *AuthProvider) UpdateUserMetadata(ctx context.Context, metadata map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkError(); err != nil {
		return err
	}
	for k, v := range metadata {
		a.metadata[k] = v
	}
	return nil
}

// Metadata returns a snapshot of the stored user metadata, for assertions.
func (a *AuthProvider) Metadata() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]any, len(a.metadata))
	for k, v := range a.metadata {
		out[k] = v
	}
	return out
}

func (a *AuthProvider) SendOneTimeCode(ctx context.Context, email string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkError(); err != nil {
		return err
	}
	a.otpSent[email] = true
	return nil
}

// LastOTPToken returns a deterministic stand-in token hash for the given
// email, present only if SendOneTimeCode was called for it.
func (a *AuthProvider) LastOTPToken(email string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.otpSent[email] {
		return "", false
	}
	return "otp-" + email, true
}

func (a *AuthProvider) VerifyOneTimeCode(ctx context.Context, tokenHash string) (capability.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkError(); err != nil {
		return capability.Session{}, err
	}
	for email, sent := range a.otpSent {
		if sent && tokenHash == "otp-"+email {
			sess := capability.Session{
				AccessToken:  "access-" + email,
				RefreshToken: "refresh-" + email,
				UserID:       "user-" + email,
				Email:        email,
				ExpiresAt:    time.Now().Add(time.Hour),
				Metadata:     cloneMetadataLocked(a.metadata),
			}
			a.session = &sess
			return sess, nil
		}
	}
	return capability.Session{}, capability.ErrNotFound
}

func cloneMetadataLocked(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (a *AuthProvider) SignOut(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkError(); err != nil {
		return err
	}
	a.session = nil
	return nil
}

// RealtimeChannel is a controllable capability.RealtimeChannel. Tests drive
// it directly with Push/SetState rather than a real network connection.
type RealtimeChannel struct {
	mu            sync.Mutex
	state         capability.ConnectionState
	events        chan capability.ChangeEvent
	stateChangeCb []func(capability.ConnectionState)
	subscribed    bool
}

var _ capability.RealtimeChannel = (*RealtimeChannel)(nil)

func NewRealtimeChannel() *RealtimeChannel {
	return &RealtimeChannel{
		state:  capability.StateDisconnected,
		events: make(chan capability.ChangeEvent, 64),
	}
}

func (r *RealtimeChannel) Subscribe(ctx context.Context, tables []string, userID string) (<-chan capability.ChangeEvent, error) {
	r.mu.Lock()
	r.subscribed = true
	r.mu.Unlock()
	return r.events, nil
}

func (r *RealtimeChannel) State() capability.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *RealtimeChannel) OnStateChange(fn func(capability.ConnectionState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateChangeCb = append(r.stateChangeCb, fn)
}

func (r *RealtimeChannel) Unsubscribe() error {
	r.mu.Lock()
	r.subscribed = false
	r.mu.Unlock()
	r.SetState(capability.StateDisconnected)
	return nil
}

// SetState transitions the fake channel's state and fires registered
// callbacks, mirroring how a real adapter reports socket lifecycle events.
func (r *RealtimeChannel) SetState(s capability.ConnectionState) {
	r.mu.Lock()
	r.state = s
	cbs := append([]func(capability.ConnectionState){}, r.stateChangeCb...)
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(s)
	}
}

// Push delivers a change event to whoever is subscribed.
func (r *RealtimeChannel) Push(ev capability.ChangeEvent) {
	r.events <- ev
}
