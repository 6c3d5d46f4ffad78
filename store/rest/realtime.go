package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/basilsync/engine/capability"
)

const (
	channelBacklog = 64

	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	channelPongWait   = 60 * time.Second
	channelPingPeriod = (channelPongWait * 9) / 10
)

// wireChange is the JSON frame the backend's change stream delivers, one
// per row mutation. Modeled on server/internal/websocket/message.go's
// envelope convention (a small tagged struct decoded straight off the
// wire), generalized from that hub's {type,topic,payload} shape to the
// {table,event,record,old_record} shape spec.md §6 names for the realtime
// surface.
type wireChange struct {
	Table     string         `json:"table"`
	Event     string         `json:"event"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
}

// Channel is the reference capability.RealtimeChannel implementation: a
// single reconnecting gorilla/websocket consumer of the backend's per-table
// filtered change stream. Grounded in
// server/internal/websocket/client.go's readPump (ping/pong keepalive,
// read-deadline reset, the "only one goroutine writes to conn" rule) for
// the connection's liveness handling, and in
// agent/internal/connection/manager.go's reconnect loop for the capped,
// jittered backoff between dial attempts.
type Channel struct {
	client *Client
	tokens TokenSource
	logger *zap.Logger

	mu            sync.Mutex
	state         capability.ConnectionState
	stateHandlers []func(capability.ConnectionState)
	conn          *websocket.Conn
	cancel        context.CancelFunc
	backoff       time.Duration
}

var _ capability.RealtimeChannel = (*Channel)(nil)

// NewChannel constructs a Channel. tokens supplies the bearer token used to
// authenticate the WebSocket handshake (the realtime stream is scoped to
// the same RLS identity as REST calls).
func NewChannel(client *Client, tokens TokenSource, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		client:  client,
		tokens:  tokens,
		logger:  logger.Named("rest.realtime"),
		state:   capability.StateDisconnected,
		backoff: backoffInitial,
	}
}

// Subscribe starts the reconnecting consumer loop and returns a channel of
// accepted change events. Dedup of self-echoes is the caller's
// responsibility (realtime.Integration wraps this channel for that).
func (ch *Channel) Subscribe(ctx context.Context, tables []string, userID string) (<-chan capability.ChangeEvent, error) {
	runCtx, cancel := context.WithCancel(ctx)
	ch.mu.Lock()
	ch.cancel = cancel
	ch.mu.Unlock()

	out := make(chan capability.ChangeEvent, channelBacklog)
	go ch.run(runCtx, tables, userID, out)
	return out, nil
}

// run is the outer reconnect loop: dial, consume until error, back off,
// retry — until ctx is cancelled.
func (ch *Channel) run(ctx context.Context, tables []string, userID string, out chan<- capability.ChangeEvent) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ch.setState(capability.StateConnecting)
		conn, err := ch.dial(ctx, tables, userID)
		if err != nil {
			ch.logger.Warn("realtime dial failed", zap.Error(err))
			ch.setState(capability.StateError)
			if !ch.sleepBackoff(ctx) {
				return
			}
			continue
		}

		ch.mu.Lock()
		ch.conn = conn
		ch.backoff = backoffInitial
		ch.mu.Unlock()
		ch.setState(capability.StateConnected)

		ch.consume(ctx, conn, out)

		ch.mu.Lock()
		ch.conn = nil
		ch.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}
		ch.setState(capability.StateError)
		if !ch.sleepBackoff(ctx) {
			return
		}
	}
}

func (ch *Channel) dial(ctx context.Context, tables []string, userID string) (*websocket.Conn, error) {
	query := url.Values{}
	query.Set("apikey", ch.client.apiKey)
	query.Set("user_id", userID)
	query.Set("tables", strings.Join(tables, ","))
	if token := ch.tokens.AccessToken(); token != "" {
		query.Set("access_token", token)
	}

	dialURL := ch.client.realtimeURL(query.Encode())
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return nil, fmt.Errorf("rest: dialing realtime channel: %w", err)
	}
	return conn, nil
}

// consume reads frames until the connection errors or ctx is cancelled. It
// decodes each frame as a wireChange and forwards the corresponding
// capability.ChangeEvent; malformed frames are logged and skipped, never
// fatal to the subscription.
func (ch *Channel) consume(ctx context.Context, conn *websocket.Conn, out chan<- capability.ChangeEvent) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(channelPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(channelPongWait))
	})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(channelPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
	defer func() { <-done }()
	defer close(stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				ch.logger.Warn("realtime connection closed unexpectedly", zap.Error(err))
			}
			return
		}

		var change wireChange
		if err := json.Unmarshal(data, &change); err != nil {
			ch.logger.Warn("discarding malformed realtime frame", zap.Error(err))
			continue
		}

		ev := capability.ChangeEvent{
			Table:     change.Table,
			EventType: capability.EventType(change.Event),
			Record:    change.Record,
			OldRecord: change.OldRecord,
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (ch *Channel) sleepBackoff(ctx context.Context) bool {
	ch.mu.Lock()
	delay := jitter(ch.backoff)
	ch.backoff = nextBackoff(ch.backoff)
	ch.mu.Unlock()

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

func (ch *Channel) setState(s capability.ConnectionState) {
	ch.mu.Lock()
	if ch.state == s {
		ch.mu.Unlock()
		return
	}
	ch.state = s
	handlers := append([]func(capability.ConnectionState){}, ch.stateHandlers...)
	ch.mu.Unlock()

	for _, h := range handlers {
		h(s)
	}
}

func (ch *Channel) State() capability.ConnectionState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) OnStateChange(f func(capability.ConnectionState)) {
	ch.mu.Lock()
	ch.stateHandlers = append(ch.stateHandlers, f)
	ch.mu.Unlock()
}

func (ch *Channel) Unsubscribe() error {
	ch.mu.Lock()
	if ch.cancel != nil {
		ch.cancel()
	}
	conn := ch.conn
	ch.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
