package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// PushConfig configures the socket refresher.
type PushConfig struct {
	Token                string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c *PushConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// PushState represents the socket connection state.
type PushState string

const (
	PushDisconnected PushState = "disconnected"
	PushConnecting   PushState = "connecting"
	PushConnected    PushState = "connected"
	PushReconnecting PushState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *PushConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Wire format
// ============================================================================

type pushEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type pushMessageNew struct {
	ConversationID string `json:"conversationId"`
}

type pushTyping struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ============================================================================
// PushRefresher
// ============================================================================

// PushRefresher is a socket-backed Refresher. Instead of polling on a timer
// it waits for server notifications and refetches on "message.new" for the
// active conversation. Fetched lists still funnel through
// Session.ApplyServerMessages; the socket only changes when a fetch happens,
// never how its result is applied.
type PushRefresher struct {
	baseURL   string
	session   *Session
	transport Transport
	config    *PushConfig
	logger    *slog.Logger
	recon     *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            PushState
	intentionalClose bool
	cancelFn         context.CancelFunc
	onChange         func()
	onTyping         func(TypingStatus)
}

// NewPushRefresher creates a socket refresher bound to a session. config may
// be nil.
func NewPushRefresher(baseURL string, session *Session, transport Transport, config *PushConfig) *PushRefresher {
	cfg := PushConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &PushRefresher{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		session:   session,
		transport: transport,
		config:    &cfg,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		recon:     newReconnector(&cfg),
		state:     PushDisconnected,
	}
}

// SetLogger replaces the refresher's logger.
func (p *PushRefresher) SetLogger(logger *slog.Logger) {
	p.logger = logger
}

// OnChange registers a callback fired after a refetch that changed the store.
func (p *PushRefresher) OnChange(fn func()) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// OnTyping registers a callback for inbound typing notifications.
func (p *PushRefresher) OnTyping(fn func(TypingStatus)) {
	p.mu.Lock()
	p.onTyping = fn
	p.mu.Unlock()
}

// State returns the current connection state.
func (p *PushRefresher) State() PushState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Arm connects the socket. Arming an armed refresher is a no-op while
// connected; a fresh arm after Disarm reconnects.
func (p *PushRefresher) Arm(ctx context.Context) {
	if err := p.connect(ctx); err != nil {
		p.logger.Debug("push connect failed", "error", err)
		if p.recon.shouldReconnect() {
			go p.scheduleReconnect(ctx)
		}
	}
}

// Disarm closes the socket without reconnecting.
func (p *PushRefresher) Disarm() {
	p.mu.Lock()
	p.intentionalClose = true
	if p.cancelFn != nil {
		p.cancelFn()
		p.cancelFn = nil
	}
	conn := p.conn
	p.conn = nil
	p.state = PushDisconnected
	p.mu.Unlock()

	p.recon.reset()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disarm")
	}
}

func (p *PushRefresher) connect(ctx context.Context) error {
	p.mu.Lock()
	if p.state == PushConnected || p.state == PushConnecting {
		p.mu.Unlock()
		return nil
	}
	p.state = PushConnecting
	p.intentionalClose = false
	p.mu.Unlock()

	wsURL := strings.Replace(p.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + p.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		p.mu.Lock()
		p.state = PushDisconnected
		p.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.conn = conn
	p.state = PushConnected
	p.cancelFn = cancel
	p.mu.Unlock()
	p.recon.markConnected()

	go p.readLoop(connCtx, conn)
	return nil
}

func (p *PushRefresher) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			p.mu.Lock()
			intentional := p.intentionalClose
			p.state = PushDisconnected
			p.conn = nil
			p.mu.Unlock()
			if intentional {
				return
			}
			if p.recon.shouldReconnect() {
				p.scheduleReconnect(ctx)
			}
			return
		}

		var env pushEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		p.dispatch(ctx, env)
	}
}

func (p *PushRefresher) dispatch(ctx context.Context, env pushEnvelope) {
	switch env.Type {
	case "message.new":
		var payload pushMessageNew
		if json.Unmarshal(env.Payload, &payload) != nil {
			return
		}
		p.refresh(ctx, payload.ConversationID)
	case "typing.indicator":
		var payload pushTyping
		if json.Unmarshal(env.Payload, &payload) != nil {
			return
		}
		conv := p.session.Conversation()
		if conv == nil || conv.ID != payload.ConversationID {
			return
		}
		if payload.UserID == p.session.ViewerID() {
			return
		}
		p.mu.Lock()
		fn := p.onTyping
		p.mu.Unlock()
		if fn != nil {
			fn(TypingStatus{
				ConversationID: payload.ConversationID,
				UserID:         payload.UserID,
				IsTyping:       payload.IsTyping,
			})
		}
	}
}

// refresh refetches the active conversation after a push notification. It
// respects the same guards as a poll tick, including poll suppression.
func (p *PushRefresher) refresh(ctx context.Context, conversationID string) {
	if p.session.State() != StateActive || p.session.PollSuppressed() {
		return
	}
	conv := p.session.Conversation()
	if conv == nil || conv.ID != conversationID {
		return
	}

	msgs, err := p.transport.ListMessages(ctx, conv.ID, p.session.ViewerID())
	if err != nil {
		p.logger.Debug("push refresh failed", "conversation", conv.ID, "error", err)
		return
	}
	if p.session.ApplyServerMessages(conv.ID, msgs) {
		p.mu.Lock()
		fn := p.onChange
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

func (p *PushRefresher) scheduleReconnect(ctx context.Context) {
	delay := p.recon.nextDelay()
	p.mu.Lock()
	p.state = PushReconnecting
	p.mu.Unlock()
	p.logger.Debug("push reconnecting", "attempt", p.recon.attempt, "delay", delay)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := p.connect(ctx); err != nil {
		if p.recon.shouldReconnect() {
			p.scheduleReconnect(ctx)
			return
		}
		p.mu.Lock()
		p.state = PushDisconnected
		p.mu.Unlock()
	}
}
