package chatsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Events
// ============================================================================

// EventType identifies an engine event.
type EventType string

const (
	// EventState is emitted on every session state transition.
	EventState EventType = "state"
	// EventMessages is emitted whenever the rendered message list changed.
	EventMessages EventType = "messages"
	// EventTyping is emitted when the other participant's typing status
	// refreshes.
	EventTyping EventType = "typing"
	// EventUnseen is emitted when new messages arrived while the viewer was
	// scrolled away from the bottom.
	EventUnseen EventType = "unseen"
	// EventError is emitted for user-visible failures of explicit actions.
	EventError EventType = "error"
)

// Event is a typed notification from the engine to the host surface. Only
// the fields relevant to its Type are populated.
type Event struct {
	Type       EventType
	State      SessionState
	Messages   []Message
	AutoScroll bool
	Typing     *TypingStatus
	Err        error
}

// ============================================================================
// Engine
// ============================================================================

// Engine composes the session, message store, refresher, typing coordinator,
// and viewport tracker behind a typed command/event interface. The host
// calls the command methods and consumes Events; there is no other channel
// between the widget surface and the sync machinery.
type Engine struct {
	session   *Session
	scheduler *PollScheduler
	typing    *TypingCoordinator
	viewport  *ViewportTracker
	refresher Refresher
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	events chan Event
	closed bool
}

type EngineOption func(*engineConfig)

type engineConfig struct {
	poll        *PollConfig
	quiet       time.Duration
	threshold   float64
	logger      *slog.Logger
	eventBuffer int
	push        *PushConfig
	pushBaseURL string
}

// WithPollConfig overrides the poll cadence.
func WithPollConfig(cfg PollConfig) EngineOption {
	return func(c *engineConfig) { c.poll = &cfg }
}

// WithQuietInterval overrides the typing debounce quiet interval.
func WithQuietInterval(d time.Duration) EngineOption {
	return func(c *engineConfig) { c.quiet = d }
}

// WithBottomThreshold overrides the at-bottom scroll threshold in pixels.
func WithBottomThreshold(px float64) EngineOption {
	return func(c *engineConfig) { c.threshold = px }
}

// WithEngineLogger sets the logger for the engine and its parts.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = logger }
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) EngineOption {
	return func(c *engineConfig) { c.eventBuffer = n }
}

// WithPushRefresher swaps the poll scheduler for the socket push refresher.
// baseURL is the API base; token authenticates the socket.
func WithPushRefresher(baseURL string, cfg PushConfig) EngineOption {
	return func(c *engineConfig) {
		c.push = &cfg
		c.pushBaseURL = baseURL
	}
}

// NewEngine creates an engine for one widget instance. userID is the
// authenticated user, or "" for guest-only use.
func NewEngine(transport Transport, userID string, opts ...EngineOption) *Engine {
	cfg := engineConfig{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		eventBuffer: 64,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := NewSession(transport, userID, WithSessionLogger(cfg.logger))
	scheduler := NewPollScheduler(session, transport, cfg.poll)
	scheduler.SetLogger(cfg.logger)
	typing := NewTypingCoordinator(session, transport, cfg.quiet)
	typing.SetLogger(cfg.logger)

	e := &Engine{
		session:   session,
		scheduler: scheduler,
		typing:    typing,
		viewport:  NewViewportTracker(cfg.threshold),
		logger:    cfg.logger,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan Event, cfg.eventBuffer),
	}

	scheduler.OnChange(e.storeChanged)
	scheduler.OnTyping(e.remoteTyping)

	if cfg.push != nil {
		push := NewPushRefresher(cfg.pushBaseURL, session, transport, cfg.push)
		push.SetLogger(cfg.logger)
		push.OnChange(e.storeChanged)
		push.OnTyping(e.remoteTyping)
		e.refresher = push
	} else {
		e.refresher = scheduler
	}

	return e
}

// Events returns the channel the host consumes. The channel is closed by
// Close.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Session exposes the underlying session for read access.
func (e *Engine) Session() *Session {
	return e.session
}

// Messages returns the currently rendered message list.
func (e *Engine) Messages() []Message {
	return e.session.Store().Snapshot()
}

// RemoteTyping returns the other participant's last known typing status.
func (e *Engine) RemoteTyping() TypingStatus {
	return e.typing.Remote()
}

// HasUnseen reports whether messages arrived off-screen.
func (e *Engine) HasUnseen() bool {
	return e.viewport.HasUnseen()
}

// ============================================================================
// Commands
// ============================================================================

// Open activates a conversation from the conversation list.
func (e *Engine) Open(ctx context.Context, conv Conversation) error {
	err := e.session.OpenConversation(ctx, conv)
	if errors.Is(err, ErrStaleResponse) {
		// A newer open superseded this one; nothing to render.
		return nil
	}
	if err != nil {
		e.emit(Event{Type: EventError, Err: err})
		e.emit(Event{Type: EventState, State: e.session.State()})
		return err
	}
	e.activated(true)
	return nil
}

// StartSupport opens the authenticated support conversation.
func (e *Engine) StartSupport(ctx context.Context) error {
	if err := e.session.StartSupportChat(ctx); err != nil {
		e.emit(Event{Type: EventError, Err: err})
		return err
	}
	e.activated(true)
	return nil
}

// BeginGuestForm moves an idle widget into the guest-details form.
func (e *Engine) BeginGuestForm() error {
	if err := e.session.BeginGuestForm(); err != nil {
		return err
	}
	e.emit(Event{Type: EventState, State: e.session.State()})
	return nil
}

// StartGuest submits the guest form and opens the guest support chat.
func (e *Engine) StartGuest(ctx context.Context, info GuestInfo, topic, subject string) error {
	if err := e.session.StartGuestChat(ctx, info, topic, subject); err != nil {
		e.emit(Event{Type: EventError, Err: err})
		return err
	}
	e.activated(true)
	return nil
}

// Send sends composer text. The optimistic message is already in the store
// (and in the emitted snapshot) before the network settles; on failure the
// rolled-back list is re-emitted alongside the error.
func (e *Engine) Send(ctx context.Context, text string) error {
	// Snapshot the optimistic state as soon as the session inserts it.
	_, err := e.session.SendMessage(ctx, text)
	if err != nil {
		e.emit(Event{Type: EventError, Err: err})
		e.emitMessages(false)
		return err
	}
	e.emitMessages(false)
	return nil
}

// Keystroke records composer input for the typing indicator.
func (e *Engine) Keystroke() {
	e.typing.Keystroke()
}

// Scroll records the current viewport metrics.
func (e *Engine) Scroll(scrollTop, viewportHeight, contentHeight float64) {
	e.viewport.UpdateMetrics(scrollTop, viewportHeight, contentHeight)
}

// JumpToBottom handles the "New messages" affordance.
func (e *Engine) JumpToBottom() {
	e.viewport.JumpToBottom()
	e.emit(Event{Type: EventMessages, Messages: e.Messages(), AutoScroll: true})
}

// SetVisible tells the refresher whether the widget is visible.
func (e *Engine) SetVisible(visible bool) {
	e.scheduler.SetVisible(visible)
}

// EndChat closes a support conversation; the backend emails the transcript.
func (e *Engine) EndChat(ctx context.Context, recipientEmail string) error {
	if err := e.session.EndChat(ctx, recipientEmail); err != nil {
		e.emit(Event{Type: EventError, Err: err})
		return err
	}
	e.left()
	return nil
}

// Back navigates from the open conversation to the conversation list.
func (e *Engine) Back() {
	e.session.Close()
	e.left()
}

// Close shuts the engine down and closes the event channel. The engine is
// unusable afterwards.
func (e *Engine) Close() {
	e.refresher.Disarm()
	e.typing.Cancel()
	e.session.Close()
	e.cancel()

	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	e.mu.Unlock()
}

// ============================================================================
// Internal wiring
// ============================================================================

func (e *Engine) activated(initialLoad bool) {
	e.emit(Event{Type: EventState, State: e.session.State()})
	e.emitMessages(initialLoad)
	e.refresher.Arm(e.ctx)
}

func (e *Engine) left() {
	e.refresher.Disarm()
	e.typing.Cancel()
	e.emit(Event{Type: EventState, State: e.session.State()})
}

func (e *Engine) emitMessages(initialLoad bool) {
	auto := e.viewport.OnNewMessages(initialLoad)
	e.emit(Event{Type: EventMessages, Messages: e.Messages(), AutoScroll: auto})
	if !auto {
		e.emit(Event{Type: EventUnseen})
	}
}

func (e *Engine) storeChanged() {
	e.emitMessages(false)
}

func (e *Engine) remoteTyping(status TypingStatus) {
	e.typing.SetRemote(status)
	s := status
	e.emit(Event{Type: EventTyping, Typing: &s})
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event dropped, channel full", "type", ev.Type)
	}
}
