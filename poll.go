package chatsync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Refresher contract
// ============================================================================

// Refresher delivers server state into the session in the background. The
// default implementation polls; PushRefresher swaps in a socket transport
// without touching the store or session contracts.
type Refresher interface {
	// Arm starts background refresh. Arming an armed refresher re-arms it;
	// timers never stack.
	Arm(ctx context.Context)
	// Disarm stops background refresh. Safe to call when not armed.
	Disarm()
}

// ============================================================================
// PollScheduler
// ============================================================================

const (
	// DefaultShortInterval is the cadence while a conversation is open and
	// actively viewed.
	DefaultShortInterval = 3 * time.Second
	// DefaultLongInterval is the idle cadence.
	DefaultLongInterval = 30 * time.Second
)

// PollConfig tunes the scheduler cadence. Zero values take the defaults.
type PollConfig struct {
	ShortInterval time.Duration
	LongInterval  time.Duration
}

func (c *PollConfig) defaults() {
	if c.ShortInterval == 0 {
		c.ShortInterval = DefaultShortInterval
	}
	if c.LongInterval == 0 {
		c.LongInterval = DefaultLongInterval
	}
}

// PollScheduler periodically refreshes messages and typing status for the
// active conversation. Each tick funnels through Session.ApplyServerMessages,
// the same path user actions use, so there is exactly one way server state
// reaches the store.
type PollScheduler struct {
	session   *Session
	transport Transport
	cfg       PollConfig
	logger    *slog.Logger

	// onChange fires after a tick that altered the store. onTyping delivers
	// the other participant's typing status each tick.
	onChange func()
	onTyping func(TypingStatus)

	mu      sync.Mutex
	visible bool
	stop    chan struct{}
}

// NewPollScheduler creates a scheduler bound to a session. config may be nil.
func NewPollScheduler(session *Session, transport Transport, config *PollConfig) *PollScheduler {
	cfg := PollConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &PollScheduler{
		session:   session,
		transport: transport,
		cfg:       cfg,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		visible:   true,
	}
}

// SetLogger replaces the scheduler's logger.
func (p *PollScheduler) SetLogger(logger *slog.Logger) {
	p.logger = logger
}

// OnChange registers a callback fired after any tick that changed the store.
func (p *PollScheduler) OnChange(fn func()) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// OnTyping registers a callback for inbound typing status.
func (p *PollScheduler) OnTyping(fn func(TypingStatus)) {
	p.mu.Lock()
	p.onTyping = fn
	p.mu.Unlock()
}

// SetVisible tells the scheduler whether the widget surface is visible.
// Hidden surfaces fall back to the long cadence.
func (p *PollScheduler) SetVisible(visible bool) {
	p.mu.Lock()
	p.visible = visible
	p.mu.Unlock()
}

// Arm starts the refresh loop, replacing any previous one. Only one timer is
// ever pending; opening a new conversation re-arms rather than stacks.
func (p *PollScheduler) Arm(ctx context.Context) {
	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
	}
	stop := make(chan struct{})
	p.stop = stop
	p.mu.Unlock()

	go p.loop(ctx, stop)
}

// Disarm stops the refresh loop.
func (p *PollScheduler) Disarm() {
	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.mu.Unlock()
}

// Cadence returns the interval the next tick will be scheduled at: short
// while a conversation is Active and the surface visible, long otherwise.
func (p *PollScheduler) Cadence() time.Duration {
	p.mu.Lock()
	visible := p.visible
	p.mu.Unlock()
	if visible && p.session.State() == StateActive {
		return p.cfg.ShortInterval
	}
	return p.cfg.LongInterval
}

func (p *PollScheduler) loop(ctx context.Context, stop chan struct{}) {
	for {
		timer := time.NewTimer(p.Cadence())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			p.Tick(ctx)
		}
	}
}

// Tick performs one refresh pass. Exposed so user actions and tests can
// drive the exact code path the timer drives.
func (p *PollScheduler) Tick(ctx context.Context) {
	if p.session.State() != StateActive {
		return
	}
	if p.session.PollSuppressed() {
		// Fresh support/guest chat: the server has nothing yet and a fetch
		// would overwrite the synthesized welcome message.
		return
	}
	conv := p.session.Conversation()
	if conv == nil {
		return
	}
	viewer := p.session.ViewerID()

	msgs, err := p.transport.ListMessages(ctx, conv.ID, viewer)
	if err != nil {
		// Reads leave prior state untouched; retry next tick.
		p.logger.Debug("poll refresh failed", "conversation", conv.ID, "error", err)
	} else if p.session.ApplyServerMessages(conv.ID, msgs) {
		p.mu.Lock()
		fn := p.onChange
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	}

	status, err := p.transport.GetTyping(ctx, conv.ID, viewer)
	if err != nil {
		p.logger.Debug("typing refresh failed", "conversation", conv.ID, "error", err)
		return
	}
	p.mu.Lock()
	fn := p.onTyping
	p.mu.Unlock()
	if fn != nil && status != nil {
		fn(*status)
	}
}
