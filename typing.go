package chatsync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultQuietInterval is how long after the last keystroke the coordinator
// waits before emitting "stopped typing".
const DefaultQuietInterval = 2 * time.Second

// TypingCoordinator debounces outbound typing signals and caches the inbound
// status polled from the server. Emissions are fire-and-forget: a typing
// failure must never block or delay a send, so errors are swallowed and at
// most logged.
type TypingCoordinator struct {
	transport Transport
	session   *Session
	quiet     time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	remote TypingStatus
}

// NewTypingCoordinator creates a coordinator. quiet <= 0 takes the default.
func NewTypingCoordinator(session *Session, transport Transport, quiet time.Duration) *TypingCoordinator {
	if quiet <= 0 {
		quiet = DefaultQuietInterval
	}
	return &TypingCoordinator{
		transport: transport,
		session:   session,
		quiet:     quiet,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// SetLogger replaces the coordinator's logger.
func (t *TypingCoordinator) SetLogger(logger *slog.Logger) {
	t.logger = logger
}

// Keystroke records composer input. The first keystroke of a burst emits
// "typing" immediately; every keystroke resets the single pending quiet
// timer, which emits "stopped typing" once the burst ends.
func (t *TypingCoordinator) Keystroke() {
	conv := t.session.Conversation()
	if conv == nil {
		return
	}
	viewer := t.session.ViewerID()

	t.mu.Lock()
	first := !t.typing
	t.typing = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.quiet, func() { t.quietElapsed(conv.ID, viewer) })
	t.mu.Unlock()

	if first {
		go t.emit(conv.ID, viewer, true)
	}
}

func (t *TypingCoordinator) quietElapsed(conversationID, viewer string) {
	t.mu.Lock()
	if !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.mu.Unlock()

	t.emit(conversationID, viewer, false)
}

// Cancel drops any pending quiet timer without emitting; used when the
// conversation closes.
func (t *TypingCoordinator) Cancel() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.typing = false
	t.mu.Unlock()
}

func (t *TypingCoordinator) emit(conversationID, viewer string, isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.transport.SetTyping(ctx, conversationID, viewer, isTyping); err != nil {
		t.logger.Debug("typing emit failed", "conversation", conversationID, "error", err)
	}
}

// SetRemote stores the other participant's polled typing status.
func (t *TypingCoordinator) SetRemote(status TypingStatus) {
	t.mu.Lock()
	t.remote = status
	t.mu.Unlock()
}

// Remote returns the last polled typing status of the other participant.
// The value is ephemeral and never enters the message store.
func (t *TypingCoordinator) Remote() TypingStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}
