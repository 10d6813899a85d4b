package chatsync

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Session state
// ============================================================================

// SessionState is the explicit lifecycle state of the conversation session.
// The original widget tracked this with scattered booleans; the enum makes
// illegal combinations (Active with no conversation) unrepresentable.
type SessionState int

const (
	StateIdle SessionState = iota
	StateLoading
	StateActive
	StateGuestFormPending
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateGuestFormPending:
		return "guest_form_pending"
	default:
		return "unknown"
	}
}

var (
	// ErrStaleResponse marks a load whose result arrived after the session
	// moved on to another conversation. It is discarded, never user-facing.
	ErrStaleResponse = errors.New("stale conversation response")

	// ErrNotActive is returned for operations that require an open
	// conversation.
	ErrNotActive = errors.New("no active conversation")

	// ErrNotSupportChat is returned when EndChat is called on a standard
	// conversation.
	ErrNotSupportChat = errors.New("not a support conversation")
)

// ============================================================================
// Session
// ============================================================================

// Session owns the currently open conversation: its identity, participant,
// and state transitions. All server state flows into the message store
// through exactly one path, ApplyServerMessages, whether driven by the poll
// scheduler, the push refresher, or a user action.
type Session struct {
	transport Transport
	store     *MessageStore
	logger    *slog.Logger
	userID    string

	mu            sync.Mutex
	state         SessionState
	conv          *Conversation
	guest         *GuestIdentity
	loadEpoch     uint64
	suppressPolls bool
}

type SessionOption func(*Session)

func WithStore(store *MessageStore) SessionOption {
	return func(s *Session) { s.store = store }
}

func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// NewSession creates a session for an authenticated user. Pass userID "" for
// a guest-only session.
func NewSession(transport Transport, userID string, opts ...SessionOption) *Session {
	s := &Session{
		transport: transport,
		store:     NewMessageStore(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		userID:    userID,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the message store owned by this session.
func (s *Session) Store() *MessageStore {
	return s.store
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns a copy of the active conversation, or nil.
func (s *Session) Conversation() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil {
		return nil
	}
	c := *s.conv
	return &c
}

// PollSuppressed reports whether background refresh is currently a no-op,
// i.e. a fresh support/guest chat holds only the synthesized welcome message
// and the server has nothing to return yet.
func (s *Session) PollSuppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressPolls
}

// ViewerID is the identity used for message reads and typing calls: the
// authenticated user id, or the guest reference number.
func (s *Session) ViewerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewerIDLocked()
}

func (s *Session) viewerIDLocked() string {
	if s.guest != nil {
		return s.guest.ReferenceNumber
	}
	return s.userID
}

// ============================================================================
// Transitions
// ============================================================================

// OpenConversation loads a conversation's history and activates it. A failed
// load leaves the session Idle with an empty store rather than half-open. A
// load that resolves after another conversation was opened is discarded and
// reported as ErrStaleResponse.
func (s *Session) OpenConversation(ctx context.Context, conv Conversation) error {
	s.mu.Lock()
	s.loadEpoch++
	epoch := s.loadEpoch
	c := conv
	s.state = StateLoading
	s.conv = &c
	if conv.Guest != nil {
		g := *conv.Guest
		s.guest = &g
	} else {
		s.guest = nil
	}
	s.suppressPolls = false
	viewer := s.viewerIDLocked()
	s.mu.Unlock()

	msgs, err := s.transport.ListMessages(ctx, conv.ID, viewer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadEpoch != epoch || s.conv == nil || s.conv.ID != conv.ID {
		// Another open superseded this one while the request was in flight.
		return ErrStaleResponse
	}
	if err != nil {
		s.state = StateIdle
		s.conv = nil
		s.guest = nil
		s.store.Clear()
		return fmt.Errorf("open conversation %s: %w", conv.ID, err)
	}
	s.store.Reconcile(msgs)
	s.state = StateActive
	return nil
}

// StartSupportChat opens the user's support conversation. The server reuses
// a same-day conversation when one exists; in that case this behaves like
// OpenConversation. Otherwise the store is seeded with a local welcome
// message, polling is suppressed until the first send, and the session goes
// Active immediately so the welcome is visible without a round trip.
func (s *Session) StartSupportChat(ctx context.Context) error {
	s.mu.Lock()
	if s.userID == "" {
		s.mu.Unlock()
		return &ValidationError{Field: "userId", Reason: "support chat requires an authenticated user"}
	}
	userID := s.userID
	s.mu.Unlock()

	start, err := s.transport.StartSupportConversation(ctx, userID)
	if err != nil {
		return fmt.Errorf("start support chat: %w", err)
	}

	if start.Reused {
		return s.OpenConversation(ctx, start.Conversation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadEpoch++
	conv := start.Conversation
	s.conv = &conv
	s.guest = nil
	s.store.Clear()
	s.store.Reconcile([]Message{supportWelcome(conv.ID)})
	s.suppressPolls = true
	s.state = StateActive
	return nil
}

// BeginGuestForm transitions an idle session into the guest-details form
// state that precedes an anonymous support chat.
func (s *Session) BeginGuestForm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("guest form from state %s: %w", s.state, ErrNotActive)
	}
	s.state = StateGuestFormPending
	return nil
}

// GuestInfo is the visitor-supplied identity for a guest support chat.
type GuestInfo struct {
	Name  string
	Email string
}

// StartGuestChat validates the guest form, generates a reference number,
// creates the conversation server-side, and seeds a welcome message naming
// the guest and the reference. Polling stays suppressed until the guest's
// first real send.
func (s *Session) StartGuestChat(ctx context.Context, info GuestInfo, topic, subject string) error {
	if strings.TrimSpace(info.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if !strings.Contains(info.Email, "@") {
		return &ValidationError{Field: "email", Reason: "must be a valid email address"}
	}
	if strings.TrimSpace(topic) == "" {
		return &ValidationError{Field: "topic", Reason: "a topic category must be selected"}
	}
	if strings.TrimSpace(subject) == "" {
		return &ValidationError{Field: "subject", Reason: "required"}
	}

	guest := GuestIdentity{
		Name:            strings.TrimSpace(info.Name),
		Email:           strings.TrimSpace(info.Email),
		ReferenceNumber: GenerateReferenceNumber(),
	}

	conv, err := s.transport.StartGuestSupportConversation(ctx, guest, topic, subject)
	if err != nil {
		return fmt.Errorf("start guest chat: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadEpoch++
	c := *conv
	s.conv = &c
	s.guest = &guest
	s.store.Clear()
	s.store.Reconcile([]Message{guestWelcome(c.ID, guest)})
	s.suppressPolls = true
	s.state = StateActive
	return nil
}

// SendMessage inserts an optimistic message, then confirms it against the
// server. The optimistic entry is visible before the network call starts and
// is removed entirely if the call fails. A successful send closes the poll
// suppression window.
func (s *Session) SendMessage(ctx context.Context, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &ValidationError{Field: "content", Reason: "message text is empty"}
	}

	s.mu.Lock()
	if s.state != StateActive || s.conv == nil {
		s.mu.Unlock()
		return nil, ErrNotActive
	}
	conv := *s.conv
	guest := s.guest
	sender := s.viewerIDLocked()
	s.mu.Unlock()

	tempID := s.store.InsertOptimistic(Message{
		ConversationID: conv.ID,
		SenderID:       sender,
		Content:        text,
	})

	var confirmed *Message
	var err error
	if guest != nil {
		confirmed, err = s.transport.SendGuestMessage(ctx, conv.ID, guest.Email, guest.ReferenceNumber, text)
	} else {
		confirmed, err = s.transport.SendMessage(ctx, conv.ID, sender, text)
	}
	if err != nil {
		s.store.DropOptimistic(tempID)
		return nil, fmt.Errorf("send message: %w", err)
	}

	s.mu.Lock()
	s.suppressPolls = false
	isSupport := conv.Kind.IsSupport() || guest != nil
	viewer := s.viewerIDLocked()
	s.mu.Unlock()

	if isSupport {
		// Support flows synthesize a local welcome message the server never
		// echoes; replacing the whole store would erase it. Confirm the
		// optimistic entry in place instead.
		s.store.ResolveOptimistic(tempID, confirmed)
		return confirmed, nil
	}

	msgs, listErr := s.transport.ListMessages(ctx, conv.ID, viewer)
	if listErr != nil {
		// Keep prior state plus the confirmed message; next poll reconciles.
		s.logger.Debug("post-send refresh failed", "conversation", conv.ID, "error", listErr)
		s.store.ResolveOptimistic(tempID, confirmed)
		return confirmed, nil
	}
	s.ApplyServerMessages(conv.ID, msgs)
	return confirmed, nil
}

// ApplyServerMessages is the single path by which fetched server state
// reaches the message store. It refuses payloads for conversations that are
// no longer active and honors the poll suppression window. Returns true when
// the store changed.
func (s *Session) ApplyServerMessages(conversationID string, msgs []Message) bool {
	s.mu.Lock()
	if s.state != StateActive || s.conv == nil || s.conv.ID != conversationID {
		s.mu.Unlock()
		return false
	}
	if s.suppressPolls {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	return s.store.Reconcile(msgs)
}

// EndChat closes a support or guest conversation and returns the session to
// Idle with an empty store. Standard conversations cannot be ended this way.
func (s *Session) EndChat(ctx context.Context, recipientEmail string) error {
	s.mu.Lock()
	if s.state != StateActive || s.conv == nil {
		s.mu.Unlock()
		return ErrNotActive
	}
	if !s.conv.Kind.IsSupport() {
		s.mu.Unlock()
		return ErrNotSupportChat
	}
	convID := s.conv.ID
	s.mu.Unlock()

	if err := s.transport.EndChat(ctx, convID, recipientEmail); err != nil {
		return fmt.Errorf("end chat: %w", err)
	}
	s.Close()
	return nil
}

// Close leaves the current conversation: Idle state, empty store, any
// in-flight load invalidated.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadEpoch++
	s.state = StateIdle
	s.conv = nil
	s.guest = nil
	s.suppressPolls = false
	s.store.Clear()
}

// ============================================================================
// Welcome messages and reference numbers
// ============================================================================

func supportWelcome(conversationID string) Message {
	return Message{
		ID:             TempIDPrefix + "welcome",
		ConversationID: conversationID,
		SenderID:       SenderSupport,
		Content:        "Hi! You're connected to PartyBooker support. Tell us what's going on and a teammate will reply here shortly.",
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func guestWelcome(conversationID string, guest GuestIdentity) Message {
	return Message{
		ID:             TempIDPrefix + "welcome",
		ConversationID: conversationID,
		SenderID:       SenderSupport,
		Content: fmt.Sprintf(
			"Thanks %s! Your support request has been received. Your reference number is %s — keep it to follow up by email. A teammate will reply here shortly.",
			guest.Name, guest.ReferenceNumber,
		),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

const referenceSuffixAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateReferenceNumber returns a human-shareable guest reference of the
// form PB-<base36 timestamp>-<4 random uppercase alphanumerics>.
func GenerateReferenceNumber() string {
	ts := strconv.FormatInt(time.Now().UnixNano(), 36)

	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Timestamp alone still yields a usable, mostly unique reference.
		return "PB-" + strings.ToUpper(ts) + "-XXXX"
	}
	suffix := make([]byte, 4)
	for i, v := range b {
		suffix[i] = referenceSuffixAlphabet[int(v)%len(referenceSuffixAlphabet)]
	}
	return "PB-" + strings.ToUpper(ts) + "-" + string(suffix)
}
