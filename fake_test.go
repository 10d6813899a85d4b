package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeTransport is a function-field Transport for driving the session, poll,
// typing, and engine tests without HTTP. Unset fields behave like an empty,
// always-successful backend.
type fakeTransport struct {
	mu sync.Mutex

	listConversationsFn func(ctx context.Context, userID string) ([]Conversation, error)
	listMessagesFn      func(ctx context.Context, conversationID, viewerID string) ([]Message, error)
	sendMessageFn       func(ctx context.Context, conversationID, senderID, content string) (*Message, error)
	sendGuestMessageFn  func(ctx context.Context, conversationID, guestEmail, referenceNumber, content string) (*Message, error)
	setTypingFn         func(ctx context.Context, conversationID, userID string, isTyping bool) error
	getTypingFn         func(ctx context.Context, conversationID, userID string) (*TypingStatus, error)
	startSupportFn      func(ctx context.Context, userID string) (*SupportStart, error)
	startGuestFn        func(ctx context.Context, guest GuestIdentity, topic, subject string) (*Conversation, error)
	endChatFn           func(ctx context.Context, conversationID, recipientEmail string) error

	// call counters for assertions
	listMessagesCalls int
	typingCalls       []bool
}

func (f *fakeTransport) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	if f.listConversationsFn != nil {
		return f.listConversationsFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeTransport) ListMessages(ctx context.Context, conversationID, viewerID string) ([]Message, error) {
	f.mu.Lock()
	f.listMessagesCalls++
	f.mu.Unlock()
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, conversationID, viewerID)
	}
	return nil, nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error) {
	if f.sendMessageFn != nil {
		return f.sendMessageFn(ctx, conversationID, senderID, content)
	}
	return &Message{
		ID:             fmt.Sprintf("srv-%d", time.Now().UnixNano()),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (f *fakeTransport) SendGuestMessage(ctx context.Context, conversationID, guestEmail, referenceNumber, content string) (*Message, error) {
	if f.sendGuestMessageFn != nil {
		return f.sendGuestMessageFn(ctx, conversationID, guestEmail, referenceNumber, content)
	}
	return &Message{
		ID:             fmt.Sprintf("srv-%d", time.Now().UnixNano()),
		ConversationID: conversationID,
		SenderID:       referenceNumber,
		Content:        content,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (f *fakeTransport) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	f.mu.Lock()
	f.typingCalls = append(f.typingCalls, isTyping)
	f.mu.Unlock()
	if f.setTypingFn != nil {
		return f.setTypingFn(ctx, conversationID, userID, isTyping)
	}
	return nil
}

func (f *fakeTransport) GetTyping(ctx context.Context, conversationID, userID string) (*TypingStatus, error) {
	if f.getTypingFn != nil {
		return f.getTypingFn(ctx, conversationID, userID)
	}
	return &TypingStatus{ConversationID: conversationID, IsTyping: false}, nil
}

func (f *fakeTransport) StartSupportConversation(ctx context.Context, userID string) (*SupportStart, error) {
	if f.startSupportFn != nil {
		return f.startSupportFn(ctx, userID)
	}
	return &SupportStart{
		Conversation: Conversation{ID: "support-1", Kind: KindSupport},
	}, nil
}

func (f *fakeTransport) StartGuestSupportConversation(ctx context.Context, guest GuestIdentity, topic, subject string) (*Conversation, error) {
	if f.startGuestFn != nil {
		return f.startGuestFn(ctx, guest, topic, subject)
	}
	g := guest
	return &Conversation{ID: "guest-1", Kind: KindGuestSupport, Guest: &g}, nil
}

func (f *fakeTransport) EndChat(ctx context.Context, conversationID, recipientEmail string) error {
	if f.endChatFn != nil {
		return f.endChatFn(ctx, conversationID, recipientEmail)
	}
	return nil
}

func (f *fakeTransport) messageListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listMessagesCalls
}

func (f *fakeTransport) recordedTyping() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(f.typingCalls))
	copy(out, f.typingCalls)
	return out
}

// serverMessage builds a confirmed message with a fixed timestamp, handy for
// deterministic ordering in tests.
func serverMessage(id, conversationID, senderID, content, createdAt string) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      createdAt,
	}
}
