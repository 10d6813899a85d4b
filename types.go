package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// Errors
// ============================================================================

// TransportError is returned for any non-2xx response from the messaging API.
// Genuine I/O failures (timeout, offline) are returned as wrapped transport
// errors from the underlying HTTP client instead.
type TransportError struct {
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// ValidationError reports client-side input validation failure. It is always
// produced before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ============================================================================
// Conversation
// ============================================================================

// ConversationKind classifies a conversation.
type ConversationKind string

const (
	KindStandard     ConversationKind = "standard"
	KindSupport      ConversationKind = "support"
	KindGuestSupport ConversationKind = "guest_support"
)

// IsSupport reports whether the kind is one of the support flavors, which
// suppress send-path reconciliation to protect locally synthesized messages.
func (k ConversationKind) IsSupport() bool {
	return k == KindSupport || k == KindGuestSupport
}

// GuestIdentity identifies an unauthenticated support-chat participant.
type GuestIdentity struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	ReferenceNumber string `json:"referenceNumber"`
}

// Conversation is the canonical client-side conversation shape.
// ID may be empty for a guest conversation the server has not created yet.
type Conversation struct {
	ID                  string           `json:"id"`
	Kind                ConversationKind `json:"kind"`
	OtherPartyName      string           `json:"otherPartyName,omitempty"`
	VendorProfileID     string           `json:"vendorProfileId,omitempty"`
	Guest               *GuestIdentity   `json:"guest,omitempty"`
	LastMessageContent  string           `json:"lastMessageContent,omitempty"`
	LastMessageAt       string           `json:"lastMessageCreatedAt,omitempty"`
	LastMessageSenderID string           `json:"lastMessageSenderId,omitempty"`
	UnreadCount         int              `json:"unreadCount"`
}

// ============================================================================
// Message
// ============================================================================

// SenderSupport is the canonical sender id for system/support messages.
// The wire uses a null or "support" sender for these; normalization folds
// both into this value.
const SenderSupport = "support"

// TempIDPrefix marks locally generated message ids that have not been
// confirmed by the server.
const TempIDPrefix = "temp-"

// Message is the canonical client-side message shape. Timestamps are RFC 3339
// strings as emitted by the API; lexicographic order equals send order.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt"`
	IsRead         bool   `json:"isRead"`
	ReadAt         string `json:"readAt,omitempty"`

	// Optimistic is true from local insertion until the server confirms or
	// rejects the message. It never crosses the wire.
	Optimistic bool `json:"-"`
}

// IsTemp reports whether the message still carries a locally generated id.
func (m Message) IsTemp() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// TypingStatus is the ephemeral typing state of one participant in one
// conversation. It is never part of the message store.
type TypingStatus struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ============================================================================
// Wire normalization
// ============================================================================

// flexID accepts a JSON string or number; the legacy backend emits both.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// wireMessage is the raw message DTO. Field matching is case-insensitive, so
// both the modern (senderId) and legacy (SenderID) spellings bind here.
type wireMessage struct {
	ID             flexID  `json:"id"`
	ConversationID flexID  `json:"conversationId"`
	SenderID       *flexID `json:"senderId"`
	Content        string  `json:"content"`
	CreatedAt      string  `json:"createdAt"`
	IsRead         bool    `json:"isRead"`
	ReadAt         string  `json:"readAt"`
}

func (w wireMessage) normalize() Message {
	sender := SenderSupport
	if w.SenderID != nil && *w.SenderID != "" && string(*w.SenderID) != SenderSupport {
		sender = string(*w.SenderID)
	}
	return Message{
		ID:             string(w.ID),
		ConversationID: string(w.ConversationID),
		SenderID:       sender,
		Content:        w.Content,
		CreatedAt:      w.CreatedAt,
		IsRead:         w.IsRead,
		ReadAt:         w.ReadAt,
	}
}

// wireConversation is the raw conversation DTO from the conversation list and
// start-conversation endpoints.
type wireConversation struct {
	ID                  flexID         `json:"id"`
	Kind                string         `json:"kind"`
	OtherPartyName      string         `json:"otherPartyName"`
	VendorProfileID     flexID         `json:"vendorProfileId"`
	Guest               *GuestIdentity `json:"guest"`
	LastMessageContent  string         `json:"lastMessageContent"`
	LastMessageAt       string         `json:"lastMessageCreatedAt"`
	LastMessageSenderID *flexID        `json:"lastMessageSenderId"`
	UnreadCount         int            `json:"unreadCount"`
}

func (w wireConversation) normalize() Conversation {
	kind := ConversationKind(w.Kind)
	switch kind {
	case KindStandard, KindSupport, KindGuestSupport:
	default:
		kind = KindStandard
	}
	c := Conversation{
		ID:                 string(w.ID),
		Kind:               kind,
		OtherPartyName:     w.OtherPartyName,
		VendorProfileID:    string(w.VendorProfileID),
		Guest:              w.Guest,
		LastMessageContent: w.LastMessageContent,
		LastMessageAt:      w.LastMessageAt,
		UnreadCount:        w.UnreadCount,
	}
	if w.LastMessageSenderID != nil {
		c.LastMessageSenderID = string(*w.LastMessageSenderID)
	}
	return c
}

// SupportStart is the result of starting an authenticated support
// conversation. Reused is true when the server handed back an existing
// same-day conversation instead of creating a fresh one.
type SupportStart struct {
	Conversation Conversation
	Reused       bool
}

func normalizeMessages(wire []wireMessage) []Message {
	out := make([]Message, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.normalize())
	}
	return out
}

func normalizeConversations(wire []wireConversation) []Conversation {
	out := make([]Conversation, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.normalize())
	}
	return out
}
