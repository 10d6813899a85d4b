package chatsync

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenConversation(t *testing.T) {
	t.Run("success activates with history", func(t *testing.T) {
		transport := &fakeTransport{
			listMessagesFn: func(ctx context.Context, conversationID, viewerID string) ([]Message, error) {
				return []Message{
					serverMessage("m1", conversationID, "vendor-9", "hi there", "2026-01-01T10:00:00Z"),
				}, nil
			},
		}
		session := NewSession(transport, "user-1")

		err := session.OpenConversation(context.Background(), Conversation{ID: "conv-1", Kind: KindStandard})
		require.NoError(t, err)
		assert.Equal(t, StateActive, session.State())
		assert.Equal(t, "m1", session.Store().IDSignature())
	})

	t.Run("failure returns to idle with empty store", func(t *testing.T) {
		transport := &fakeTransport{
			listMessagesFn: func(ctx context.Context, conversationID, viewerID string) ([]Message, error) {
				return nil, &TransportError{Status: 500, Message: "boom"}
			},
		}
		session := NewSession(transport, "user-1")

		err := session.OpenConversation(context.Background(), Conversation{ID: "conv-1"})
		require.Error(t, err)
		assert.Equal(t, StateIdle, session.State())
		assert.Zero(t, session.Store().Len())
		assert.Nil(t, session.Conversation())
	})
}

// A slow load for one conversation must not clobber a faster one opened
// afterwards: the stale result is discarded entirely.
func TestOpenConversationStaleResponse(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	transport := &fakeTransport{
		listMessagesFn: func(ctx context.Context, conversationID, viewerID string) ([]Message, error) {
			if conversationID == "conv-slow" {
				close(started)
				<-release
				return []Message{serverMessage("slow-1", conversationID, "vendor-1", "old", "2026-01-01T09:00:00Z")}, nil
			}
			return []Message{serverMessage("fast-1", conversationID, "vendor-2", "new", "2026-01-01T10:00:00Z")}, nil
		},
	}
	session := NewSession(transport, "user-1")

	slowErr := make(chan error, 1)
	go func() {
		slowErr <- session.OpenConversation(context.Background(), Conversation{ID: "conv-slow"})
	}()
	<-started

	require.NoError(t, session.OpenConversation(context.Background(), Conversation{ID: "conv-fast"}))
	close(release)

	err := <-slowErr
	require.ErrorIs(t, err, ErrStaleResponse)

	// The store reflects only the conversation opened last.
	assert.Equal(t, "fast-1", session.Store().IDSignature())
	assert.Equal(t, "conv-fast", session.Conversation().ID)
}

func TestSendMessage(t *testing.T) {
	openStandard := func(t *testing.T, transport *fakeTransport) *Session {
		t.Helper()
		session := NewSession(transport, "user-1")
		require.NoError(t, session.OpenConversation(context.Background(), Conversation{ID: "conv-1", Kind: KindStandard}))
		return session
	}

	t.Run("empty text is rejected before any network call", func(t *testing.T) {
		transport := &fakeTransport{}
		session := openStandard(t, transport)

		_, err := session.SendMessage(context.Background(), "   ")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "content", verr.Field)
	})

	t.Run("requires an active conversation", func(t *testing.T) {
		session := NewSession(&fakeTransport{}, "user-1")
		_, err := session.SendMessage(context.Background(), "hello")
		require.ErrorIs(t, err, ErrNotActive)
	})

	t.Run("failed send rolls the store back", func(t *testing.T) {
		transport := &fakeTransport{
			sendMessageFn: func(ctx context.Context, conversationID, senderID, content string) (*Message, error) {
				return nil, &TransportError{Status: 502, Message: "gateway"}
			},
		}
		session := openStandard(t, transport)
		before := session.Store().IDSignature()

		_, err := session.SendMessage(context.Background(), "hello")
		require.Error(t, err)
		assert.Equal(t, before, session.Store().IDSignature())
	})

	t.Run("standard send refetches the authoritative list", func(t *testing.T) {
		sent := false
		transport := &fakeTransport{}
		transport.listMessagesFn = func(ctx context.Context, conversationID, viewerID string) ([]Message, error) {
			msgs := []Message{serverMessage("m1", conversationID, "vendor-9", "hi", "2026-01-01T10:00:00Z")}
			if sent {
				msgs = append(msgs, serverMessage("srv-2", conversationID, "user-1", "hello", "2026-01-01T10:01:00Z"))
			}
			return msgs, nil
		}
		transport.sendMessageFn = func(ctx context.Context, conversationID, senderID, content string) (*Message, error) {
			sent = true
			msg := serverMessage("srv-2", conversationID, senderID, content, "2026-01-01T10:01:00Z")
			return &msg, nil
		}
		session := openStandard(t, transport)

		msg, err := session.SendMessage(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, "srv-2", msg.ID)
		assert.Equal(t, "m1,srv-2", session.Store().IDSignature())
		for _, m := range session.Store().Snapshot() {
			assert.False(t, m.Optimistic)
		}
	})
}

// A fresh support chat holds only the locally synthesized welcome message.
// Background refresh must be a no-op until the first successful send, and the
// send itself must not erase the welcome.
func TestSupportChatSuppressionWindow(t *testing.T) {
	transport := &fakeTransport{}
	session := NewSession(transport, "user-1")

	require.NoError(t, session.StartSupportChat(context.Background()))
	assert.Equal(t, StateActive, session.State())
	assert.True(t, session.PollSuppressed())

	welcome := session.Store().Snapshot()
	require.Len(t, welcome, 1)
	assert.Equal(t, SenderSupport, welcome[0].SenderID)

	// A poll that lands inside the window leaves the welcome alone even
	// though the server list is empty.
	assert.False(t, session.ApplyServerMessages("support-1", nil))
	assert.Equal(t, 1, session.Store().Len())

	_, err := session.SendMessage(context.Background(), "my booking is broken")
	require.NoError(t, err)
	assert.False(t, session.PollSuppressed())

	// Welcome survives the send; the sent message is confirmed in place.
	msgs := session.Store().Snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, SenderSupport, msgs[0].SenderID)
	assert.False(t, msgs[1].Optimistic)
}

func TestStartSupportChatReused(t *testing.T) {
	transport := &fakeTransport{
		startSupportFn: func(ctx context.Context, userID string) (*SupportStart, error) {
			return &SupportStart{
				Conversation: Conversation{ID: "support-7", Kind: KindSupport},
				Reused:       true,
			}, nil
		},
		listMessagesFn: func(ctx context.Context, conversationID, viewerID string) ([]Message, error) {
			return []Message{
				serverMessage("m1", conversationID, "user-1", "earlier today", "2026-01-01T08:00:00Z"),
				serverMessage("m2", conversationID, SenderSupport, "we're on it", "2026-01-01T08:05:00Z"),
			}, nil
		},
	}
	session := NewSession(transport, "user-1")

	require.NoError(t, session.StartSupportChat(context.Background()))
	assert.Equal(t, StateActive, session.State())
	// Reuse behaves like a plain open: real history, no suppression window.
	assert.False(t, session.PollSuppressed())
	assert.Equal(t, "m1,m2", session.Store().IDSignature())
}

func TestStartSupportChatRequiresUser(t *testing.T) {
	session := NewSession(&fakeTransport{}, "")
	err := session.StartSupportChat(context.Background())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestGuestChatValidation(t *testing.T) {
	cases := []struct {
		name    string
		info    GuestInfo
		topic   string
		subject string
		field   string
	}{
		{"missing name", GuestInfo{Email: "a@b.com"}, "billing", "help", "name"},
		{"bad email", GuestInfo{Name: "Jane", Email: "not-an-email"}, "billing", "help", "email"},
		{"missing topic", GuestInfo{Name: "Jane", Email: "a@b.com"}, "", "help", "topic"},
		{"missing subject", GuestInfo{Name: "Jane", Email: "a@b.com"}, "billing", "", "subject"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			session := NewSession(&fakeTransport{}, "")
			err := session.StartGuestChat(context.Background(), tc.info, tc.topic, tc.subject)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

// Full guest journey: form, chat creation, two sends authenticated by email
// plus reference number, then ending the chat with a transcript email.
func TestGuestChatEndToEnd(t *testing.T) {
	var sentRefs []string
	var endedWith string
	transport := &fakeTransport{
		sendGuestMessageFn: func(ctx context.Context, conversationID, guestEmail, referenceNumber, content string) (*Message, error) {
			assert.Equal(t, "jane@x.com", guestEmail)
			sentRefs = append(sentRefs, referenceNumber)
			msg := serverMessage("srv-"+content, conversationID, referenceNumber, content, "2026-01-01T10:00:00Z")
			return &msg, nil
		},
		endChatFn: func(ctx context.Context, conversationID, recipientEmail string) error {
			endedWith = recipientEmail
			return nil
		},
	}
	session := NewSession(transport, "")

	require.NoError(t, session.BeginGuestForm())
	assert.Equal(t, StateGuestFormPending, session.State())

	info := GuestInfo{Name: "Jane Doe", Email: "jane@x.com"}
	require.NoError(t, session.StartGuestChat(context.Background(), info, "booking_issue", "Can't confirm booking"))
	assert.Equal(t, StateActive, session.State())
	assert.True(t, session.PollSuppressed())

	conv := session.Conversation()
	require.NotNil(t, conv.Guest)
	reference := conv.Guest.ReferenceNumber
	assert.Equal(t, reference, session.ViewerID())

	// Welcome message names the guest and the reference.
	welcome := session.Store().Snapshot()[0]
	assert.Contains(t, welcome.Content, "Jane Doe")
	assert.Contains(t, welcome.Content, reference)

	_, err := session.SendMessage(context.Background(), "Can't confirm booking")
	require.NoError(t, err)
	assert.False(t, session.PollSuppressed())
	_, err = session.SendMessage(context.Background(), "Still stuck")
	require.NoError(t, err)

	require.Equal(t, []string{reference, reference}, sentRefs)
	assert.Equal(t, 3, session.Store().Len())

	require.NoError(t, session.EndChat(context.Background(), "jane@x.com"))
	assert.Equal(t, "jane@x.com", endedWith)
	assert.Equal(t, StateIdle, session.State())
	assert.Zero(t, session.Store().Len())
}

func TestEndChatRejectsStandardConversations(t *testing.T) {
	transport := &fakeTransport{}
	session := NewSession(transport, "user-1")
	require.NoError(t, session.OpenConversation(context.Background(), Conversation{ID: "conv-1", Kind: KindStandard}))

	err := session.EndChat(context.Background(), "a@b.com")
	require.ErrorIs(t, err, ErrNotSupportChat)
	assert.Equal(t, StateActive, session.State())
}

func TestApplyServerMessagesGuards(t *testing.T) {
	transport := &fakeTransport{}
	session := NewSession(transport, "user-1")

	// No active conversation.
	assert.False(t, session.ApplyServerMessages("conv-1", []Message{serverMessage("m1", "conv-1", "u", "x", "t")}))

	require.NoError(t, session.OpenConversation(context.Background(), Conversation{ID: "conv-1"}))

	// Mismatched conversation id.
	assert.False(t, session.ApplyServerMessages("conv-other", []Message{serverMessage("m1", "conv-other", "u", "x", "t")}))
	assert.Zero(t, session.Store().Len())

	// Matching id applies.
	assert.True(t, session.ApplyServerMessages("conv-1", []Message{serverMessage("m1", "conv-1", "u", "x", "2026-01-01T10:00:00Z")}))
	assert.Equal(t, 1, session.Store().Len())
}

func TestGenerateReferenceNumber(t *testing.T) {
	pattern := regexp.MustCompile(`^PB-[0-9A-Z]+-[A-Z0-9]{4}$`)

	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		ref := GenerateReferenceNumber()
		require.True(t, pattern.MatchString(ref), "bad reference %q", ref)
		if _, dup := seen[ref]; dup {
			t.Fatalf("duplicate reference %q after %d draws", ref, i)
		}
		seen[ref] = struct{}{}
	}
}

func TestSessionClose(t *testing.T) {
	transport := &fakeTransport{}
	session := NewSession(transport, "user-1")
	require.NoError(t, session.OpenConversation(context.Background(), Conversation{ID: "conv-1"}))

	session.Close()
	assert.Equal(t, StateIdle, session.State())
	assert.Nil(t, session.Conversation())
	assert.Zero(t, session.Store().Len())
	// A closed session is back at Idle, so the guest form is reachable again.
	require.NoError(t, session.BeginGuestForm())
}
