package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitEvent drains the channel until an event of the wanted type arrives.
func waitEvent(t *testing.T, events <-chan Event, wanted EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", wanted)
			}
			if ev.Type == wanted {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", wanted)
		}
	}
}

func TestEngineOpen(t *testing.T) {
	transport := &fakeTransport{
		listMessagesFn: func(ctx context.Context, conversationID, viewerID string) ([]Message, error) {
			return []Message{serverMessage("m1", conversationID, "vendor-9", "hi", "2026-01-01T10:00:00Z")}, nil
		},
	}
	engine := NewEngine(transport, "user-1", WithPollConfig(PollConfig{
		ShortInterval: time.Hour,
		LongInterval:  time.Hour,
	}))
	defer engine.Close()

	require.NoError(t, engine.Open(context.Background(), Conversation{ID: "conv-1", Kind: KindStandard}))

	state := waitEvent(t, engine.Events(), EventState)
	assert.Equal(t, StateActive, state.State)

	msgs := waitEvent(t, engine.Events(), EventMessages)
	require.Len(t, msgs.Messages, 1)
	// Initial load always scrolls to the latest message.
	assert.True(t, msgs.AutoScroll)
}

func TestEngineOpenFailure(t *testing.T) {
	transport := &fakeTransport{
		listMessagesFn: func(ctx context.Context, conversationID, viewerID string) ([]Message, error) {
			return nil, &TransportError{Status: 500, Message: "boom"}
		},
	}
	engine := NewEngine(transport, "user-1")
	defer engine.Close()

	require.Error(t, engine.Open(context.Background(), Conversation{ID: "conv-1"}))

	ev := waitEvent(t, engine.Events(), EventError)
	require.Error(t, ev.Err)
	state := waitEvent(t, engine.Events(), EventState)
	assert.Equal(t, StateIdle, state.State)
}

func TestEngineSendEmitsRollbackOnFailure(t *testing.T) {
	transport := &fakeTransport{
		sendMessageFn: func(ctx context.Context, conversationID, senderID, content string) (*Message, error) {
			return nil, &TransportError{Status: 502, Message: "gateway"}
		},
	}
	engine := NewEngine(transport, "user-1", WithPollConfig(PollConfig{
		ShortInterval: time.Hour,
		LongInterval:  time.Hour,
	}))
	defer engine.Close()

	require.NoError(t, engine.Open(context.Background(), Conversation{ID: "conv-1", Kind: KindStandard}))
	waitEvent(t, engine.Events(), EventMessages)

	require.Error(t, engine.Send(context.Background(), "doomed"))
	waitEvent(t, engine.Events(), EventError)

	// The re-emitted list no longer contains the optimistic message.
	msgs := waitEvent(t, engine.Events(), EventMessages)
	assert.Empty(t, msgs.Messages)
}

func TestEngineUnseenFlow(t *testing.T) {
	transport := &fakeTransport{}
	engine := NewEngine(transport, "user-1", WithPollConfig(PollConfig{
		ShortInterval: time.Hour,
		LongInterval:  time.Hour,
	}))
	defer engine.Close()

	require.NoError(t, engine.Open(context.Background(), Conversation{ID: "conv-1", Kind: KindStandard}))
	waitEvent(t, engine.Events(), EventMessages)

	// Reader scrolls up into history.
	engine.Scroll(0, 400, 1000)

	require.NoError(t, engine.Send(context.Background(), "hello"))
	msgs := waitEvent(t, engine.Events(), EventMessages)
	assert.False(t, msgs.AutoScroll)
	waitEvent(t, engine.Events(), EventUnseen)
	assert.True(t, engine.HasUnseen())

	engine.JumpToBottom()
	msgs = waitEvent(t, engine.Events(), EventMessages)
	assert.True(t, msgs.AutoScroll)
	assert.False(t, engine.HasUnseen())
}

func TestEngineGuestFlow(t *testing.T) {
	transport := &fakeTransport{}
	engine := NewEngine(transport, "", WithPollConfig(PollConfig{
		ShortInterval: time.Hour,
		LongInterval:  time.Hour,
	}))
	defer engine.Close()

	require.NoError(t, engine.BeginGuestForm())
	state := waitEvent(t, engine.Events(), EventState)
	assert.Equal(t, StateGuestFormPending, state.State)

	info := GuestInfo{Name: "Jane Doe", Email: "jane@x.com"}
	require.NoError(t, engine.StartGuest(context.Background(), info, "booking_issue", "Can't confirm booking"))

	state = waitEvent(t, engine.Events(), EventState)
	assert.Equal(t, StateActive, state.State)
	msgs := waitEvent(t, engine.Events(), EventMessages)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, SenderSupport, msgs.Messages[0].SenderID)
}

func TestEngineTypingEvents(t *testing.T) {
	transport := &fakeTransport{
		getTypingFn: func(ctx context.Context, conversationID, userID string) (*TypingStatus, error) {
			return &TypingStatus{ConversationID: conversationID, UserID: "vendor-9", IsTyping: true}, nil
		},
	}
	engine := NewEngine(transport, "user-1", WithPollConfig(PollConfig{
		ShortInterval: 10 * time.Millisecond,
		LongInterval:  10 * time.Millisecond,
	}))
	defer engine.Close()

	require.NoError(t, engine.Open(context.Background(), Conversation{ID: "conv-1", Kind: KindStandard}))

	ev := waitEvent(t, engine.Events(), EventTyping)
	require.NotNil(t, ev.Typing)
	assert.True(t, ev.Typing.IsTyping)
	assert.True(t, engine.RemoteTyping().IsTyping)
}

func TestEngineBackDisarms(t *testing.T) {
	transport := &fakeTransport{}
	engine := NewEngine(transport, "user-1", WithPollConfig(PollConfig{
		ShortInterval: 10 * time.Millisecond,
		LongInterval:  10 * time.Millisecond,
	}))
	defer engine.Close()

	require.NoError(t, engine.Open(context.Background(), Conversation{ID: "conv-1", Kind: KindStandard}))
	waitEvent(t, engine.Events(), EventMessages)

	engine.Back()
	state := waitEvent(t, engine.Events(), EventState)
	assert.Equal(t, StateIdle, state.State)

	// Let any tick already in flight finish, then verify polling stopped.
	time.Sleep(30 * time.Millisecond)
	calls := transport.messageListCalls()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, calls, transport.messageListCalls())
}

func TestEngineCloseClosesEvents(t *testing.T) {
	engine := NewEngine(&fakeTransport{}, "user-1")
	engine.Close()

	_, ok := <-engine.Events()
	assert.False(t, ok)

	// Close is idempotent.
	engine.Close()
}
