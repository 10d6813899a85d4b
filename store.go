package chatsync

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore holds the ordered, deduplicated message list for the active
// conversation. It is goroutine-safe: poll ticks and user sends mutate it
// through the same operations, so whichever completes last wins.
//
// The store keeps a version counter that increments only on observable
// change. Idempotent reconciles do not bump it, which is what keeps poll
// ticks from causing re-renders and scroll churn when nothing moved.
type MessageStore struct {
	mu       sync.Mutex
	messages []Message
	version  uint64
}

func NewMessageStore() *MessageStore {
	return &MessageStore{}
}

// InsertOptimistic appends a message flagged optimistic with a temporary id
// and returns that id so the caller can resolve or drop it later. CreatedAt
// defaults to now so ordering holds before the server assigns its own.
func (s *MessageStore) InsertOptimistic(m Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = TempIDPrefix + uuid.NewString()
	}
	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	m.Optimistic = true
	s.messages = append(s.messages, m)
	s.version++
	return m.ID
}

// Reconcile replaces the store contents with the authoritative server list.
// If the id-set is identical it is a no-op and returns false. The input is
// re-sorted by send time so the ascending-order invariant holds regardless
// of response ordering.
func (s *MessageStore) Reconcile(server []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signature(s.messages) == s.signature(server) {
		return false
	}

	next := make([]Message, len(server))
	copy(next, server)
	sort.SliceStable(next, func(i, j int) bool { return next[i].CreatedAt < next[j].CreatedAt })
	s.messages = next
	s.version++
	return true
}

// ResolveOptimistic confirms an optimistic message in place. When the server
// record is available the temporary entry is swapped for it; otherwise only
// the optimistic flag is cleared. Used on the support/guest send path where
// full reconciliation would erase the locally synthesized welcome message.
func (s *MessageStore) ResolveOptimistic(tempID string, confirmed *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.messages {
		if s.messages[i].ID != tempID {
			continue
		}
		if confirmed != nil {
			kept := *confirmed
			if kept.CreatedAt == "" {
				kept.CreatedAt = s.messages[i].CreatedAt
			}
			kept.Optimistic = false
			s.messages[i] = kept
		} else {
			s.messages[i].Optimistic = false
		}
		s.version++
		return true
	}
	return false
}

// DropOptimistic removes a message by its temporary id; used when a send
// fails so the store returns to its pre-send contents.
func (s *MessageStore) DropOptimistic(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.messages {
		if s.messages[i].ID == tempID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			s.version++
			return true
		}
	}
	return false
}

// Clear empties the store; used when leaving a conversation.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return
	}
	s.messages = nil
	s.version++
}

// Snapshot returns a copy of the current message list.
func (s *MessageStore) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Version returns the change counter. Equal versions mean no observable
// state transition happened in between.
func (s *MessageStore) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// IDSignature returns the joined id list, primarily for tests and logging.
func (s *MessageStore) IDSignature() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signature(s.messages)
}

func (s *MessageStore) signature(msgs []Message) string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return strings.Join(ids, ",")
}
