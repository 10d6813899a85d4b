package chatsync

import "sync"

// DefaultBottomThreshold is how close (in pixels) to the bottom of the
// scrollback the viewer must be to still count as "at the bottom".
const DefaultBottomThreshold = 50.0

// ViewportTracker tracks whether the viewer is reading the latest messages
// and whether new ones arrived off-screen. It never forces a scroll away
// from content the viewer is reading; instead it raises an unseen flag the
// host can render as a "New messages" affordance.
type ViewportTracker struct {
	mu        sync.Mutex
	threshold float64
	atBottom  bool
	unseen    bool
}

// NewViewportTracker creates a tracker. threshold <= 0 takes the default.
func NewViewportTracker(threshold float64) *ViewportTracker {
	if threshold <= 0 {
		threshold = DefaultBottomThreshold
	}
	return &ViewportTracker{threshold: threshold, atBottom: true}
}

// UpdateMetrics records the current scroll position. scrollTop is the offset
// from the top, viewportHeight the visible height, contentHeight the full
// scrollback height. Reaching the bottom clears the unseen flag.
func (v *ViewportTracker) UpdateMetrics(scrollTop, viewportHeight, contentHeight float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.atBottom = contentHeight-(scrollTop+viewportHeight) <= v.threshold
	if v.atBottom {
		v.unseen = false
	}
}

// IsAtBottom reports whether the viewer is within the bottom threshold.
func (v *ViewportTracker) IsAtBottom() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.atBottom
}

// HasUnseen reports whether messages arrived while scrolled away.
func (v *ViewportTracker) HasUnseen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unseen
}

// OnNewMessages decides what to do when the store gained messages. It
// returns true when the host should scroll to the bottom: always on initial
// conversation load, and on updates only while the viewer is already there.
// Otherwise the unseen flag is raised and the position left alone.
func (v *ViewportTracker) OnNewMessages(initialLoad bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if initialLoad {
		v.atBottom = true
		v.unseen = false
		return true
	}
	if v.atBottom {
		return true
	}
	v.unseen = true
	return false
}

// JumpToBottom records that the viewer used the new-messages affordance.
func (v *ViewportTracker) JumpToBottom() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.atBottom = true
	v.unseen = false
}
