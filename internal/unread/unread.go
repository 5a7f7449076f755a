// Package unread merges server unread counts with local read state.
package unread

import (
	"sync"
	"time"
)

// DefaultRecencyWindow is how long after a local read a non-zero server
// count is treated as stale.
const DefaultRecencyWindow = 5 * time.Minute

// State is the unread bookkeeping of one conversation.
type State struct {
	ServerCount int
	LocalCount  int
	// Manual is set by MarkUnread and wins over server counts until the
	// conversation is read.
	Manual   bool
	LastRead time.Time
}

type Reconciler struct {
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*State
}

// NewReconciler returns a reconciler with the given recency window. A zero
// window disables the stale-count protection.
func NewReconciler(window time.Duration) *Reconciler {
	if window < 0 {
		window = 0
	}
	return &Reconciler{
		window: window,
		now:    time.Now,
		states: make(map[string]*State),
	}
}

func (r *Reconciler) recentRead(st *State) bool {
	if r.window == 0 || st.LastRead.IsZero() {
		return false
	}
	return r.now().Sub(st.LastRead) < r.window
}

// Reconcile merges a server unread count for conversationID and returns the
// count to display.
func (r *Reconciler) Reconcile(conversationID string, serverCount int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, tracked := r.states[conversationID]
	if !tracked {
		st = &State{}
		r.states[conversationID] = st
	}
	if serverCount < 0 {
		return st.LocalCount
	}
	st.ServerCount = serverCount

	switch {
	case st.Manual:
		// The user asked to keep it unread.
	case !tracked:
		st.LocalCount = serverCount
	case serverCount > 0 && st.LocalCount == 0:
		if !r.recentRead(st) {
			st.LocalCount = serverCount
		}
	case serverCount > 0:
		st.LocalCount = max(st.LocalCount, serverCount)
	default:
		st.LocalCount = 0
	}
	return st.LocalCount
}

// MarkRead clears the count and the manual flag unconditionally.
func (r *Reconciler) MarkRead(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(conversationID)
	st.LocalCount = 0
	st.Manual = false
	st.LastRead = r.now()
}

// MarkUnread pins the conversation as unread until the next MarkRead. The
// displayed count is at least one.
func (r *Reconciler) MarkUnread(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(conversationID)
	st.Manual = true
	st.LocalCount = max(st.LocalCount, 1)
}

func (r *Reconciler) stateLocked(conversationID string) *State {
	st, ok := r.states[conversationID]
	if !ok {
		st = &State{}
		r.states[conversationID] = st
	}
	return st
}

// Count returns the displayed unread count.
func (r *Reconciler) Count(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[conversationID]; ok {
		return st.LocalCount
	}
	return 0
}

// Total sums the displayed counts of all conversations.
func (r *Reconciler) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, st := range r.states {
		total += st.LocalCount
	}
	return total
}

func (r *Reconciler) Forget(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, conversationID)
}
