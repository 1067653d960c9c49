// Package presence tracks which users hold a live connection.
package presence

import (
	"sync"
	"time"

	"github.com/eldtechnologies/duet/internal/models"
)

// Handle is the live connection bound to a user.
type Handle interface {
	// Send queues evt for delivery. It must not block.
	Send(evt models.Event) error
	// Subscribed reports whether the connection receives broadcasts for roomID.
	Subscribed(roomID string) bool
	// Subscribe adds roomID to the connection's broadcast set.
	Subscribe(roomID string)
}

// Entry is a user's presence state.
type Entry struct {
	UserID     string
	Handle     Handle
	Online     bool
	LastSeenAt time.Time
}

// Registry maps users to their live connection.
type Registry interface {
	// Bind attaches h to userID, replacing any previous handle.
	Bind(userID string, h Handle) time.Time
	// Unbind clears the handle, marks the user offline and returns the new lastSeenAt.
	Unbind(userID string) time.Time
	IsOnline(userID string) bool
	Lookup(userID string) (Handle, bool)
	Get(userID string) (Entry, bool)
	OnlineCount() int
}

// MemoryRegistry is the in-process Registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]*Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRegistry) entry(userID string) *Entry {
	e, ok := r.entries[userID]
	if !ok {
		e = &Entry{UserID: userID}
		r.entries[userID] = e
	}
	return e
}

func (r *MemoryRegistry) Bind(userID string, h Handle) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(userID)
	e.Handle = h
	e.Online = true
	e.LastSeenAt = r.now()
	return e.LastSeenAt
}

func (r *MemoryRegistry) Unbind(userID string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(userID)
	e.Handle = nil
	e.Online = false
	e.LastSeenAt = r.now()
	return e.LastSeenAt
}

func (r *MemoryRegistry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[userID]
	return ok && e.Online
}

func (r *MemoryRegistry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[userID]
	if !ok || e.Handle == nil {
		return nil, false
	}
	return e.Handle, true
}

func (r *MemoryRegistry) Get(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[userID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *MemoryRegistry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.entries {
		if e.Online {
			n++
		}
	}
	return n
}
