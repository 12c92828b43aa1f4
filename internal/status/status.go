// Package status is the daemon's Status Port: an in-process broadcaster
// of point-in-time status snapshots, grounded on the teacher's SSE event
// broadcaster (fruitsalade/internal/events/broadcaster.go) and
// generalized from discrete file events to a pollable/subscribable
// snapshot of daemon health (§4.8).
package status

import (
	"sync"
	"time"

	"github.com/onedrived/onedrived/internal/metrics"
)

// SyncState mirrors the daemon's overall sync posture (§4.8).
type SyncState string

const (
	SyncRunning SyncState = "running"
	SyncPaused  SyncState = "paused"
	SyncError   SyncState = "error"
)

// Snapshot is the full status the Status Port publishes and reports.
type Snapshot struct {
	Authenticated bool      `json:"authenticated"`
	Online        bool      `json:"online"`
	SyncState     SyncState `json:"sync_state"`
	HasConflicts  bool      `json:"has_conflicts"`
	IsMounted     bool      `json:"is_mounted"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Broadcaster holds the current Snapshot and fans it out to subscribers,
// non-blocking: a subscriber too slow to keep up with its buffered
// channel simply misses the update, since Current() always reflects the
// latest state regardless of delivery.
type Broadcaster struct {
	mu          sync.RWMutex
	current     Snapshot
	subscribers map[chan Snapshot]struct{}
}

// NewBroadcaster returns a Broadcaster seeded with an empty Snapshot.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Snapshot]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its channel. The caller
// must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 8)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	metrics.SetStatusSubscribers(b.Count())
	return ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Broadcaster) Unsubscribe(ch chan Snapshot) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetStatusSubscribers(b.Count())
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Current returns the most recently published Snapshot.
func (b *Broadcaster) Current() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Publish stores snap as current and fans it out to every subscriber
// without blocking on a slow consumer.
func (b *Broadcaster) Publish(snap Snapshot) {
	snap.UpdatedAt = time.Now()

	b.mu.Lock()
	b.current = snap
	for ch := range b.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
	b.mu.Unlock()
}

// Update applies mutate to a copy of the current Snapshot and publishes
// the result. Used for the targeted updates the spec calls out — sync
// start/end, conflict appearance — without the caller needing to read
// Current() first.
func (b *Broadcaster) Update(mutate func(*Snapshot)) {
	b.mu.RLock()
	snap := b.current
	b.mu.RUnlock()
	mutate(&snap)
	b.Publish(snap)
}
