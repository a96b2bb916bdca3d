// Package delivery tracks unsettled deliveries for one channel.
//
// A Tracker maps delivery ids to pending entries. Completing an entry removes
// it synchronously, so PendingCount is always the exact number of ids still
// awaiting an outcome and memory stays bounded by the in-flight window.
package delivery

import (
	"cmp"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/rbmqflow/internal/runtime/errors"
)

// Outcome is the state of a tracked delivery.
type Outcome int

const (
	Pending Outcome = iota
	Acknowledged
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Acknowledged:
		return "acknowledged"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Settler hands the final outcome of a received delivery back to the broker.
// requeue asks the broker to redeliver a rejected message.
type Settler func(outcome Outcome, requeue bool) error

// Entry is one tracked delivery.
type Entry struct {
	ID         uint64
	Topic      string
	Outcome    Outcome
	RecordedAt time.Time

	// Requeue is set on entries resolved by Invalidate. The caller owning a
	// completed entry may set it before calling Settle.
	Requeue bool

	settle Settler
}

// Settle passes the entry's outcome to its settler, if any.
func (e *Entry) Settle() error {
	if e.settle == nil {
		return nil
	}
	return e.settle(e.Outcome, e.Requeue)
}

// Inbound reports whether the entry is a received message that must be
// settled with the broker.
func (e *Entry) Inbound() bool {
	return e.settle != nil
}

// Age reports how long the entry has been tracked.
func (e *Entry) Age() time.Duration {
	return time.Since(e.RecordedAt)
}

// Tracker is safe for concurrent use. Each channel owns its own Tracker, so
// trackers never contend with each other.
type Tracker struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
	idle    chan struct{}
}

// New returns an empty tracker.
func New() *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{
		entries: make(map[uint64]*Entry),
		idle:    idle,
	}
}

// Record starts tracking id in state Pending. settle is nil for outbound
// deliveries.
func (t *Tracker) Record(id uint64, topic string, settle Settler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[id]; ok {
		return &errspkg.DuplicateDeliveryError{ID: id}
	}
	if len(t.entries) == 0 {
		t.idle = make(chan struct{})
	}
	t.entries[id] = &Entry{ID: id, Topic: topic, Outcome: Pending, RecordedAt: time.Now(), settle: settle}
	return nil
}

// Complete resolves id with outcome and stops tracking it. The returned entry
// is no longer visible to other callers; settling it is up to the caller.
func (t *Tracker) Complete(id uint64, outcome Outcome) (*Entry, error) {
	if outcome != Acknowledged && outcome != Rejected {
		return nil, errspkg.ErrInvalidOutcome
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[id]
	if !ok {
		return nil, &errspkg.UnknownDeliveryError{ID: id}
	}
	t.remove(entry, outcome)
	return entry, nil
}

// Invalidate resolves every pending entry with outcome, marks them for
// requeue and returns them in ascending id order.
func (t *Tracker) Invalidate(outcome Outcome) []*Entry {
	if outcome != Acknowledged && outcome != Rejected {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry)
	}
	slices.SortFunc(out, func(a, b *Entry) int { return cmp.Compare(a.ID, b.ID) })
	for _, entry := range out {
		entry.Requeue = true
		t.remove(entry, outcome)
	}
	return out
}

// remove must be called with t.mu held.
func (t *Tracker) remove(entry *Entry, outcome Outcome) {
	delete(t.entries, entry.ID)
	entry.Outcome = outcome
	if len(t.entries) == 0 {
		close(t.idle)
	}
}

// PendingCount returns the number of entries still Pending.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Has reports whether id is pending.
func (t *Tracker) Has(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// IDs returns the pending ids in ascending order.
func (t *Tracker) IDs() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]uint64, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Idle returns a channel that is closed while nothing is pending. A later
// Record makes the returned channel stale; call Idle again to observe the new
// idle point.
func (t *Tracker) Idle() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idle
}
