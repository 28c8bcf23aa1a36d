// Package queue implements the ordered song queue shared by the relay
// service and the playback client. All structural mutation runs under one
// mutex; readers that may block (Peek, PopFront on an empty queue) wait on a
// condition variable tracking the entry count.
package queue

import (
	"sync"

	"github.com/google/uuid"

	"github.com/syng-dev/syng-go/internal/apperrors"
	"github.com/syng-dev/syng-go/internal/model"
)

// Queue is a FIFO of entries with UUID identity. The head is the "now
// playing / next to play" entry.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []*model.Entry
	closed  bool
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// NewFromList creates a queue pre-populated with the given entries, in order.
// Used when a playback client re-registers with a held queue snapshot.
func NewFromList(entries []*model.Entry) *Queue {
	q := New()
	q.entries = append(q.entries, entries...)
	return q
}

// Append pushes an entry to the tail and wakes blocked readers.
func (q *Queue) Append(entry *model.Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	q.cond.Broadcast()
}

// Peek returns the head entry, blocking while the queue is empty. It does
// not consume: two peeks without an intervening pop return the same entry.
// Returns ErrQueueClosed after Close.
func (q *Queue) Peek() (*model.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, apperrors.ErrQueueClosed
	}
	return q.entries[0], nil
}

// TryPeek returns the head entry without blocking, or nil when empty.
func (q *Queue) TryPeek() *model.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// PopFront blocks until non-empty, then removes and returns the head.
func (q *Queue) PopFront() (*model.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, apperrors.ErrQueueClosed
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	return head, nil
}

// Remove deletes the first entry matching id. Absent ids succeed silently.
func (q *Queue) Remove(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, entry := range q.entries {
		if entry.UUID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// FindByUUID returns the first matching entry or nil.
func (q *Queue) FindByUUID(id uuid.UUID) *model.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range q.entries {
		if entry.UUID == id {
			return entry
		}
	}
	return nil
}

// MoveUp swaps the entry at index i with the one at i-1, provided i > 1.
// The head is playing and position 1 is being buffered; neither may move
// under the coordinator, so moves into the first two slots are no-ops.
func (q *Queue) MoveUp(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, entry := range q.entries {
		if entry.UUID == id {
			if i > 1 {
				q.entries[i], q.entries[i-1] = q.entries[i-1], q.entries[i]
			}
			return
		}
	}
}

// MoveTo removes the entry and reinserts it at target. When target lies past
// the original index the insertion index is decremented by one so the entry
// lands at the intended destination after removal. Out-of-range targets
// clamp to the queue bounds.
func (q *Queue) MoveTo(id uuid.UUID, target int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	from := -1
	for i, entry := range q.entries {
		if entry.UUID == id {
			from = i
			break
		}
	}
	if from < 0 {
		return
	}
	entry := q.entries[from]
	q.entries = append(q.entries[:from], q.entries[from+1:]...)
	if target > from {
		target--
	}
	if target < 0 {
		target = 0
	}
	if target > len(q.entries) {
		target = len(q.entries)
	}
	q.entries = append(q.entries[:target], append([]*model.Entry{entry}, q.entries[target:]...)...)
}

// Update applies mutator to the first entry matching id, under the queue
// lock.
func (q *Queue) Update(id uuid.UUID, mutator func(*model.Entry)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range q.entries {
		if entry.UUID == id {
			mutator(entry)
			return
		}
	}
}

// ToList returns a snapshot copy for serialization.
func (q *Queue) ToList() []*model.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*model.Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Fold runs a left fold over the entries in order.
func Fold[T any](q *Queue, init T, f func(T, *model.Entry) T) T {
	q.mu.Lock()
	defer q.mu.Unlock()
	acc := init
	for _, entry := range q.entries {
		acc = f(acc, entry)
	}
	return acc
}

// Len returns the current entry count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close unblocks all waiting readers with ErrQueueClosed. Used on room
// removal and client shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
