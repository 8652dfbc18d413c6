package matching

import "container/list"

// WaitingQueue holds users awaiting a match in arrival order. Besides FIFO
// access it supports removal from any position, which priority matching and
// cancellation both need.
//
// WaitingQueue is not safe for concurrent use; MemoryStore guards it
// together with the PairRegistry under a single lock.
type WaitingQueue struct {
	order *list.List               // of WaitingEntry, head = earliest
	index map[string]*list.Element // user id -> element in order
}

// NewWaitingQueue creates an empty queue.
func NewWaitingQueue() *WaitingQueue {
	return &WaitingQueue{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Enqueue appends the entry to the tail. It returns false and leaves the
// queue unchanged if the user is already queued.
func (q *WaitingQueue) Enqueue(e WaitingEntry) bool {
	if _, ok := q.index[e.UserID]; ok {
		return false
	}
	q.index[e.UserID] = q.order.PushBack(e)
	return true
}

// EnqueueFront inserts the entry at the head. Used to put back a dequeued
// head whose pairing was rolled back, and for head insertion of priority
// users when that policy is enabled.
func (q *WaitingQueue) EnqueueFront(e WaitingEntry) bool {
	if _, ok := q.index[e.UserID]; ok {
		return false
	}
	q.index[e.UserID] = q.order.PushFront(e)
	return true
}

// DequeueHead removes and returns the earliest entry.
func (q *WaitingQueue) DequeueHead() (WaitingEntry, bool) {
	front := q.order.Front()
	if front == nil {
		return WaitingEntry{}, false
	}
	e := q.order.Remove(front).(WaitingEntry)
	delete(q.index, e.UserID)
	return e, true
}

// RemoveAny removes the user from whatever position it holds and reports
// whether it was present.
func (q *WaitingQueue) RemoveAny(userID string) bool {
	el, ok := q.index[userID]
	if !ok {
		return false
	}
	q.order.Remove(el)
	delete(q.index, userID)
	return true
}

// Contains reports whether the user is queued.
func (q *WaitingQueue) Contains(userID string) bool {
	_, ok := q.index[userID]
	return ok
}

// Entry returns the user's queue entry.
func (q *WaitingQueue) Entry(userID string) (WaitingEntry, bool) {
	el, ok := q.index[userID]
	if !ok {
		return WaitingEntry{}, false
	}
	return el.Value.(WaitingEntry), true
}

// Snapshot returns the queued entries in arrival order. The slice is a copy
// and stays valid after later mutations.
func (q *WaitingQueue) Snapshot() []WaitingEntry {
	out := make([]WaitingEntry, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(WaitingEntry))
	}
	return out
}

// Len returns the number of queued users.
func (q *WaitingQueue) Len() int {
	return q.order.Len()
}
