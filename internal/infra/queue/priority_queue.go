// Package queue implements the ordered admission structures for inference
// requests: a priority queue keyed by time-dependent effective priority, and
// the fair scheduler that wraps it with per-priority wait accounting.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/inferno-ai/inferno/internal/domain"
)

// ─── Priority Queue ─────────────────────────────────────────────────────────

// queuedRequest pairs a request with its FIFO sequence number.
type queuedRequest struct {
	req domain.Request
	seq uint64
}

// requestHeap orders by effective priority (higher first), then FIFO sequence.
// Effective priority depends on the clock, so `now` is pinned before each
// heap operation and the heap re-ordered when it is popped.
type requestHeap struct {
	items []queuedRequest
	now   time.Time
}

func (h *requestHeap) Len() int { return len(h.items) }

func (h *requestHeap) Less(i, j int) bool {
	pi := h.items[i].req.EffectivePriority(h.now)
	pj := h.items[j].req.EffectivePriority(h.now)
	if pi != pj {
		return pi > pj
	}
	return h.items[i].seq < h.items[j].seq
}

func (h *requestHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *requestHeap) Push(x any) { h.items = append(h.items, x.(queuedRequest)) }

func (h *requestHeap) Pop() any {
	last := len(h.items) - 1
	item := h.items[last]
	h.items = h.items[:last]
	return item
}

// QueueStats summarizes queue contents.
type QueueStats struct {
	QueuedCount     int    `json:"queued_count"`
	TotalWeight     uint32 `json:"total_weight"`
	EstimatedWaitMS uint64 `json:"estimated_wait_ms"`
}

// PriorityQueue is an ordered collection of pending requests. Safe for
// concurrent use; all operations take the internal lock.
type PriorityQueue struct {
	mu   sync.Mutex
	heap requestHeap
	seq  uint64
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

// Push adds a request, assigning the next FIFO sequence number.
func (q *PriorityQueue) Push(r domain.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap.now = time.Now()
	heap.Push(&q.heap, queuedRequest{req: r, seq: q.seq})
	q.seq++
}

// Pop removes and returns the request with the highest effective priority.
// The heap is re-ordered against the current clock first: age boosts and
// deadline escalations accrued since the last operation must be visible.
func (q *PriorityQueue) Pop() (domain.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap.items) == 0 {
		return domain.Request{}, false
	}
	q.heap.now = time.Now()
	heap.Init(&q.heap)
	item := heap.Pop(&q.heap).(queuedRequest)
	return item.req, true
}

// Peek returns the current top request without removing it.
func (q *PriorityQueue) Peek() (domain.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap.items) == 0 {
		return domain.Request{}, false
	}
	q.heap.now = time.Now()
	heap.Init(&q.heap)
	return q.heap.items[0].req, true
}

// RemoveByID finds and removes a request. O(n).
func (q *PriorityQueue) RemoveByID(requestID string) (domain.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.heap.items {
		if item.req.RequestID == requestID {
			q.heap.now = time.Now()
			removed := heap.Remove(&q.heap, i).(queuedRequest)
			return removed.req, true
		}
	}
	return domain.Request{}, false
}

// Len returns the number of queued requests.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap.items)
}

// Pending returns a copy of all queued requests, in no particular order.
func (q *PriorityQueue) Pending() []domain.Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.Request, 0, len(q.heap.items))
	for _, item := range q.heap.items {
		out = append(out, item.req)
	}
	return out
}

// Drain removes and returns all queued requests.
func (q *PriorityQueue) Drain() []domain.Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.Request, 0, len(q.heap.items))
	for _, item := range q.heap.items {
		out = append(out, item.req)
	}
	q.heap.items = q.heap.items[:0]
	return out
}

// Stats returns queue statistics. Wait estimate assumes ~50 tokens/sec.
func (q *PriorityQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var totalWeight uint32
	var totalTokens uint64
	for _, item := range q.heap.items {
		totalWeight += item.req.Priority.Weight()
		totalTokens += uint64(item.req.EstimatedTokens)
	}

	return QueueStats{
		QueuedCount:     len(q.heap.items),
		TotalWeight:     totalWeight,
		EstimatedWaitMS: totalTokens * 1000 / 50,
	}
}
