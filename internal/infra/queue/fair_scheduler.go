package queue

import (
	"sync"
	"time"

	"github.com/inferno-ai/inferno/internal/domain"
)

const (
	// waitHistoryCap bounds the per-priority wait samples kept for fairness
	// accounting; the oldest sample is evicted first.
	waitHistoryCap = 1000

	// DefaultStarvationThresholdMS is the wait beyond which a request counts
	// as starving.
	DefaultStarvationThresholdMS = 30_000
)

// FairnessMetrics holds per-priority-level fairness accounting.
type FairnessMetrics struct {
	Priority      domain.Priority `json:"priority"`
	QueuedCount   int             `json:"queued_count"`
	TotalWeight   uint32          `json:"total_weight"`
	AvgWaitMS     float64         `json:"avg_wait_ms"`
	MaxWaitMS     int64           `json:"max_wait_ms"`
	AssignedCount uint64          `json:"assigned_count"`
}

// FairnessStats is the overall fairness picture across priority levels.
type FairnessStats struct {
	PerPriority           map[domain.Priority]FairnessMetrics `json:"per_priority"`
	StarvationDetected    bool                                `json:"starvation_detected"`
	FairnessScore         float32                             `json:"fairness_score"` // 0.0-1.0
	StarvationThresholdMS int64                               `json:"starvation_threshold_ms"`
}

// FairScheduler wraps a PriorityQueue with weighted fairness accounting.
// Weights inform the accounting only — the queue's age boost already
// guarantees progress for low-priority work, so dequeue order stays with
// the queue's effective-priority key.
type FairScheduler struct {
	mu                    sync.Mutex
	queue                 *PriorityQueue
	assigned              map[domain.Priority]uint64
	waitTimes             map[domain.Priority][]int64
	starvationThresholdMS int64
}

// NewFairScheduler creates a scheduler with the default starvation threshold.
func NewFairScheduler() *FairScheduler {
	return &FairScheduler{
		queue:                 NewPriorityQueue(),
		assigned:              make(map[domain.Priority]uint64),
		waitTimes:             make(map[domain.Priority][]int64),
		starvationThresholdMS: DefaultStarvationThresholdMS,
	}
}

// WithStarvationThreshold overrides the starvation threshold.
func (s *FairScheduler) WithStarvationThreshold(ms int64) *FairScheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starvationThresholdMS = ms
	return s
}

// Enqueue adds a request to the underlying queue.
func (s *FairScheduler) Enqueue(r domain.Request) {
	s.queue.Push(r)
}

// Dequeue pops the top request and records its wait time and assignment.
func (s *FairScheduler) Dequeue() (domain.Request, bool) {
	r, ok := s.queue.Pop()
	if !ok {
		return domain.Request{}, false
	}

	s.mu.Lock()
	s.assigned[r.Priority]++
	waits := append(s.waitTimes[r.Priority], r.AgeMS(time.Now()))
	if len(waits) > waitHistoryCap {
		waits = waits[1:]
	}
	s.waitTimes[r.Priority] = waits
	s.mu.Unlock()

	return r, true
}

// Cancel removes a queued request by id.
func (s *FairScheduler) Cancel(requestID string) (domain.Request, bool) {
	return s.queue.RemoveByID(requestID)
}

// Len returns the number of queued requests.
func (s *FairScheduler) Len() int { return s.queue.Len() }

// Pending returns a copy of all queued requests.
func (s *FairScheduler) Pending() []domain.Request { return s.queue.Pending() }

// Drain removes and returns all queued requests.
func (s *FairScheduler) Drain() []domain.Request { return s.queue.Drain() }

// QueueStats returns statistics from the underlying queue.
func (s *FairScheduler) QueueStats() QueueStats { return s.queue.Stats() }

// IsStarving reports whether any priority level has a recorded wait beyond
// the starvation threshold.
func (s *FairScheduler) IsStarving() bool {
	return s.FairnessStats().StarvationDetected
}

// FairnessStats computes per-priority wait metrics, the starvation flag, and
// the fairness score: the fraction of assigned requests whose wait met the
// threshold. Score is 1.0 when nothing has been assigned yet.
func (s *FairScheduler) FairnessStats() FairnessStats {
	queued := s.queue.Len()

	s.mu.Lock()
	defer s.mu.Unlock()

	perPriority := make(map[domain.Priority]FairnessMetrics, 4)
	var totalAssigned, slaMet uint64
	var maxWaitDetected int64

	for _, p := range []domain.Priority{domain.PriorityLow, domain.PriorityNormal, domain.PriorityHigh, domain.PriorityVIP} {
		waits := s.waitTimes[p]
		assignedCount := s.assigned[p]

		var avg float64
		var maxWait int64
		if len(waits) > 0 {
			var sum int64
			for _, w := range waits {
				sum += w
				if w > maxWait {
					maxWait = w
				}
				if w <= s.starvationThresholdMS {
					slaMet++
				}
			}
			avg = float64(sum) / float64(len(waits))
			if maxWait > maxWaitDetected {
				maxWaitDetected = maxWait
			}
		}

		perPriority[p] = FairnessMetrics{
			Priority:      p,
			QueuedCount:   queued,
			TotalWeight:   uint32(assignedCount) * p.Weight(),
			AvgWaitMS:     avg,
			MaxWaitMS:     maxWait,
			AssignedCount: assignedCount,
		}
		totalAssigned += assignedCount
	}

	score := float32(1.0)
	if totalAssigned > 0 {
		score = float32(slaMet) / float32(totalAssigned)
		if score > 1 {
			score = 1
		}
	}

	return FairnessStats{
		PerPriority:           perPriority,
		StarvationDetected:    maxWaitDetected > s.starvationThresholdMS,
		FairnessScore:         score,
		StarvationThresholdMS: s.starvationThresholdMS,
	}
}
