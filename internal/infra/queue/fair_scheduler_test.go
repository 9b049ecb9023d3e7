package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/inferno-ai/inferno/internal/domain"
)

func TestFairScheduler_DequeueAll(t *testing.T) {
	s := NewFairScheduler().WithStarvationThreshold(5000)

	priorities := []domain.Priority{
		domain.PriorityVIP, domain.PriorityHigh,
		domain.PriorityNormal, domain.PriorityLow,
	}
	for i := 0; i < 10; i++ {
		s.Enqueue(reqAt(fmt.Sprintf("req%d", i), priorities[i%4]))
	}

	count := 0
	for {
		if _, ok := s.Dequeue(); !ok {
			break
		}
		count++
	}
	if count != 10 {
		t.Fatalf("dequeued %d, want 10", count)
	}

	stats := s.FairnessStats()
	if stats.StarvationDetected {
		t.Error("no starvation expected for a small fast-drained queue")
	}
	if stats.FairnessScore <= 0 {
		t.Errorf("FairnessScore = %f, want > 0", stats.FairnessScore)
	}
}

func TestFairScheduler_PerPriorityAccounting(t *testing.T) {
	s := NewFairScheduler()

	s.Enqueue(reqAt("vip1", domain.PriorityVIP))
	s.Enqueue(reqAt("high1", domain.PriorityHigh))
	s.Enqueue(reqAt("normal1", domain.PriorityNormal))
	s.Enqueue(reqAt("low1", domain.PriorityLow))

	want := []domain.Priority{
		domain.PriorityVIP, domain.PriorityHigh,
		domain.PriorityNormal, domain.PriorityLow,
	}
	for _, p := range want {
		r, ok := s.Dequeue()
		if !ok {
			t.Fatal("Dequeue() empty")
		}
		if r.Priority != p {
			t.Errorf("Dequeue() priority = %v, want %v", r.Priority, p)
		}
	}

	stats := s.FairnessStats()
	for _, p := range want {
		if got := stats.PerPriority[p].AssignedCount; got != 1 {
			t.Errorf("AssignedCount[%v] = %d, want 1", p, got)
		}
	}
}

func TestFairScheduler_Cancel(t *testing.T) {
	s := NewFairScheduler()
	s.Enqueue(reqAt("req1", domain.PriorityNormal))
	s.Enqueue(reqAt("req2", domain.PriorityNormal))

	cancelled, ok := s.Cancel("req1")
	if !ok || cancelled.RequestID != "req1" {
		t.Fatalf("Cancel(req1) = %v, %v", cancelled.RequestID, ok)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}

	remaining, _ := s.Dequeue()
	if remaining.RequestID != "req2" {
		t.Errorf("Dequeue() = %q, want req2", remaining.RequestID)
	}
}

func TestFairScheduler_Empty(t *testing.T) {
	s := NewFairScheduler()
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
	if _, ok := s.Dequeue(); ok {
		t.Error("Dequeue() on empty should report false")
	}

	stats := s.FairnessStats()
	if stats.StarvationDetected {
		t.Error("empty scheduler should not detect starvation")
	}
	if stats.FairnessScore != 1.0 {
		t.Errorf("FairnessScore = %f, want 1.0 with no assignments", stats.FairnessScore)
	}
}

func TestFairScheduler_StarvationDetection(t *testing.T) {
	s := NewFairScheduler().WithStarvationThreshold(50)

	stale := reqAt("stale", domain.PriorityLow)
	stale.CreatedAtMS = time.Now().Add(-200 * time.Millisecond).UnixMilli()
	s.Enqueue(stale)

	if _, ok := s.Dequeue(); !ok {
		t.Fatal("Dequeue() empty")
	}

	stats := s.FairnessStats()
	if !stats.StarvationDetected {
		t.Error("wait of ~200ms beyond a 50ms threshold should flag starvation")
	}
	if stats.FairnessScore != 0 {
		t.Errorf("FairnessScore = %f, want 0 (single starving assignment)", stats.FairnessScore)
	}
}

// Progress invariant: with ongoing mixed-priority submissions, an early Low
// request is dequeued in bounded time thanks to the age boost.
func TestFairScheduler_NoStarvationUnderLoad(t *testing.T) {
	s := NewFairScheduler()

	low := reqAt("low", domain.PriorityLow)
	// Aged enough for its effective priority to beat fresh VIPs.
	low.CreatedAtMS = time.Now().Add(-40 * time.Second).UnixMilli()
	s.Enqueue(low)
	for i := 0; i < 20; i++ {
		s.Enqueue(reqAt(fmt.Sprintf("vip%d", i), domain.PriorityVIP))
	}

	r, ok := s.Dequeue()
	if !ok {
		t.Fatal("Dequeue() empty")
	}
	if r.RequestID != "low" {
		t.Errorf("Dequeue() = %q, want the aged low request first", r.RequestID)
	}
}

func TestFairScheduler_WaitHistoryBounded(t *testing.T) {
	s := NewFairScheduler()

	for i := 0; i < waitHistoryCap+100; i++ {
		s.Enqueue(reqAt(fmt.Sprintf("req%d", i), domain.PriorityNormal))
		if _, ok := s.Dequeue(); !ok {
			t.Fatal("Dequeue() empty")
		}
	}

	s.mu.Lock()
	n := len(s.waitTimes[domain.PriorityNormal])
	s.mu.Unlock()
	if n > waitHistoryCap {
		t.Errorf("wait history = %d samples, want ≤ %d", n, waitHistoryCap)
	}
}
