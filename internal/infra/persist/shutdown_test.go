package persist

import (
	"testing"
	"time"
)

func TestQueueHealth_RuleTable(t *testing.T) {
	tests := []struct {
		depth  int
		waitMS float64
		gpuMB  uint32
		want   HealthStatus
	}{
		{100, 250, 1024, HealthHealthy},
		{6000, 100, 1024, HealthCritical}, // depth over 5000
		{100, 1500, 1024, HealthCritical}, // wait over 1000ms
		{100, 100, 128, HealthCritical},   // GPU under 256MB
		{3000, 100, 1024, HealthDegraded}, // depth over 2000
		{100, 600, 1024, HealthDegraded},  // wait over 500ms
	}
	for _, tt := range tests {
		h := NewQueueHealth(tt.depth, 4, tt.waitMS, tt.gpuMB, true)
		if h.Status != tt.want {
			t.Errorf("NewQueueHealth(%d, %f, %d) = %v, want %v",
				tt.depth, tt.waitMS, tt.gpuMB, h.Status, tt.want)
		}
	}
}

func TestShutdownCoordinator_Idempotent(t *testing.T) {
	c := NewShutdownCoordinator(30)

	if c.InProgress() {
		t.Error("InProgress() before Begin should be false")
	}
	if !c.Begin() {
		t.Error("first Begin() should win")
	}
	if c.Begin() {
		t.Error("second Begin() should be a no-op")
	}
	if !c.InProgress() {
		t.Error("InProgress() after Begin should be true")
	}

	select {
	case <-c.Done():
	default:
		t.Error("Done() should be closed after Begin")
	}
}

func TestShutdownCoordinator_Timeout(t *testing.T) {
	c := NewShutdownCoordinator(0)
	c.Begin()
	time.Sleep(5 * time.Millisecond)
	if !c.TimeoutExceeded() {
		t.Error("zero-second window should be exceeded immediately")
	}

	long := NewShutdownCoordinator(3600)
	long.Begin()
	if long.TimeoutExceeded() {
		t.Error("hour-long window should not be exceeded")
	}
}
