// Package profile collects per-phase timing and per-model statistics for
// completed inference requests.
package profile

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Phase names used by the executor.
const (
	PhaseQueueWait      = "queue_wait"
	PhaseInference      = "inference"
	PhaseStreamDelivery = "stream_delivery"
)

// historyCap bounds the retained profiles; oldest evicted first.
const historyCap = 1000

// PhaseProfile is one timed phase of a request.
type PhaseProfile struct {
	Phase      string  `json:"phase"`
	DurationMS float64 `json:"duration_ms"`
}

// InferenceProfile is the complete timing record for one request.
type InferenceProfile struct {
	RequestID    string         `json:"request_id"`
	ModelID      string         `json:"model_id"`
	InputTokens  uint32         `json:"input_tokens"`
	OutputTokens uint32         `json:"output_tokens"`
	TotalTimeMS  float64        `json:"total_time_ms"`
	Phases       []PhaseProfile `json:"phases"`
	TimestampMS  int64          `json:"timestamp"`
}

// AddPhase appends a timed phase.
func (p *InferenceProfile) AddPhase(phase string, d time.Duration) {
	p.Phases = append(p.Phases, PhaseProfile{Phase: phase, DurationMS: float64(d.Milliseconds())})
}

// DurationStats summarizes a duration sample set with percentiles.
type DurationStats struct {
	Min    float64 `json:"min"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Stddev float64 `json:"stddev"`
}

// StatsFromDurations computes stats over the samples; zero-valued when empty.
func StatsFromDurations(durations []float64) DurationStats {
	if len(durations) == 0 {
		return DurationStats{}
	}

	sorted := make([]float64, len(durations))
	copy(sorted, durations)
	sort.Float64s(sorted)

	var sum float64
	for _, d := range sorted {
		sum += d
	}
	mean := sum / float64(len(sorted))

	var p50 float64
	if len(sorted)%2 == 0 {
		mid := len(sorted) / 2
		p50 = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		p50 = sorted[len(sorted)/2]
	}

	idx := func(q float64) float64 {
		i := int(float64(len(sorted)) * q)
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return sorted[i]
	}

	var variance float64
	for _, d := range sorted {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(sorted))

	return DurationStats{
		Min:    sorted[0],
		P50:    p50,
		P95:    idx(0.95),
		P99:    idx(0.99),
		Max:    sorted[len(sorted)-1],
		Mean:   mean,
		Stddev: math.Sqrt(variance),
	}
}

// ModelStats aggregates profiles for one model.
type ModelStats struct {
	ModelID      string                   `json:"model_id"`
	RequestCount uint64                   `json:"request_count"`
	TotalTokens  uint64                   `json:"total_tokens"`
	TokensPerSec float64                  `json:"tokens_per_sec"`
	Latency      DurationStats            `json:"latency"`
	PhaseLatency map[string]DurationStats `json:"phase_latency"`
}

// Collector retains a bounded history of profiles and aggregates per model.
type Collector struct {
	mu      sync.Mutex
	history []InferenceProfile
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Record stores one completed profile.
func (c *Collector) Record(p InferenceProfile) {
	if p.TimestampMS == 0 {
		p.TimestampMS = time.Now().UnixMilli()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, p)
	if len(c.history) > historyCap {
		c.history = c.history[1:]
	}
}

// Len returns the retained profile count.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// AvgLatencyMS returns the mean total time across retained profiles.
func (c *Collector) AvgLatencyMS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return 0
	}
	var sum float64
	for _, p := range c.history {
		sum += p.TotalTimeMS
	}
	return sum / float64(len(c.history))
}

// ModelStats aggregates the retained profiles for one model.
func (c *Collector) ModelStats(modelID string) ModelStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := ModelStats{ModelID: modelID, PhaseLatency: make(map[string]DurationStats)}
	var latencies []float64
	phases := make(map[string][]float64)
	var totalTimeMS float64

	for _, p := range c.history {
		if p.ModelID != modelID {
			continue
		}
		stats.RequestCount++
		stats.TotalTokens += uint64(p.OutputTokens)
		totalTimeMS += p.TotalTimeMS
		latencies = append(latencies, p.TotalTimeMS)
		for _, ph := range p.Phases {
			phases[ph.Phase] = append(phases[ph.Phase], ph.DurationMS)
		}
	}

	stats.Latency = StatsFromDurations(latencies)
	for name, samples := range phases {
		stats.PhaseLatency[name] = StatsFromDurations(samples)
	}
	if totalTimeMS > 0 {
		stats.TokensPerSec = float64(stats.TotalTokens) / (totalTimeMS / 1000)
	}
	return stats
}

// Models lists the model ids present in the retained history.
func (c *Collector) Models() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, p := range c.history {
		if _, ok := seen[p.ModelID]; !ok {
			seen[p.ModelID] = struct{}{}
			out = append(out, p.ModelID)
		}
	}
	sort.Strings(out)
	return out
}
