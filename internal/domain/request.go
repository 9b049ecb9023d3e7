// Package domain holds the pure types that flow through the Inferno core:
// requests, workers, models, system state, and the sentinel errors. No
// infrastructure dependency lives here.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Priority classifies a request for scheduling.
type Priority int

const (
	PriorityLow    Priority = 1 // batch / background operations
	PriorityNormal Priority = 2 // standard users
	PriorityHigh   Priority = 3 // premium users with higher SLA
	PriorityVIP    Priority = 4 // payment-backed, highest priority
)

// Weight returns the weighted-round-robin share for a priority level.
func (p Priority) Weight() uint32 {
	switch p {
	case PriorityVIP:
		return 8
	case PriorityHigh:
		return 4
	case PriorityNormal:
		return 2
	default:
		return 1
	}
}

// String returns a human-readable priority label.
func (p Priority) String() string {
	switch p {
	case PriorityVIP:
		return "VIP"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// PriorityFromInt converts a numeric priority, defaulting to Low.
func PriorityFromInt(v int) (Priority, bool) {
	switch v {
	case 1, 2, 3, 4:
		return Priority(v), true
	default:
		return PriorityLow, false
	}
}

// GenerationParams are the sampling parameters carried by a request.
type GenerationParams struct {
	MaxTokens     int      `json:"max_tokens"`
	Temperature   float32  `json:"temperature"`
	TopP          float32  `json:"top_p"`
	TopK          int      `json:"top_k"`
	RepeatPenalty float32  `json:"repeat_penalty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	Stream        bool     `json:"stream"`
}

// DefaultGenerationParams returns the baseline sampling parameters.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		MaxTokens:     256,
		Temperature:   0.7,
		TopP:          0.9,
		TopK:          40,
		RepeatPenalty: 1.1,
	}
}

// Request is one inference task. Immutable once enqueued except RetryCount.
type Request struct {
	RequestID       string           `json:"request_id"`
	UserID          string           `json:"user_id"`
	Priority        Priority         `json:"priority"`
	CreatedAtMS     int64            `json:"created_at"`
	DeadlineSecs    int64            `json:"deadline_secs,omitempty"` // 0 = no deadline
	EstimatedTokens uint32           `json:"estimated_tokens"`
	ModelID         string           `json:"model_id"`
	Tags            []string         `json:"tags,omitempty"`
	RetryCount      uint32           `json:"retry_count"`
	Dependencies    []string         `json:"dependencies,omitempty"`
	Prompt          string           `json:"prompt"`
	Params          GenerationParams `json:"params"`
}

// NewRequest creates a request with a fresh id and default token estimate.
func NewRequest(userID string, priority Priority, modelID, prompt string) Request {
	return Request{
		RequestID:       uuid.NewString(),
		UserID:          userID,
		Priority:        priority,
		CreatedAtMS:     time.Now().UnixMilli(),
		EstimatedTokens: 256,
		ModelID:         modelID,
		Prompt:          prompt,
		Params:          DefaultGenerationParams(),
	}
}

// WithDeadline sets the deadline in seconds from creation.
func (r Request) WithDeadline(secs int64) Request {
	r.DeadlineSecs = secs
	return r
}

// WithEstimatedTokens sets the token budget estimate.
func (r Request) WithEstimatedTokens(tokens uint32) Request {
	r.EstimatedTokens = tokens
	return r
}

// WithTag appends a routing tag.
func (r Request) WithTag(tag string) Request {
	r.Tags = append(r.Tags, tag)
	return r
}

// WithDependency appends a request id that must finish before this one runs.
func (r Request) WithDependency(depID string) Request {
	r.Dependencies = append(r.Dependencies, depID)
	return r
}

// AgeMS returns how long the request has been waiting at the given instant.
func (r Request) AgeMS(now time.Time) int64 {
	age := now.UnixMilli() - r.CreatedAtMS
	if age < 0 {
		return 0
	}
	return age
}

// EffectivePriority is the time-dependent dequeue key. Declared priority is
// boosted by one level per 10 seconds of age; an approaching deadline forces
// the value above VIP so the request overtakes everything without one.
func (r Request) EffectivePriority(now time.Time) int {
	value := int(r.Priority)

	ageSecs := r.AgeMS(now) / 1000
	value += int(ageSecs / 10)

	if r.DeadlineSecs > 0 {
		remaining := r.DeadlineSecs - ageSecs
		if remaining < 10 {
			value = max(value, int(PriorityVIP)+10)
		} else if remaining < 30 {
			value = max(value, int(PriorityVIP)+5)
		}
	}

	return value
}
