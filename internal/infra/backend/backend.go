// Package backend abstracts the inference runtimes. Each backend instance
// owns at most one loaded model; the worker pool guarantees one request at a
// time per worker, so adapters need not be safe for in-process parallel use.
package backend

import (
	"context"
	"sync/atomic"

	"github.com/inferno-ai/inferno/internal/domain"
)

// Type tags the backend kind.
type Type string

const (
	TypeGGUF Type = "gguf"
	TypeONNX Type = "onnx"
	TypeMock Type = "mock"
)

// LoadOptions configures model loading.
type LoadOptions struct {
	GPULayers   int // -1 = auto, 0 = CPU only, N = specific
	ContextSize int // context window (default 4096)
	BatchSize   int
	Threads     int // 0 = auto
	// AvailableMemoryMB bounds the load; 0 skips the memory gate.
	AvailableMemoryMB uint64
}

// Backend is the capability surface every inference runtime provides.
type Backend interface {
	// LoadModel validates the file format, estimates required memory, and
	// loads the model. Fails with domain.ErrInsufficientResources when the
	// estimate exceeds the available budget.
	LoadModel(ctx context.Context, desc domain.ModelDescriptor, opts LoadOptions) error
	UnloadModel(ctx context.Context) error
	IsLoaded() bool
	ModelInfo() (domain.ModelDescriptor, bool)

	// Infer blocks until generation completes and returns the full text.
	Infer(ctx context.Context, prompt string, params domain.GenerationParams) (string, error)

	// InferStream emits tokens in generation order. Cancelling the context
	// releases compute at the next token boundary; the channel is closed
	// when generation ends for any reason.
	InferStream(ctx context.Context, prompt string, params domain.GenerationParams) (<-chan domain.Token, error)

	// Embeddings returns one embedding vector for the prompt.
	Embeddings(ctx context.Context, prompt string) ([]float32, error)

	// Metrics returns cumulative counters since the last load, or nil when
	// no model has been loaded.
	Metrics() *InferenceMetrics

	Type() Type
}

// InferenceMetrics are cumulative per-adapter counters since the last load.
type InferenceMetrics struct {
	RequestsTotal   atomic.Uint64
	TokensGenerated atomic.Uint64
	FailuresTotal   atomic.Uint64
	TotalLatencyMS  atomic.Uint64
	LoadedAtMS      atomic.Int64
}

// Snapshot is a plain copy of the counters.
type Snapshot struct {
	RequestsTotal   uint64 `json:"requests_total"`
	TokensGenerated uint64 `json:"tokens_generated"`
	FailuresTotal   uint64 `json:"failures_total"`
	TotalLatencyMS  uint64 `json:"total_latency_ms"`
	LoadedAtMS      int64  `json:"loaded_at_ms"`
}

// Snapshot copies the counters.
func (m *InferenceMetrics) Snapshot() Snapshot {
	return Snapshot{
		RequestsTotal:   m.RequestsTotal.Load(),
		TokensGenerated: m.TokensGenerated.Load(),
		FailuresTotal:   m.FailuresTotal.Load(),
		TotalLatencyMS:  m.TotalLatencyMS.Load(),
		LoadedAtMS:      m.LoadedAtMS.Load(),
	}
}

// Factory builds a backend for a model format. Unknown and hardware-variant
// formats resolve to GGUF: the llama runtime carries its own acceleration,
// so the adapter layer stays a uniform contract instead of multiplying
// implementations.
type Factory func(format domain.ModelFormat) Backend

// DefaultFactory builds real adapters per format.
func DefaultFactory(home string) Factory {
	return func(format domain.ModelFormat) Backend {
		switch format {
		case domain.FormatONNX:
			return NewONNXBackend()
		default:
			return NewGGUFBackend(home)
		}
	}
}
