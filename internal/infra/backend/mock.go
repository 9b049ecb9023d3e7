package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/inferno-ai/inferno/internal/domain"
)

// MockBackend implements Backend for tests: deterministic token output, no
// external runtime.
type MockBackend struct {
	mu      sync.Mutex
	desc    domain.ModelDescriptor
	loaded  bool
	metrics *InferenceMetrics

	// TokenDelay slows generation so tests can observe cancellation at a
	// token boundary.
	TokenDelay time.Duration
	// FailNext makes the next inference return an error.
	FailNext bool
	// SkipValidation loads without touching the filesystem.
	SkipValidation bool
}

// NewMockBackend creates a mock adapter that loads any descriptor.
func NewMockBackend() *MockBackend {
	return &MockBackend{SkipValidation: true}
}

// SetFailNext arms or clears the injected failure. Safe to call while the
// adapter is in use.
func (b *MockBackend) SetFailNext(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.FailNext = v
}

// Type returns the backend kind.
func (b *MockBackend) Type() Type { return TypeMock }

// LoadModel records the descriptor.
func (b *MockBackend) LoadModel(ctx context.Context, desc domain.ModelDescriptor, opts LoadOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.SkipValidation {
		if _, err := DetectFormat(desc.Path); err != nil {
			return err
		}
	}
	if err := checkMemoryBudget(desc, opts); err != nil {
		return err
	}
	b.desc = desc
	b.loaded = true
	b.metrics = &InferenceMetrics{}
	b.metrics.LoadedAtMS.Store(time.Now().UnixMilli())
	return nil
}

// UnloadModel clears the loaded state.
func (b *MockBackend) UnloadModel(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = false
	return nil
}

// IsLoaded reports whether a model is resident.
func (b *MockBackend) IsLoaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// ModelInfo returns the loaded descriptor.
func (b *MockBackend) ModelInfo() (domain.ModelDescriptor, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.desc, b.loaded
}

// Metrics returns the counters, nil before the first load.
func (b *MockBackend) Metrics() *InferenceMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// InferStream echoes the prompt word by word.
func (b *MockBackend) InferStream(ctx context.Context, prompt string, params domain.GenerationParams) (<-chan domain.Token, error) {
	b.mu.Lock()
	if !b.loaded {
		b.mu.Unlock()
		return nil, domain.ErrModelNotLoaded
	}
	fail := b.FailNext
	b.FailNext = false
	metrics := b.metrics
	delay := b.TokenDelay
	b.mu.Unlock()

	metrics.RequestsTotal.Add(1)
	if fail {
		metrics.FailuresTotal.Add(1)
		return nil, fmt.Errorf("%w: injected failure", domain.ErrInferenceFailed)
	}

	words := strings.Fields("echo: " + prompt)
	maxTokens := params.MaxTokens
	if maxTokens <= 0 || maxTokens > len(words) {
		maxTokens = len(words)
	}

	ch := make(chan domain.Token, 8)
	go func() {
		defer close(ch)
		for i := 0; i < maxTokens; i++ {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			} else if ctx.Err() != nil {
				return
			}

			text := words[i]
			if i < maxTokens-1 {
				text += " "
			}
			metrics.TokensGenerated.Add(1)
			select {
			case <-ctx.Done():
				return
			case ch <- domain.Token{Text: text, Done: i == maxTokens-1}:
			}
		}
	}()
	return ch, nil
}

// Infer collects the stream into one string.
func (b *MockBackend) Infer(ctx context.Context, prompt string, params domain.GenerationParams) (string, error) {
	ch, err := b.InferStream(ctx, prompt, params)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for tok := range ch {
		if tok.Err != nil {
			return sb.String(), tok.Err
		}
		sb.WriteString(tok.Text)
	}
	return sb.String(), nil
}

// Embeddings returns a deterministic 384-wide vector.
func (b *MockBackend) Embeddings(ctx context.Context, prompt string) ([]float32, error) {
	if !b.IsLoaded() {
		return nil, domain.ErrModelNotLoaded
	}
	vec := make([]float32, 384)
	for i := range vec {
		vec[i] = float32(i%7) * 0.001 * float32(len(prompt)%13+1)
	}
	return vec, nil
}
