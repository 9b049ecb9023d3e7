// ONNX backend: runs transformer decode through onnxruntime. The exported
// graph takes "input_ids" [1, seq] int64 and yields "logits"
// [1, seq, vocab] float32; the adapter's own sampler picks each next token.
package backend

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/inferno-ai/inferno/internal/domain"
	"github.com/inferno-ai/inferno/internal/infra/sampler"
	"github.com/inferno-ai/inferno/internal/log"
)

var ortInit sync.Once

// initRuntime locates the onnxruntime shared library and initializes the
// environment once per process.
func initRuntime() error {
	var err error
	ortInit.Do(func() {
		candidates := []string{
			os.Getenv("ORT_SHARED_LIBRARY_PATH"),
			"/opt/homebrew/lib/libonnxruntime.dylib",
			"/usr/local/lib/libonnxruntime.dylib",
			"/usr/lib/libonnxruntime.so",
		}
		for _, p := range candidates {
			if p == "" {
				continue
			}
			if _, statErr := os.Stat(p); statErr == nil {
				ort.SetSharedLibraryPath(p)
				break
			}
		}
		err = ort.InitializeEnvironment()
	})
	return err
}

// ONNXBackend owns one onnxruntime session.
type ONNXBackend struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	desc    domain.ModelDescriptor
	loaded  bool
	metrics *InferenceMetrics
}

// NewONNXBackend creates an ONNX adapter.
func NewONNXBackend() *ONNXBackend {
	return &ONNXBackend{}
}

// Type returns the backend kind.
func (b *ONNXBackend) Type() Type { return TypeONNX }

// LoadModel validates the file and creates the runtime session.
func (b *ONNXBackend) LoadModel(ctx context.Context, desc domain.ModelDescriptor, opts LoadOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.loaded {
		return fmt.Errorf("%w: adapter already holds %s", domain.ErrModelLoadFailed, b.desc.Name)
	}

	format, err := DetectFormat(desc.Path)
	if err != nil {
		return err
	}
	if format != domain.FormatONNX {
		return fmt.Errorf("%w: %s is %s, not onnx", domain.ErrModelLoadFailed, desc.Name, format)
	}
	if err := checkMemoryBudget(desc, opts); err != nil {
		return err
	}

	if err := initRuntime(); err != nil {
		return fmt.Errorf("%w: initialize onnxruntime: %v", domain.ErrModelLoadFailed, err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		desc.Path,
		[]string{"input_ids"},
		[]string{"logits"},
		nil,
	)
	if err != nil {
		return fmt.Errorf("%w: create session for %s: %v", domain.ErrModelLoadFailed, desc.Name, err)
	}

	b.session = session
	b.desc = desc
	b.loaded = true
	b.metrics = &InferenceMetrics{}
	b.metrics.LoadedAtMS.Store(time.Now().UnixMilli())

	log.Component("backend.onnx").Info().Str("model", desc.Name).Msg("model loaded")
	return nil
}

// UnloadModel destroys the session.
func (b *ONNXBackend) UnloadModel(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.loaded {
		return nil
	}
	if b.session != nil {
		_ = b.session.Destroy()
		b.session = nil
	}
	b.loaded = false
	return nil
}

// IsLoaded reports whether a model is resident.
func (b *ONNXBackend) IsLoaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// ModelInfo returns the loaded model's descriptor.
func (b *ONNXBackend) ModelInfo() (domain.ModelDescriptor, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.desc, b.loaded
}

// Metrics returns the cumulative counters, nil before the first load.
func (b *ONNXBackend) Metrics() *InferenceMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// tokenize maps text to byte-level token ids. Model-specific vocabularies
// ride in the graph itself for exported decoder models; byte-level ids are
// the shared denominator.
func tokenize(text string) []int64 {
	ids := make([]int64, 0, len(text))
	for _, by := range []byte(text) {
		ids = append(ids, int64(by))
	}
	return ids
}

func detokenize(id int64) string {
	if id < 0 || id > 255 {
		return ""
	}
	return string([]byte{byte(id)})
}

// runStep evaluates the graph on the current sequence and returns the logits
// of the final position.
func (b *ONNXBackend) runStep(ids []int64) ([]float32, error) {
	b.mu.Lock()
	session := b.session
	loaded := b.loaded
	b.mu.Unlock()
	if !loaded || session == nil {
		return nil, domain.ErrModelNotLoaded
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(len(ids))), ids)
	if err != nil {
		return nil, fmt.Errorf("%w: build input tensor: %v", domain.ErrInferenceFailed, err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInferenceFailed, err)
	}

	logitsTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: unexpected logits tensor type", domain.ErrInferenceFailed)
	}
	defer logitsTensor.Destroy()

	data := logitsTensor.GetData()
	shape := logitsTensor.GetShape()
	vocab := int(shape[len(shape)-1])
	if vocab <= 0 || len(data) < vocab {
		return nil, fmt.Errorf("%w: malformed logits shape %v", domain.ErrInferenceFailed, shape)
	}

	last := make([]float32, vocab)
	copy(last, data[len(data)-vocab:])
	return last, nil
}

// softmaxCandidates converts raw logits into sampler candidates.
func softmaxCandidates(logits []float32) []domain.TokenCandidate {
	maxLogit := logits[0]
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	var sum float64
	exps := make([]float64, len(logits))
	for i, l := range logits {
		exps[i] = math.Exp(float64(l - maxLogit))
		sum += exps[i]
	}
	candidates := make([]domain.TokenCandidate, len(logits))
	for i, l := range logits {
		p := float32(0)
		if sum > 0 {
			p = float32(exps[i] / sum)
		}
		candidates[i] = domain.TokenCandidate{ID: int32(i), Logit: l, P: p}
	}
	return candidates
}

// InferStream runs the decode loop, emitting one token string per step.
func (b *ONNXBackend) InferStream(ctx context.Context, prompt string, params domain.GenerationParams) (<-chan domain.Token, error) {
	b.mu.Lock()
	metrics := b.metrics
	loaded := b.loaded
	b.mu.Unlock()
	if !loaded {
		return nil, domain.ErrModelNotLoaded
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}

	cfg := sampler.Config{
		Strategy:      sampler.TopKP,
		Temperature:   params.Temperature,
		TopK:          params.TopK,
		TopP:          params.TopP,
		RepeatPenalty: params.RepeatPenalty,
		Seed:          params.Seed,
	}
	if params.Temperature <= 0 {
		cfg.Strategy = sampler.Greedy
	}
	smp := sampler.New(cfg)

	metrics.RequestsTotal.Add(1)
	start := time.Now()

	ch := make(chan domain.Token, 64)
	go func() {
		defer close(ch)
		defer func() {
			metrics.TotalLatencyMS.Add(uint64(time.Since(start).Milliseconds()))
		}()

		ids := tokenize(prompt)
		var generated strings.Builder

		for step := 0; step < maxTokens; step++ {
			select {
			case <-ctx.Done():
				return
			default:
			}

			logits, err := b.runStep(ids)
			if err != nil {
				metrics.FailuresTotal.Add(1)
				ch <- domain.Token{Err: err, Done: true}
				return
			}

			id, ok := smp.Sample(softmaxCandidates(logits))
			if !ok {
				break
			}

			text := detokenize(int64(id))
			ids = append(ids, int64(id))
			generated.WriteString(text)
			metrics.TokensGenerated.Add(1)

			done := step == maxTokens-1 || stopHit(generated.String(), params.StopSequences)
			select {
			case <-ctx.Done():
				return
			case ch <- domain.Token{Text: text, Done: done}:
			}
			if done {
				return
			}
		}
	}()
	return ch, nil
}

func stopHit(text string, stops []string) bool {
	for _, s := range stops {
		if s != "" && strings.HasSuffix(text, s) {
			return true
		}
	}
	return false
}

// Infer collects the stream into one string.
func (b *ONNXBackend) Infer(ctx context.Context, prompt string, params domain.GenerationParams) (string, error) {
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

// Embeddings returns the final position's logits as the embedding vector; no
// pooling is applied.
func (b *ONNXBackend) Embeddings(ctx context.Context, prompt string) ([]float32, error) {
	logits, err := b.runStep(tokenize(prompt))
	if err != nil {
		return nil, err
	}
	return logits, nil
}
