// GGUF backend: drives a llama-server subprocess (from llama.cpp) and
// proxies Infer/InferStream/Embeddings through its HTTP API. Hardware
// acceleration (Metal, CUDA) comes with the runtime itself.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/inferno-ai/inferno/internal/domain"
	"github.com/inferno-ai/inferno/internal/log"
)

// GGUFBackend owns one llama-server subprocess per loaded model.
type GGUFBackend struct {
	serverPath string
	home       string

	mu      sync.Mutex
	cmd     *exec.Cmd
	addr    string
	desc    domain.ModelDescriptor
	loaded  bool
	client  *http.Client
	metrics *InferenceMetrics
}

// NewGGUFBackend creates a GGUF adapter. The llama-server binary is located
// lazily at load time.
func NewGGUFBackend(home string) *GGUFBackend {
	return &GGUFBackend{
		home:   home,
		client: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Type returns the backend kind.
func (b *GGUFBackend) Type() Type { return TypeGGUF }

// findLlamaServer searches the inferno bin dir, then PATH.
func findLlamaServer(home string) (string, error) {
	exe := "llama-server"
	if runtime.GOOS == "windows" {
		exe = "llama-server.exe"
	}
	binPath := filepath.Join(home, "bin", exe)
	if _, err := os.Stat(binPath); err == nil {
		return binPath, nil
	}
	if path, err := exec.LookPath(exe); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("llama-server not found in %s or PATH", filepath.Join(home, "bin"))
}

func findFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// LoadModel validates the GGUF file and starts llama-server around it.
func (b *GGUFBackend) LoadModel(ctx context.Context, desc domain.ModelDescriptor, opts LoadOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.loaded {
		return fmt.Errorf("%w: adapter already holds %s", domain.ErrModelLoadFailed, b.desc.Name)
	}

	format, err := DetectFormat(desc.Path)
	if err != nil {
		return err
	}
	if format != domain.FormatGGUF {
		return fmt.Errorf("%w: %s is %s, not gguf", domain.ErrModelLoadFailed, desc.Name, format)
	}
	if err := checkMemoryBudget(desc, opts); err != nil {
		return err
	}

	if b.serverPath == "" {
		path, err := findLlamaServer(b.home)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrModelLoadFailed, err)
		}
		b.serverPath = path
	}

	port, err := findFreePort()
	if err != nil {
		return fmt.Errorf("%w: find free port: %v", domain.ErrModelLoadFailed, err)
	}

	ctxSize := opts.ContextSize
	if ctxSize == 0 {
		ctxSize = 4096
	}
	args := []string{
		"--model", desc.Path,
		"--host", "127.0.0.1",
		"--port", fmt.Sprintf("%d", port),
		"--ctx-size", fmt.Sprintf("%d", ctxSize),
		"--embeddings",
	}
	if opts.GPULayers >= 0 {
		args = append(args, "--n-gpu-layers", fmt.Sprintf("%d", opts.GPULayers))
	} else {
		args = append(args, "--n-gpu-layers", "99")
	}
	if opts.Threads > 0 {
		args = append(args, "--threads", fmt.Sprintf("%d", opts.Threads))
	}

	cmd := exec.Command(b.serverPath, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start llama-server: %v", domain.ErrModelLoadFailed, err)
	}

	addr := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := waitForServer(ctx, addr, 5*time.Minute); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("%w: llama-server never became ready for %s: %v", domain.ErrModelLoadFailed, desc.Name, err)
	}

	b.cmd = cmd
	b.addr = addr
	b.desc = desc
	b.loaded = true
	b.metrics = &InferenceMetrics{}
	b.metrics.LoadedAtMS.Store(time.Now().UnixMilli())

	log.Component("backend.gguf").Info().
		Str("model", desc.Name).
		Int("port", port).
		Msg("model loaded")
	return nil
}

// waitForServer polls /health until the server answers.
func waitForServer(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		resp, err := client.Get(addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("timeout after %s", timeout)
}

// UnloadModel kills the subprocess.
func (b *GGUFBackend) UnloadModel(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.loaded {
		return nil
	}
	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
		_ = b.cmd.Wait()
	}
	b.cmd = nil
	b.loaded = false
	return nil
}

// IsLoaded reports whether a model is resident.
func (b *GGUFBackend) IsLoaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// ModelInfo returns the loaded model's descriptor.
func (b *GGUFBackend) ModelInfo() (domain.ModelDescriptor, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.desc, b.loaded
}

// Metrics returns the cumulative counters, nil before the first load.
func (b *GGUFBackend) Metrics() *InferenceMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

func (b *GGUFBackend) endpoint() (string, *InferenceMetrics, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loaded {
		return "", nil, domain.ErrModelNotLoaded
	}
	return b.addr, b.metrics, nil
}

func completionBody(prompt string, params domain.GenerationParams, stream bool) ([]byte, error) {
	body := map[string]any{
		"prompt":         prompt,
		"stream":         stream,
		"temperature":    params.Temperature,
		"top_p":          params.TopP,
		"top_k":          params.TopK,
		"repeat_penalty": params.RepeatPenalty,
		"cache_prompt":   true,
	}
	if params.MaxTokens > 0 {
		body["n_predict"] = params.MaxTokens
	} else {
		body["n_predict"] = 1024
	}
	if len(params.StopSequences) > 0 {
		body["stop"] = params.StopSequences
	}
	if params.Seed != nil {
		body["seed"] = *params.Seed
	}
	return json.Marshal(body)
}

// Infer blocks until the completion finishes.
func (b *GGUFBackend) Infer(ctx context.Context, prompt string, params domain.GenerationParams) (string, error) {
	addr, metrics, err := b.endpoint()
	if err != nil {
		return "", err
	}

	payload, err := completionBody(prompt, params, false)
	if err != nil {
		return "", err
	}
	start := time.Now()
	metrics.RequestsTotal.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/completion", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		metrics.FailuresTotal.Add(1)
		return "", fmt.Errorf("%w: %v", domain.ErrInferenceFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.FailuresTotal.Add(1)
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: llama-server %d: %s", domain.ErrInferenceFailed, resp.StatusCode, msg)
	}

	var out struct {
		Content         string `json:"content"`
		TokensPredicted uint64 `json:"tokens_predicted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.FailuresTotal.Add(1)
		return "", fmt.Errorf("%w: decode response: %v", domain.ErrInferenceFailed, err)
	}

	metrics.TokensGenerated.Add(out.TokensPredicted)
	metrics.TotalLatencyMS.Add(uint64(time.Since(start).Milliseconds()))
	return out.Content, nil
}

// InferStream streams tokens from llama-server's SSE response. Cancelling the
// context closes the HTTP body, which stops generation server-side.
func (b *GGUFBackend) InferStream(ctx context.Context, prompt string, params domain.GenerationParams) (<-chan domain.Token, error) {
	addr, metrics, err := b.endpoint()
	if err != nil {
		return nil, err
	}

	payload, err := completionBody(prompt, params, true)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	metrics.RequestsTotal.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/completion", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		metrics.FailuresTotal.Add(1)
		return nil, fmt.Errorf("%w: %v", domain.ErrInferenceFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		metrics.FailuresTotal.Add(1)
		return nil, fmt.Errorf("%w: llama-server %d: %s", domain.ErrInferenceFailed, resp.StatusCode, msg)
	}

	ch := make(chan domain.Token, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		defer func() {
			metrics.TotalLatencyMS.Add(uint64(time.Since(start).Milliseconds()))
		}()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "" || data == "[DONE]" {
				continue
			}

			var chunk struct {
				Content string `json:"content"`
				Stop    bool   `json:"stop"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			metrics.TokensGenerated.Add(1)
			select {
			case <-ctx.Done():
				return
			case ch <- domain.Token{Text: chunk.Content, Done: chunk.Stop}:
			}
			if chunk.Stop {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			metrics.FailuresTotal.Add(1)
			ch <- domain.Token{Err: fmt.Errorf("%w: %v", domain.ErrInferenceFailed, err), Done: true}
		}
	}()
	return ch, nil
}

// Embeddings proxies the /embedding endpoint.
func (b *GGUFBackend) Embeddings(ctx context.Context, prompt string) ([]float32, error) {
	addr, metrics, err := b.endpoint()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{"content": prompt})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/embedding", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		metrics.FailuresTotal.Add(1)
		return nil, fmt.Errorf("%w: %v", domain.ErrInferenceFailed, err)
	}
	defer resp.Body.Close()

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.FailuresTotal.Add(1)
		return nil, fmt.Errorf("%w: decode embedding: %v", domain.ErrInferenceFailed, err)
	}
	return out.Embedding, nil
}
