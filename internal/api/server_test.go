package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferno-ai/inferno/internal/domain"
	"github.com/inferno-ai/inferno/internal/executor"
	"github.com/inferno-ai/inferno/internal/infra/backend"
)

func newTestServer(t *testing.T) (*Server, *executor.Executor) {
	t.Helper()

	cfg := executor.DefaultConfig(t.TempDir())
	cfg.TickInterval = 2 * time.Millisecond
	cfg.GracefulTimeoutSecs = 2
	cfg.Persist.Enabled = false

	exec := executor.New(cfg, executor.Options{
		Factory: func(domain.ModelFormat) backend.Backend { return backend.NewMockBackend() },
	})
	ctx, cancel := context.WithCancel(context.Background())
	go exec.Run(ctx)
	t.Cleanup(func() {
		cancel()
		exec.Stop(context.Background())
	})

	return NewServer(exec, nil), exec
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestServer_SubmitAccepted(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Handler()

	w := postJSON(t, handler, "/v1/inference", submitRequest{
		UserID: "user1",
		Model:  "model1",
		Prompt: "hello",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
}

func TestServer_SubmitBadRequest(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Handler()

	w := postJSON(t, handler, "/v1/inference", submitRequest{UserID: "u", Model: "m"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty prompt must be refused")

	w = postJSON(t, handler, "/v1/inference", submitRequest{
		UserID: "u", Model: "m", Prompt: "hi", Priority: 9,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "priority out of range")
}

func TestServer_SubmitStreaming(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body, _ := json.Marshal(submitRequest{
		UserID: "u", Model: "model1", Prompt: "stream me",
		Params: &domain.GenerationParams{Stream: true, MaxTokens: 4},
	})
	resp, err := http.Post(srv.URL+"/v1/inference", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
}

func TestServer_CancelUnknown(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodDelete, "/v1/inference/unknown-id", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_StatusAndStats(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var status executor.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 0, status.QueueDepth)

	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var snap executor.MetricsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
}

func TestServer_Healthz(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_ModelsEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var models []domain.ModelDescriptor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &models))
	assert.Empty(t, models)
}

func TestServer_MetricsEndpointGated(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code, "metrics off by default")

	s.EnableMetrics()
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_EndToEndSubmitThenStream(t *testing.T) {
	s, exec := newTestServer(t)
	handler := s.Handler()

	w := postJSON(t, handler, "/v1/inference", submitRequest{
		UserID: "u", Model: "model1", Prompt: "end to end",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	require.Eventually(t, func() bool {
		return exec.Metrics().TotalCompleted == 1
	}, 5*time.Second, 5*time.Millisecond)

	snap := exec.Metrics()
	assert.Equal(t, uint64(1), snap.TotalSubmitted)
	assert.NotEmpty(t, resp.RequestID)
}
