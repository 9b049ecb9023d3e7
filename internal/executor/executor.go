// Package executor wires the queue, scheduler, balancer, worker pools, and
// backends into the scheduling control loop, and exposes the submission API
// the front-ends adapt to.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/inferno-ai/inferno/internal/domain"
	"github.com/inferno-ai/inferno/internal/infra/backend"
	"github.com/inferno-ai/inferno/internal/infra/balance"
	"github.com/inferno-ai/inferno/internal/infra/events"
	"github.com/inferno-ai/inferno/internal/infra/metrics"
	"github.com/inferno-ai/inferno/internal/infra/persist"
	"github.com/inferno-ai/inferno/internal/infra/pool"
	"github.com/inferno-ai/inferno/internal/infra/profile"
	"github.com/inferno-ai/inferno/internal/infra/queue"
	"github.com/inferno-ai/inferno/internal/infra/registry"
	"github.com/inferno-ai/inferno/internal/infra/store"
	"github.com/inferno-ai/inferno/internal/infra/sysmon"
	"github.com/inferno-ai/inferno/internal/log"
)

// Config bounds the executor.
type Config struct {
	MaxRetries            uint32
	TickInterval          time.Duration
	DispatchBatch         int // max assignments per tick
	TotalGPUMemoryMB      uint32
	StarvationThresholdMS int64
	GracefulTimeoutSecs   int64

	Pool     domain.PoolConfig // per-model template; ModelID filled per pool
	Balancer balance.Config
	Persist  persist.Config
}

// DefaultConfig returns production executor defaults rooted at home.
func DefaultConfig(home string) Config {
	return Config{
		MaxRetries:            3,
		TickInterval:          10 * time.Millisecond,
		DispatchBatch:         32,
		TotalGPUMemoryMB:      24_576,
		StarvationThresholdMS: queue.DefaultStarvationThresholdMS,
		GracefulTimeoutSecs:   30,
		Pool:                  domain.DefaultPoolConfig(""),
		Balancer:              balance.DefaultConfig(),
		Persist:               persist.DefaultConfig(home),
	}
}

// CancelResult reports what Cancel did.
type CancelResult string

const (
	Cancelled      CancelResult = "CANCELLED"
	NotFound       CancelResult = "NOT_FOUND"
	AlreadyRunning CancelResult = "ALREADY_RUNNING"
)

// Status is the external status snapshot.
type Status struct {
	QueueDepth    int                         `json:"queue_depth"`
	Backpressure  balance.BackpressureStatus  `json:"backpressure"`
	Health        persist.QueueHealth         `json:"health"`
	WorkerStats   map[string]domain.PoolStats `json:"worker_stats"`
	System        domain.SystemState          `json:"system_state"`
	FairnessScore float32                     `json:"fairness_score"`
}

// MetricsSnapshot is the structured numeric snapshot exposed to front-ends.
type MetricsSnapshot struct {
	TotalSubmitted uint64                 `json:"total_submitted"`
	TotalCompleted uint64                 `json:"total_completed"`
	TotalFailed    uint64                 `json:"total_failed"`
	TotalCancelled uint64                 `json:"total_cancelled"`
	TotalRetried   uint64                 `json:"total_retried"`
	Queue          queue.QueueStats       `json:"queue"`
	Fairness       queue.FairnessStats    `json:"fairness"`
	Workers        []domain.WorkerMetrics `json:"workers"`
}

// worker is one live binding of a loaded model to its backend. Its task loop
// is strictly sequential: within a worker, submission order is completion
// order.
type worker struct {
	id      int
	modelID string
	backend backend.Backend
	tasks   chan task
}

type task struct {
	req    domain.Request
	handle *Handle
}

// Options are the collaborators supplied by the embedder.
type Options struct {
	Factory backend.Factory
	Models  *registry.Manager
	Monitor *sysmon.Monitor
	Audit   *store.Store
	Bus     *events.Bus
}

// Executor drives the scheduling control loop.
type Executor struct {
	cfg      Config
	sched    *queue.FairScheduler
	balancer *balance.LoadBalancer
	pools    *pool.Registry
	factory  backend.Factory
	models   *registry.Manager
	monitor  *sysmon.Monitor
	persist  *persist.Manager
	shutdown *persist.ShutdownCoordinator
	bus      *events.Bus
	profiles *profile.Collector
	audit    *store.Store // optional
	logger   zerolog.Logger

	mu        sync.Mutex
	handles   map[string]*Handle
	running   map[string]context.CancelFunc
	deferred  []domain.Request
	completed map[string]struct{}
	workers   map[int]*worker

	totalSubmitted atomic.Uint64
	totalCompleted atomic.Uint64
	totalFailed    atomic.Uint64
	totalCancelled atomic.Uint64
	totalRetried   atomic.Uint64

	wg      sync.WaitGroup
	stopped chan struct{}
}

// New wires an executor.
func New(cfg Config, opts Options) *Executor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = 32
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = sysmon.New(sysmon.DefaultConfig())
	}

	e := &Executor{
		cfg:       cfg,
		sched:     queue.NewFairScheduler().WithStarvationThreshold(cfg.StarvationThresholdMS),
		balancer:  balance.New(cfg.Balancer),
		pools:     pool.NewRegistry(),
		factory:   opts.Factory,
		models:    opts.Models,
		monitor:   monitor,
		persist:   persist.NewManager(cfg.Persist),
		shutdown:  persist.NewShutdownCoordinator(cfg.GracefulTimeoutSecs),
		bus:       bus,
		profiles:  profile.NewCollector(),
		audit:     opts.Audit,
		logger:    log.Component("executor"),
		handles:   make(map[string]*Handle),
		running:   make(map[string]context.CancelFunc),
		completed: make(map[string]struct{}),
		workers:   make(map[int]*worker),
		stopped:   make(chan struct{}),
	}

	monitor.OnProfileChange(func(p domain.PerformanceProfile) {
		metrics.ProfileChanges.Inc()
		bus.Publish(domain.Event{Type: domain.EventSystemProfileChanged, Data: p})
	})
	return e
}

// Bus returns the observability bus.
func (e *Executor) Bus() *events.Bus { return e.bus }

// Profiles returns the profile collector.
func (e *Executor) Profiles() *profile.Collector { return e.profiles }

// Restore re-enqueues requests from the last checkpoint, preserving their
// original submission instants so age boosting resumes where it left off.
// An unknown snapshot version is logged and the queue starts fresh.
func (e *Executor) Restore() error {
	snap, err := e.persist.LoadCheckpoint()
	if errors.Is(err, domain.ErrUnknownVersion) {
		e.logger.Warn().Err(err).Msg("refusing checkpoint — starting with a fresh queue")
		return nil
	}
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	for _, r := range snap.PendingRequests {
		e.mu.Lock()
		e.handles[r.RequestID] = newHandle(r.RequestID)
		e.mu.Unlock()
		e.sched.Enqueue(r)
		e.totalSubmitted.Add(1)
	}
	metrics.QueueDepth.Set(float64(e.sched.Len()))
	return nil
}

// gpuFreeMB derives the free GPU budget from the configured total minus the
// pools' per-worker reservations.
func (e *Executor) gpuFreeMB() uint32 {
	var used uint32
	for _, stats := range e.pools.Stats() {
		used += stats.TotalGPUMemoryUsedMB
	}
	if used >= e.cfg.TotalGPUMemoryMB {
		return 0
	}
	return e.cfg.TotalGPUMemoryMB - used
}

func (e *Executor) validate(r domain.Request) error {
	if r.RequestID == "" || r.Prompt == "" || r.ModelID == "" {
		return fmt.Errorf("%w: request id, prompt, and model are required", domain.ErrBadRequest)
	}
	if _, ok := domain.PriorityFromInt(int(r.Priority)); !ok {
		return fmt.Errorf("%w: priority %d out of range", domain.ErrBadRequest, r.Priority)
	}
	if r.EstimatedTokens < 1 {
		return fmt.Errorf("%w: estimated_tokens must be at least 1", domain.ErrBadRequest)
	}
	p := r.Params
	if p.Temperature < 0 || p.TopP < 0 || p.TopP > 1 || p.MaxTokens < 0 {
		return fmt.Errorf("%w: invalid sampling parameters", domain.ErrBadRequest)
	}
	if e.models != nil {
		if _, err := e.models.Resolve(r.ModelID); err != nil {
			return fmt.Errorf("%w: unknown model %q", domain.ErrBadRequest, r.ModelID)
		}
	}
	return nil
}

// Submit admits a request and returns its handle. Critical backpressure
// refuses with ErrQueueFull; elevated backpressure admits but flags the
// saturation so callers can slow down.
func (e *Executor) Submit(r domain.Request) (*Handle, error) {
	if e.shutdown.InProgress() {
		return nil, domain.ErrShuttingDown
	}
	if err := e.validate(r); err != nil {
		metrics.QueueRejected.WithLabelValues("bad_request").Inc()
		return nil, err
	}

	switch e.balancer.CheckBackpressure(e.sched.Len(), e.gpuFreeMB()) {
	case balance.Critical:
		metrics.QueueRejected.WithLabelValues("queue_full").Inc()
		return nil, domain.ErrQueueFull
	case balance.Elevated:
		metrics.QueueSaturated.Inc()
		e.bus.Publish(domain.Event{Type: domain.EventQueueSaturated, RequestID: r.RequestID})
	}

	h := newHandle(r.RequestID)
	e.mu.Lock()
	e.handles[r.RequestID] = h
	e.mu.Unlock()

	e.sched.Enqueue(r)
	e.totalSubmitted.Add(1)
	metrics.QueueDepth.Set(float64(e.sched.Len()))
	return h, nil
}

// Cancel removes a queued request. Running requests are not aborted here —
// the submitter drops the stream instead.
func (e *Executor) Cancel(requestID string) CancelResult {
	if r, ok := e.sched.Cancel(requestID); ok {
		e.totalCancelled.Add(1)
		e.recordAudit(r, "cancelled", domain.ErrCancelled.Error(), 0)
		e.closeOut(r.RequestID)
		metrics.QueueDepth.Set(float64(e.sched.Len()))
		return Cancelled
	}

	e.mu.Lock()
	for i, r := range e.deferred {
		if r.RequestID == requestID {
			e.deferred = append(e.deferred[:i], e.deferred[i+1:]...)
			e.mu.Unlock()
			e.totalCancelled.Add(1)
			e.recordAudit(r, "cancelled", domain.ErrCancelled.Error(), 0)
			e.closeOut(r.RequestID)
			return Cancelled
		}
	}
	_, isRunning := e.running[requestID]
	e.mu.Unlock()

	if isRunning {
		return AlreadyRunning
	}
	return NotFound
}

// Stream returns the token stream for an accepted request.
func (e *Executor) Stream(requestID string) (<-chan domain.Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[requestID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return h.Tokens(), nil
}

// Handle returns the live handle for an accepted request.
func (e *Executor) Handle(requestID string) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[requestID]
	return h, ok
}

// Status reports the external status snapshot.
func (e *Executor) Status() Status {
	depth := e.sched.Len()
	free := e.gpuFreeMB()
	fairness := e.sched.FairnessStats()

	var activeWorkers int
	workerStats := e.pools.Stats()
	for _, s := range workerStats {
		activeWorkers += s.ActiveWorkers
	}

	var avgWait float64
	if m, ok := fairness.PerPriority[domain.PriorityNormal]; ok {
		avgWait = m.AvgWaitMS
	}

	state, _ := e.monitor.LastState()

	return Status{
		QueueDepth:    depth,
		Backpressure:  e.balancer.CheckBackpressure(depth, free),
		Health:        persist.NewQueueHealth(depth, activeWorkers, avgWait, free, e.persist.Enabled()),
		WorkerStats:   workerStats,
		System:        state,
		FairnessScore: fairness.FairnessScore,
	}
}

// Metrics reports the structured numeric snapshot.
func (e *Executor) Metrics() MetricsSnapshot {
	var workers []domain.WorkerMetrics
	for _, p := range e.pools.All() {
		workers = append(workers, p.WorkerMetrics()...)
	}
	return MetricsSnapshot{
		TotalSubmitted: e.totalSubmitted.Load(),
		TotalCompleted: e.totalCompleted.Load(),
		TotalFailed:    e.totalFailed.Load(),
		TotalCancelled: e.totalCancelled.Load(),
		TotalRetried:   e.totalRetried.Load(),
		Queue:          e.sched.QueueStats(),
		Fairness:       e.sched.FairnessStats(),
		Workers:        workers,
	}
}

// Run drives the scheduling loop until the context is cancelled or Stop is
// called.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	housekeeping := time.NewTicker(time.Second)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.shutdown.Done():
			return
		case <-housekeeping.C:
			e.housekeep()
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick promotes satisfied dependencies and dispatches as many requests as
// capacity allows.
func (e *Executor) tick() {
	e.promoteDeferred()

	for i := 0; i < e.cfg.DispatchBatch; i++ {
		free := e.gpuFreeMB()
		if free < e.cfg.Balancer.MinGPUMemoryFreeMB {
			return
		}

		r, ok := e.sched.Dequeue()
		if !ok {
			return
		}
		metrics.QueueDepth.Set(float64(e.sched.Len()))
		metrics.QueueWait.WithLabelValues(r.Priority.String()).
			Observe(float64(r.AgeMS(time.Now())) / 1000)

		if !e.dependenciesMet(r) || !e.dispatch(r, free) {
			// Parked until dependencies resolve or capacity frees up; the
			// next tick re-enqueues it and age boost preserves its claim.
			e.mu.Lock()
			e.deferred = append(e.deferred, r)
			e.mu.Unlock()
		}
	}
}

func (e *Executor) dependenciesMet(r domain.Request) bool {
	if len(r.Dependencies) == 0 {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, dep := range r.Dependencies {
		if _, done := e.completed[dep]; !done {
			return false
		}
	}
	return true
}

// promoteDeferred re-enqueues parked requests whose dependencies resolved.
func (e *Executor) promoteDeferred() {
	e.mu.Lock()
	parked := e.deferred
	e.deferred = nil
	e.mu.Unlock()

	var still []domain.Request
	for _, r := range parked {
		if e.dependenciesMet(r) {
			e.sched.Enqueue(r)
		} else {
			still = append(still, r)
		}
	}
	if len(still) > 0 {
		e.mu.Lock()
		e.deferred = append(e.deferred, still...)
		e.mu.Unlock()
	}
}

// dispatch binds the request to a worker and hands it to the worker's
// sequential task loop.
func (e *Executor) dispatch(r domain.Request, freeGPU uint32) bool {
	p := e.poolFor(r.ModelID)
	if !p.HasCapacity() {
		return false
	}
	e.syncWorkers(r.ModelID, p)

	assignment, ok := e.balancerAssign(r, p, freeGPU)
	if !ok {
		return false
	}
	if !p.AssignRequest(assignment.WorkerID) {
		return false
	}

	e.mu.Lock()
	w, exists := e.workers[assignment.WorkerID]
	h := e.handles[r.RequestID]
	delivered := false
	if exists && h != nil {
		select {
		case w.tasks <- task{req: r, handle: h}:
			delivered = true
		default:
		}
	}
	e.mu.Unlock()

	if !delivered {
		p.CompleteRequest(assignment.WorkerID, true)
		return false
	}
	return true
}

// balancerAssign refreshes the balancer's view of the pool's workers and
// asks it for a placement.
func (e *Executor) balancerAssign(r domain.Request, p *pool.WorkerPool, freeGPU uint32) (balance.AssignmentResult, bool) {
	for _, m := range p.WorkerMetrics() {
		if m.State == domain.WorkerFailed {
			e.balancer.UnregisterWorker(m.WorkerID)
			continue
		}
		e.balancer.RegisterWorker(m.WorkerID)
		eta := uint64(m.ActiveRequests) * uint64(r.EstimatedTokens) * 1000 / 50
		e.balancer.UpdateWorkerMetrics(m.WorkerID, m.ActiveRequests, eta, m.GPUMemoryUsedMB)
	}
	return e.balancer.AssignRequest(r, freeGPU)
}

func (e *Executor) poolFor(modelID string) *pool.WorkerPool {
	cfg := e.cfg.Pool
	cfg.ModelID = modelID
	return e.pools.GetOrCreate(cfg)
}

// syncWorkers materializes worker loops for pool workers and reaps the ones
// the pool dropped. Model loading happens inside the worker goroutine, off
// the control loop.
func (e *Executor) syncWorkers(modelID string, p *pool.WorkerPool) {
	want := make(map[int]struct{})
	var metricsList []domain.WorkerMetrics
	for _, m := range p.WorkerMetrics() {
		if m.State != domain.WorkerFailed {
			want[m.WorkerID] = struct{}{}
			metricsList = append(metricsList, m)
		}
	}

	e.mu.Lock()
	var started []*worker
	for _, m := range metricsList {
		if _, ok := e.workers[m.WorkerID]; ok {
			continue
		}
		w := &worker{
			id:      m.WorkerID,
			modelID: modelID,
			tasks:   make(chan task, 16),
		}
		if e.factory != nil {
			w.backend = e.factory(e.modelFormat(modelID))
		}
		e.workers[m.WorkerID] = w
		started = append(started, w)
	}
	for id, w := range e.workers {
		if w.modelID != modelID {
			continue
		}
		if _, ok := want[id]; !ok {
			close(w.tasks)
			delete(e.workers, id)
			e.balancer.UnregisterWorker(id)
		}
	}
	e.mu.Unlock()

	for _, w := range started {
		e.wg.Add(1)
		go e.workerLoop(w, p)
	}
}

func (e *Executor) modelFormat(modelID string) domain.ModelFormat {
	if e.models != nil {
		if d, err := e.models.Resolve(modelID); err == nil {
			return d.Format
		}
	}
	return domain.FormatGGUF
}

func (e *Executor) loadWorkerModel(w *worker) error {
	if w.backend == nil {
		return nil
	}
	desc := domain.ModelDescriptor{Name: w.modelID}
	if e.models != nil {
		if d, err := e.models.Resolve(w.modelID); err == nil {
			desc = d
		}
	}
	opts := backend.LoadOptions{GPULayers: -1, ContextSize: 4096}
	if state, ok := e.monitor.LastState(); ok {
		prof := state.RecommendedProfile()
		opts.GPULayers = int(prof.GPULayers())
		opts.ContextSize = int(prof.ContextSize())
	}
	return w.backend.LoadModel(context.Background(), desc, opts)
}

// workerLoop loads the worker's model, then runs tasks strictly in order.
// A failed load marks the worker Failed and requeues its tasks; the pool
// replaces the worker on a later scale tick.
func (e *Executor) workerLoop(w *worker, p *pool.WorkerPool) {
	defer e.wg.Done()

	if w.backend != nil && !w.backend.IsLoaded() {
		if err := e.loadWorkerModel(w); err != nil {
			e.logger.Error().Err(err).Int("worker", w.id).Str("model", w.modelID).
				Msg("worker model load failed")
			p.MarkFailed(w.id)
			e.balancer.UnregisterWorker(w.id)
			for t := range w.tasks {
				// The request never ran; requeue without consuming a retry.
				p.CompleteRequest(w.id, false)
				e.sched.Enqueue(t.req)
			}
			return
		}
	}

	for t := range w.tasks {
		e.runTask(w, p, t)
	}
	if w.backend != nil {
		_ = w.backend.UnloadModel(context.Background())
	}
}

// runTask executes one request on the worker and routes its outcome.
func (e *Executor) runTask(w *worker, p *pool.WorkerPool, t task) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.handle.bind(cancel)
	e.mu.Lock()
	e.running[t.req.RequestID] = cancel
	e.mu.Unlock()

	e.bus.Publish(domain.Event{
		Type:      domain.EventInferenceStarted,
		RequestID: t.req.RequestID,
		ModelID:   t.req.ModelID,
	})

	queueWait := time.Duration(t.req.AgeMS(time.Now())) * time.Millisecond
	start := time.Now()
	var tokensOut uint32
	var runErr error

	if w.backend == nil {
		runErr = domain.ErrModelNotLoaded
	} else {
		stream, err := w.backend.InferStream(ctx, t.req.Prompt, t.req.Params)
		if err != nil {
			runErr = err
		} else {
			for tok := range stream {
				if tok.Err != nil {
					runErr = tok.Err
					break
				}
				tokensOut++
				metrics.InferenceTokens.WithLabelValues(t.req.ModelID).Inc()
				if !t.handle.deliver(ctx, tok) {
					break
				}
				if tokensOut%16 == 0 {
					e.bus.Publish(domain.Event{
						Type:      domain.EventInferenceProgress,
						RequestID: t.req.RequestID,
						ModelID:   t.req.ModelID,
						Data:      tokensOut,
					})
				}
			}
		}
	}

	e.mu.Lock()
	delete(e.running, t.req.RequestID)
	e.mu.Unlock()

	elapsed := time.Since(start)
	metrics.InferenceLatency.WithLabelValues(t.req.ModelID).Observe(elapsed.Seconds())

	switch {
	case ctx.Err() != nil || errors.Is(runErr, domain.ErrCancelled):
		// Submitter dropped the stream; not a system error.
		p.CompleteRequest(w.id, true)
		e.totalCancelled.Add(1)
		metrics.InferenceRequests.WithLabelValues(t.req.ModelID, "cancelled").Inc()
		e.recordAudit(t.req, "cancelled", "", tokensOut)
		e.closeOut(t.req.RequestID)
	case runErr == nil:
		p.CompleteRequest(w.id, true)
		e.finishSuccess(t, tokensOut, queueWait, elapsed)
	default:
		p.CompleteRequest(w.id, false)
		e.handleFailure(w, t, runErr)
	}
}

func (e *Executor) finishSuccess(t task, tokensOut uint32, queueWait, elapsed time.Duration) {
	e.totalCompleted.Add(1)
	metrics.InferenceRequests.WithLabelValues(t.req.ModelID, "completed").Inc()

	prof := profile.InferenceProfile{
		RequestID:    t.req.RequestID,
		ModelID:      t.req.ModelID,
		InputTokens:  uint32(len(t.req.Prompt) / 4),
		OutputTokens: tokensOut,
		TotalTimeMS:  float64(elapsed.Milliseconds()),
	}
	prof.AddPhase(profile.PhaseQueueWait, queueWait)
	prof.AddPhase(profile.PhaseInference, elapsed)
	e.profiles.Record(prof)

	e.recordAudit(t.req, "completed", "", tokensOut)
	e.bus.Publish(domain.Event{
		Type:      domain.EventInferenceCompleted,
		RequestID: t.req.RequestID,
		ModelID:   t.req.ModelID,
		Data:      tokensOut,
	})
	e.closeOut(t.req.RequestID)
}

// handleFailure retries a failed inference while the request has budget,
// otherwise surfaces the error to the submitter.
func (e *Executor) handleFailure(w *worker, t task, runErr error) {
	e.logger.Warn().Err(runErr).
		Str("request", t.req.RequestID).
		Int("worker", w.id).
		Uint32("retry_count", t.req.RetryCount).
		Msg("inference failed")

	if errors.Is(runErr, domain.ErrInferenceFailed) && t.req.RetryCount < e.cfg.MaxRetries {
		t.req.RetryCount++
		e.totalRetried.Add(1)
		metrics.InferenceRetries.Inc()
		e.sched.Enqueue(t.req)
		metrics.QueueDepth.Set(float64(e.sched.Len()))
		return
	}

	e.totalFailed.Add(1)
	metrics.InferenceRequests.WithLabelValues(t.req.ModelID, "failed").Inc()
	e.recordAudit(t.req, "failed", runErr.Error(), 0)

	e.mu.Lock()
	h := e.handles[t.req.RequestID]
	e.mu.Unlock()
	if h != nil {
		select {
		case h.tokens <- domain.Token{Err: runErr, Done: true}:
		default:
		}
	}
	e.closeOut(t.req.RequestID)
}

// closeOut finishes the handle and marks the request terminal.
func (e *Executor) closeOut(requestID string) {
	e.mu.Lock()
	h := e.handles[requestID]
	delete(e.handles, requestID)
	e.completed[requestID] = struct{}{}
	e.mu.Unlock()
	if h != nil {
		h.finish()
	}
}

func (e *Executor) recordAudit(r domain.Request, outcome, errMsg string, tokensOut uint32) {
	if e.audit == nil {
		return
	}
	rec := store.CompletionRecord{
		RequestID:   r.RequestID,
		UserID:      r.UserID,
		ModelID:     r.ModelID,
		Priority:    r.Priority,
		Outcome:     outcome,
		Error:       errMsg,
		TokensOut:   tokensOut,
		CreatedAtMS: r.CreatedAtMS,
	}
	if err := e.audit.RecordCompletion(rec); err != nil {
		e.logger.Warn().Err(err).Msg("audit record failed")
	}
}

// housekeep runs the slower feedback loops: system-state consult, pool
// scaling, fairness gauges, and auto-checkpointing.
func (e *Executor) housekeep() {
	state := e.monitor.Refresh()

	for _, p := range allProfiles() {
		metrics.SystemProfile.WithLabelValues(string(p)).Set(0)
	}
	metrics.SystemProfile.WithLabelValues(string(state.RecommendedProfile())).Set(1)

	avgLatency := float32(e.profiles.AvgLatencyMS())
	free := e.gpuFreeMB()
	depth := e.sched.Len()

	// Under critical thermal or battery pressure scale-ups pause: the pools
	// see no spare GPU budget.
	scaleBudget := free
	if state.IsCritical() {
		scaleBudget = 0
	}

	for _, p := range e.pools.All() {
		cfg := p.Config()
		dir, _ := p.AutoScale(depth, avgLatency, scaleBudget)
		if dir != pool.ScaleNone {
			direction := "up"
			if dir == pool.ScaleDown {
				direction = "down"
			}
			metrics.WorkerScaleEvents.WithLabelValues(cfg.ModelID, direction).Inc()
			e.bus.Publish(domain.Event{Type: domain.EventWorkerScaled, ModelID: cfg.ModelID, Data: p.Len()})
		}
		e.syncWorkers(cfg.ModelID, p)
		metrics.Workers.WithLabelValues(cfg.ModelID).Set(float64(p.Len()))
	}

	metrics.FairnessScore.Set(float64(e.sched.FairnessStats().FairnessScore))

	if e.persist.ShouldCheckpoint(false) {
		if err := e.Checkpoint(); err != nil {
			e.logger.Error().Err(err).Msg("auto-checkpoint failed")
		}
	}
}

func allProfiles() []domain.PerformanceProfile {
	return []domain.PerformanceProfile{
		domain.ProfilePerformance, domain.ProfileBalanced,
		domain.ProfileEnergyEfficient, domain.ProfilePowerSaver,
	}
}

// Checkpoint persists the pending queue.
func (e *Executor) Checkpoint() error {
	pending := e.deferredSnapshot()
	pending = append(pending, e.sched.Pending()...)

	snap := &persist.QueueStateSnapshot{
		Version:         persist.SnapshotVersion,
		TimestampMS:     time.Now().UnixMilli(),
		PendingRequests: pending,
		Metrics: persist.SnapshotMetrics{
			TotalQueued:    e.totalSubmitted.Load(),
			TotalProcessed: e.totalCompleted.Load(),
			AvgQueueDepth:  float64(e.sched.Len()),
		},
	}
	if err := e.persist.SaveCheckpoint(snap); err != nil {
		metrics.Checkpoints.WithLabelValues("error").Inc()
		return err
	}
	metrics.Checkpoints.WithLabelValues("ok").Inc()
	return nil
}

// Stop drains gracefully: no new submissions, wait out the drain window,
// then checkpoint what is left and force-terminate the workers. Idempotent.
func (e *Executor) Stop(ctx context.Context) {
	if !e.shutdown.Begin() {
		<-e.stopped
		return
	}
	defer close(e.stopped)

	deadline := time.NewTimer(e.shutdown.GracefulTimeout())
	defer deadline.Stop()

	drainTick := time.NewTicker(20 * time.Millisecond)
	defer drainTick.Stop()

drain:
	for {
		select {
		case <-ctx.Done():
			break drain
		case <-deadline.C:
			break drain
		case <-drainTick.C:
			e.tick()
			e.mu.Lock()
			active := len(e.running)
			parked := len(e.deferred)
			e.mu.Unlock()
			if e.sched.Len() == 0 && active == 0 && parked == 0 {
				break drain
			}
		}
	}

	pendingCount := e.sched.Len() + len(e.deferredSnapshot())
	e.shutdown.LogShutdownStats(e.totalCompleted.Load(), pendingCount)

	if pendingCount > 0 {
		if err := e.Checkpoint(); err != nil {
			e.logger.Error().Err(err).Msg("shutdown checkpoint failed")
		}
	}

	// Force-terminate: cancel running requests and close the worker loops.
	e.mu.Lock()
	for _, cancel := range e.running {
		cancel()
	}
	for id, w := range e.workers {
		close(w.tasks)
		delete(e.workers, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.bus.Close()
}

func (e *Executor) deferredSnapshot() []domain.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Request{}, e.deferred...)
}
