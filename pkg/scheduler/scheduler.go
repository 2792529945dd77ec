// Package scheduler runs named background jobs on fixed cadences. Each job
// moves Idle → Running → Succeeded|Failed; a job is never run twice at
// once, whether the second run comes from its ticker or a manual trigger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/telemetry"
)

var (
	// ErrAlreadyRunning is returned when a job is triggered while running.
	ErrAlreadyRunning = fmt.Errorf("job already running: %w", experiment.ErrInvalidState)

	// ErrUnknownJob is returned for ids that were never registered.
	ErrUnknownJob = fmt.Errorf("unknown job: %w", experiment.ErrNotFound)
)

// State is a job's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Handler is a job body. Batch jobs return the report of their ForEach
// call; other jobs return a zero report.
type Handler func(ctx context.Context) (BatchReport, error)

// Job is a registered unit of background work.
type Job struct {
	ID         string
	Name       string
	Cadence    time.Duration
	RunOnStart bool
	Handler    Handler
}

type entry struct {
	job     Job
	state   atomic.Int32
	monitor *JobMonitor

	mu         sync.Mutex
	lastRun    time.Time
	lastDur    time.Duration
	lastErr    string
	lastReport BatchReport
}

// Scheduler owns the job registry and the tickers driving it.
type Scheduler struct {
	mu      sync.RWMutex
	entries map[string]*entry

	runTimeout time.Duration
	metrics    *telemetry.Metrics
	logger     *zap.Logger

	baseMu  sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records run outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithRunTimeout bounds every run. Zero means no bound.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.runTimeout = d }
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		entries: make(map[string]*entry),
		logger:  zap.NewNop(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job. Ids must be unique and handlers non-nil.
func (s *Scheduler) Register(job Job) error {
	if job.ID == "" || job.Handler == nil {
		return fmt.Errorf("job needs an id and a handler: %w", experiment.ErrInvalidConfiguration)
	}
	if job.Name == "" {
		job.Name = job.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.ID]; ok {
		return fmt.Errorf("job %s already registered: %w", job.ID, experiment.ErrInvalidConfiguration)
	}
	s.entries[job.ID] = &entry{job: job, monitor: NewJobMonitor(job.Cadence)}
	return nil
}

func (s *Scheduler) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownJob)
	}
	return e, nil
}

// Start launches one ticker loop per job with a positive cadence. Runs
// derive their context from ctx; cancelling it or calling Stop ends them.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseMu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	base := s.baseCtx
	s.baseMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.job.Cadence <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.loop(base, e)
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.entries)))
}

// Stop cancels in-flight runs and waits for the loops and any triggered
// runs to return.
func (s *Scheduler) Stop() {
	s.baseMu.Lock()
	cancel := s.cancel
	s.baseMu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.job.Cadence)
	defer ticker.Stop()

	if e.job.RunOnStart {
		s.tick(ctx, e)
	}
	for {
		select {
		case <-ticker.C:
			s.tick(ctx, e)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, e *entry) {
	if !s.claim(e) {
		s.logger.Info("job still running, skipping tick", zap.String("job", e.job.ID))
		return
	}
	s.run(ctx, e)
}

// claim moves the job to Running unless it already is.
func (s *Scheduler) claim(e *entry) bool {
	for {
		cur := e.state.Load()
		if State(cur) == StateRunning {
			return false
		}
		if e.state.CompareAndSwap(cur, int32(StateRunning)) {
			return true
		}
	}
}

// Trigger starts a run of id in the background and returns once the job
// is claimed.
func (s *Scheduler) Trigger(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	if !s.claim(e) {
		return fmt.Errorf("%s: %w", id, ErrAlreadyRunning)
	}

	s.baseMu.Lock()
	base := s.baseCtx
	s.baseMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(base, e)
	}()
	s.logger.Info("job triggered", zap.String("job", id))
	return nil
}

// RunNow runs id synchronously on ctx and returns its report.
func (s *Scheduler) RunNow(ctx context.Context, id string) (BatchReport, error) {
	e, err := s.lookup(id)
	if err != nil {
		return BatchReport{}, err
	}
	if !s.claim(e) {
		return BatchReport{}, fmt.Errorf("%s: %w", id, ErrAlreadyRunning)
	}
	return s.run(ctx, e)
}

// run executes a claimed job. A panicking handler counts as a failure.
func (s *Scheduler) run(parent context.Context, e *entry) (report BatchReport, err error) {
	ctx, cancel := context.WithCancel(parent)
	if s.runTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, s.runTimeout)
	}
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", e.job.ID, r)
		}
		s.finish(e, start, report, err)
	}()

	return e.job.Handler(ctx)
}

func (s *Scheduler) finish(e *entry, start time.Time, report BatchReport, err error) {
	d := time.Since(start)
	outcome := StateSucceeded
	if err != nil {
		outcome = StateFailed
		e.monitor.RecordFailure(err)
	} else {
		e.monitor.RecordSuccess()
	}

	e.mu.Lock()
	e.lastRun = start
	e.lastDur = d
	e.lastReport = report
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	e.mu.Unlock()
	e.state.Store(int32(outcome))

	s.metrics.JobRun(e.job.ID, outcome.String(), d)
	if report.Total > 0 {
		s.metrics.JobItems(e.job.ID, report.Succeeded, report.Failed)
	}

	fields := []zap.Field{
		zap.String("job", e.job.ID),
		zap.Duration("duration", d.Round(time.Millisecond)),
		zap.Int("items", report.Total),
		zap.Int("failed_items", report.Failed),
	}
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		s.logger.Info("job cancelled", fields...)
	case err != nil:
		s.logger.Error("job failed", append(fields, zap.Error(err))...)
	case report.Failed > 0:
		s.logger.Warn("job finished with failures", fields...)
	default:
		s.logger.Info("job finished", fields...)
	}
}

// JobStatus is the externally visible state of a job.
type JobStatus struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Cadence    string      `json:"cadence"`
	State      State       `json:"state"`
	LastRun    *time.Time  `json:"last_run,omitempty"`
	Duration   string      `json:"last_duration,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
	LastReport BatchReport `json:"last_report"`
	Health     JobHealth   `json:"health"`
}

// Status lists every job ordered by id.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].job.ID < entries[j].job.ID })

	out := make([]JobStatus, 0, len(entries))
	for _, e := range entries {
		st := JobStatus{
			ID:      e.job.ID,
			Name:    e.job.Name,
			Cadence: e.job.Cadence.String(),
			State:   State(e.state.Load()),
			Health:  e.monitor.Health(),
		}
		e.mu.Lock()
		if !e.lastRun.IsZero() {
			last := e.lastRun
			st.LastRun = &last
			st.Duration = e.lastDur.Round(time.Millisecond).String()
		}
		st.LastError = e.lastErr
		st.LastReport = e.lastReport
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Healthy reports whether every job's monitor is healthy.
func (s *Scheduler) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if !e.monitor.IsHealthy() {
			return false
		}
	}
	return true
}
