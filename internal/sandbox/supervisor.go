package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"safe-code-sandbox/internal/monitor"
	"safe-code-sandbox/internal/policy"
	"safe-code-sandbox/internal/runtime"
)

// SupervisorConfig wires a Supervisor. Zero values pick defaults.
type SupervisorConfig struct {
	WorkerPath     string   // defaults to the running executable
	WorkerArgs     []string // defaults to [WorkerArg]
	WorkerEnv      []string // nil inherits the supervisor's environment
	AllowedModules []string // nil means policy.DefaultModules
	MaxConcurrent  int      // 0 means unbounded
	Limits         Limits
	Metrics        *monitor.Metrics
	Tracer         *monitor.Tracer
	Detector       *monitor.EscapeDetector
}

// Supervisor validates submissions and runs the survivors in a fresh
// worker process under a wall-clock budget.
type Supervisor struct {
	caps       policy.CapabilitySet
	validator  *policy.Validator
	workerPath string
	workerArgs []string
	workerEnv  []string
	limits     Limits
	sem        *semaphore.Weighted // nil when unbounded
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
	detector   *monitor.EscapeDetector

	active atomic.Int64
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	modules := cfg.AllowedModules
	if modules == nil {
		modules = policy.DefaultModules()
	}
	caps := policy.NewCapabilitySet(modules)

	// Fail at startup, not on the first submission, when a module has no
	// implementation.
	if _, err := runtime.NewBuilder(caps, runtime.NewRegistry()); err != nil {
		return nil, fmt.Errorf("capability set: %w", err)
	}

	limits := cfg.Limits
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	workerPath := cfg.WorkerPath
	if workerPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving worker executable: %w", err)
		}
		workerPath = exe
	}
	workerArgs := cfg.WorkerArgs
	if len(workerArgs) == 0 {
		workerArgs = []string{WorkerArg}
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = monitor.NewTracer()
	}

	s := &Supervisor{
		caps:       caps,
		validator:  policy.NewValidator(caps),
		workerPath: workerPath,
		workerArgs: workerArgs,
		workerEnv:  cfg.WorkerEnv,
		limits:     limits,
		metrics:    cfg.Metrics,
		tracer:     tracer,
		detector:   cfg.Detector,
	}
	if cfg.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return s, nil
}

// Execute runs one submission. Every guest behavior, including timeouts,
// comes back as a Result; the error is reserved for the engine itself
// failing (bad request, worker spawn failure, caller cancellation).
func (s *Supervisor) Execute(ctx context.Context, source string, timeout time.Duration) (Result, error) {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(source)))

	logger := log.With().
		Str("exec_id", execID).
		Str("code_hash", codeHash[:16]).
		Logger()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return Result{}, &ExecutionError{ExecID: execID, Op: "execute", Err: ErrClosed}
	}

	if err := s.limits.checkSource(source); err != nil {
		return Result{}, &ExecutionError{ExecID: execID, Op: "validate_request", Err: err}
	}
	timeout = s.limits.Timeout(timeout)
	start := time.Now()

	logger.Info().Dur("timeout", timeout).Int("code_bytes", len(source)).Msg("execution requested")
	s.metrics.ObserveCodeSize(len(source))
	var detections []monitor.Detection
	if s.detector != nil {
		detections = s.report(logger, "submission", s.detector.AnalyzeCode(source))
	}

	finish := func(res Result) Result {
		res.ID = execID
		res.CodeHash = codeHash
		res.Duration = time.Since(start)
		res.Detections = append(detections, res.Detections...)
		s.metrics.RecordOutcome(string(res.Kind), res.Status, res.Duration.Seconds())
		logger.Info().
			Str("kind", string(res.Kind)).
			Int("status", res.Status).
			Dur("duration", res.Duration).
			Msg("execution completed")
		return res
	}

	_, span := s.tracer.StartSpan(ctx, "validate", monitor.AttrExecID.String(execID))
	decision := s.validator.Validate(source)
	span.SetAttributes(monitor.AttrVerdict.String(decision.Verdict.String()))
	span.End()

	switch decision.Verdict {
	case policy.MalformedSyntax:
		return finish(syntaxResult(decision.Reason)), nil
	case policy.Denied:
		s.metrics.RecordPolicyDenial(string(decision.Rule))
		logger.Warn().Str("rule", string(decision.Rule)).Str("reason", decision.Reason).Msg("policy denied submission")
		return finish(deniedResult()), nil
	}

	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return Result{}, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: err}
		}
		defer s.sem.Release(1)
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.active.Add(1)
	defer s.active.Add(-1)
	s.metrics.SetActive(s.active.Load())
	defer func() { s.metrics.SetActive(s.active.Load()) }()

	ctx, span = s.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrCodeHash.String(codeHash[:16]),
		attribute.Int64("sandbox.timeout_ms", timeout.Milliseconds()),
	)
	defer span.End()

	res, err := s.spawn(ctx, logger, WorkRequest{
		Source:         source,
		AllowedModules: s.caps.Modules(),
		MaxOutputBytes: s.limits.MaxOutputBytes,
	}, timeout)
	if err != nil {
		span.RecordError(err)
		s.metrics.RecordError("spawn")
		return Result{}, &ExecutionError{ExecID: execID, Op: "spawn", Err: err}
	}
	span.SetAttributes(monitor.AttrKind.String(string(res.Kind)), monitor.AttrStatus.Int(res.Status))
	s.metrics.ObserveOutputSize(len(res.Text))
	if s.detector != nil && res.Kind == KindSuccess {
		res.Detections = s.report(logger, "output", s.detector.AnalyzeOutput(res.Text))
	}
	return finish(res), nil
}

// spawn starts a worker bound to a fresh result channel and waits for it.
// On timeout the worker's process group is killed and reaped, and the
// channel is never read.
func (s *Supervisor) spawn(ctx context.Context, logger zerolog.Logger, req WorkRequest, timeout time.Duration) (Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultsR, resultsW, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("%w: result pipe: %v", ErrWorkerStart, err)
	}
	defer resultsR.Close()

	var stdin bytes.Buffer
	if err := writeRequest(&stdin, req); err != nil {
		resultsW.Close()
		return Result{}, fmt.Errorf("encoding work request: %w", err)
	}

	cmd := exec.CommandContext(execCtx, s.workerPath, s.workerArgs...) // #nosec G204 -- path and args come from config, not the submission
	cmd.Stdin = &stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.ExtraFiles = []*os.File{resultsW}
	cmd.Env = s.workerEnv
	cmd.WaitDelay = time.Second

	var killed atomic.Bool
	isolateProcess(cmd, func() { killed.Store(true) })

	if err := cmd.Start(); err != nil {
		resultsW.Close()
		s.metrics.RecordWorkerSpawn(false)
		return Result{}, fmt.Errorf("%w: %v", ErrWorkerStart, err)
	}
	// The worker now holds the only write end, so its exit closes the channel.
	resultsW.Close()
	s.metrics.RecordWorkerSpawn(true)

	pending := NewResultReader(resultsR).receiveAsync()
	waitErr := cmd.Wait()

	if stderr.Len() > 0 {
		logger.Debug().Str("stderr", truncateOutput(stderr.String(), 4096)).Msg("worker stderr")
	}

	if killed.Load() {
		if err := ctx.Err(); err != nil {
			logger.Info().Err(err).Msg("caller went away, worker killed")
			return Result{}, err
		}
		logger.Warn().Dur("timeout", timeout).Msg("execution timed out, worker killed")
		return timedOutResult(), nil
	}

	select {
	case got := <-pending:
		if got.ok {
			return resultFromOutcome(got.outcome), nil
		}
	case <-time.After(cmd.WaitDelay):
	}

	logger.Warn().Err(waitErr).Msg("worker exited without posting a result")
	return emptyResult(), nil
}

func (s *Supervisor) report(logger zerolog.Logger, where string, detections []monitor.Detection) []monitor.Detection {
	for _, d := range detections {
		s.metrics.RecordDetection(d.Pattern, d.Severity)
		logger.Warn().
			Str("pattern", d.Pattern).
			Str("severity", d.Severity).
			Int("line", d.Line).
			Msgf("suspicious pattern in %s", where)
	}
	return detections
}

// Capabilities returns the capability set submissions run under.
func (s *Supervisor) Capabilities() policy.CapabilitySet {
	return s.caps
}

// Limits returns the per-submission limits.
func (s *Supervisor) Limits() Limits {
	return s.limits
}

// ActiveCount returns the number of workers currently running.
func (s *Supervisor) ActiveCount() int64 {
	return s.active.Load()
}

// Close stops accepting submissions and waits for running workers.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	// Wait up to 30s for active executions to drain.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", s.active.Load()).Msg("timed out waiting for executions to drain")
	}
	return nil
}
