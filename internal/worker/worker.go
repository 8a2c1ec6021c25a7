// Package worker runs the claim/execute/finalize loop over the run queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/sakti-dev/runcoord/internal/bus"
	"github.com/sakti-dev/runcoord/internal/otel"
	"github.com/sakti-dev/runcoord/internal/persistence"
	"github.com/sakti-dev/runcoord/internal/shared"
)

// EmitFunc appends an event to the executing run's log. The dedupe key is
// optional; executors use it to make retried side effects idempotent.
type EmitFunc func(eventType, payload, dedupeKey string) error

// Executor performs the actual work for a claimed run. Execute must honor
// ctx: it is canceled when a cancel request lands, when the lease is lost,
// or when the run timeout expires. Returning nil finalizes the run as
// completed; returning an error finalizes it as failed unless ctx ended
// first.
type Executor interface {
	Execute(ctx context.Context, run persistence.Run, emit EmitFunc) error
}

// CodedError carries a machine-readable failure code to the run record.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

// Failf builds a CodedError with a formatted message.
func Failf(code, format string, args ...any) error {
	return &CodedError{Code: code, Err: fmt.Errorf(format, args...)}
}

var (
	errCancelRequested = errors.New("cancel requested")
	errLeaseLost       = errors.New("lease lost")
)

type Config struct {
	WorkerCount       int
	PollInterval      time.Duration
	Lease             time.Duration
	HeartbeatInterval time.Duration
	RunTimeout        time.Duration
	Bus               *bus.Bus
	Metrics           *otel.Metrics // optional
}

type Status struct {
	WorkerCount int    `json:"worker_count"`
	ActiveRuns  int32  `json:"active_runs"`
	LastError   string `json:"last_error,omitempty"`
}

type Pool struct {
	store  *persistence.Store
	exec   Executor
	config Config
	logger *slog.Logger

	once sync.Once
	wg   sync.WaitGroup

	activeRuns atomic.Int32
	lastError  atomic.Pointer[string]
}

func New(store *persistence.Store, exec Executor, cfg Config, logger *slog.Logger) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:  store,
		exec:   exec,
		config: cfg,
		logger: logger,
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		for i := 0; i < p.config.WorkerCount; i++ {
			workerID := shared.NewWorkerID()
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.worker(ctx, workerID)
			}()
		}
	})
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

// Drain waits for in-flight runs to finish within timeout. Runs still
// executing after the deadline keep their leases and are recovered by the
// sweep after the process exits.
func (p *Pool) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool drained cleanly")
	case <-time.After(timeout):
		p.logger.Warn("worker pool drain timeout; leases will expire and the sweep recovers the rest", "timeout", timeout)
	}
}

func (p *Pool) Status() Status {
	s := Status{
		WorkerCount: p.config.WorkerCount,
		ActiveRuns:  p.activeRuns.Load(),
	}
	if msg := p.lastError.Load(); msg != nil {
		s.LastError = *msg
	}
	return s
}

func (p *Pool) worker(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := p.ProcessOnce(ctx, workerID)
		if err != nil {
			p.setLastError(err)
		}
		if err != nil || !claimed {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// ProcessOnce claims at most one run and executes it to a terminal state.
// Returns false when the queue was empty.
func (p *Pool) ProcessOnce(ctx context.Context, workerID string) (bool, error) {
	run, err := p.store.ClaimNextRun(ctx, workerID, p.config.Lease)
	if err != nil {
		return false, fmt.Errorf("claim next run: %w", err)
	}
	if run == nil {
		return false, nil
	}
	if p.config.Metrics != nil {
		p.config.Metrics.RunsClaimed.Add(ctx, 1)
	}
	p.handleRun(ctx, workerID, *run)
	return true, nil
}

func (p *Pool) handleRun(ctx context.Context, workerID string, run persistence.Run) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithRunID(ctx, run.ID)
	logger := p.logger.With("run_id", run.ID, "session_id", run.TaskSessionID,
		"worker_id", workerID, "trace_id", traceID, "attempt", run.Attempt)
	logger.Info("run claimed", "mode", run.RuntimeMode)

	started := time.Now()
	p.activeRuns.Add(1)
	defer p.activeRuns.Add(-1)
	if p.config.Metrics != nil {
		p.config.Metrics.ActiveWorkers.Add(ctx, 1)
		defer p.config.Metrics.ActiveWorkers.Add(context.Background(), -1)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	timeoutCtx, cancelTimeout := context.WithTimeout(runCtx, p.config.RunTimeout)
	defer cancelTimeout()
	defer cancel(nil)

	emit := func(eventType, payload, dedupeKey string) error {
		_, err := p.store.AppendEvent(context.Background(), persistence.AppendEventParams{
			RunID:     run.ID,
			EventType: eventType,
			Payload:   payload,
			DedupeKey: dedupeKey,
		})
		if err == nil && p.config.Metrics != nil {
			p.config.Metrics.EventsAppended.Add(context.Background(), 1)
		}
		return err
	}

	_ = emit("run.started",
		fmt.Sprintf(`{"attempt":%d,"worker_id":%q}`, run.Attempt, workerID),
		fmt.Sprintf("start:%d", run.Attempt))

	// Heartbeat keeps the lease alive and watches the cancel flag while the
	// executor works.
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(p.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-timeoutCtx.Done():
				return
			case <-ticker.C:
				if canceled, _ := p.store.IsCancelRequested(context.Background(), run.ID); canceled {
					cancel(errCancelRequested)
					return
				}
				ok, err := p.store.HeartbeatLease(context.Background(), run.ID, workerID, p.config.Lease)
				if err != nil {
					p.setLastError(fmt.Errorf("lease heartbeat: %w", err))
					continue
				}
				if !ok {
					logger.Warn("lease heartbeat rejected; abandoning run")
					cancel(errLeaseLost)
					return
				}
			}
		}
	}()

	execErr := p.execute(timeoutCtx, run, emit)
	// Capture the context state as of executor return; cancelTimeout below
	// would otherwise mask a clean finish as a canceled context.
	ctxErr := timeoutCtx.Err()
	cause := context.Cause(runCtx)
	cancelTimeout()
	<-hbDone

	switch {
	case execErr == nil && ctxErr == nil:
		p.finalizeCompleted(run, workerID, logger, started, emit)

	case errors.Is(cause, errCancelRequested):
		p.finalizeCanceled(run, workerID, logger, emit)

	case errors.Is(cause, errLeaseLost):
		// Another owner may hold the run now; write nothing and let the
		// sweep settle it.
		logger.Warn("run abandoned after lease loss")

	case errors.Is(ctxErr, context.DeadlineExceeded):
		p.finalizeFailed(run, workerID, logger, emit, "RUN_TIMEOUT",
			fmt.Sprintf("run exceeded timeout %s", p.config.RunTimeout))

	case execErr == nil:
		// Executor returned success after its context ended. Success must
		// not land once the deadline or cancel fired.
		p.finalizeFailed(run, workerID, logger, emit, "CONTEXT_ENDED",
			"executor finished after context end")

	default:
		code := "EXECUTOR_ERROR"
		var coded *CodedError
		if errors.As(execErr, &coded) && coded.Code != "" {
			code = coded.Code
		}
		p.finalizeFailed(run, workerID, logger, emit, code, execErr.Error())
	}

	if p.config.Metrics != nil {
		p.config.Metrics.RunDuration.Record(context.Background(),
			time.Since(started).Seconds(),
			metric.WithAttributes(otel.AttrRuntimeMode.String(string(run.RuntimeMode))))
	}
}

func (p *Pool) execute(ctx context.Context, run persistence.Run, emit EmitFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Failf("EXECUTOR_PANIC", "executor panic: %v\n%s", r, debug.Stack())
		}
	}()
	return p.exec.Execute(ctx, run, emit)
}

func (p *Pool) finalizeCompleted(run persistence.Run, workerID string, logger *slog.Logger, started time.Time, emit EmitFunc) {
	ok, err := p.store.MarkCompleted(context.Background(), run.ID, workerID)
	if err != nil {
		p.setLastError(fmt.Errorf("mark completed: %w", err))
		return
	}
	if !ok {
		logger.Warn("completion lost ownership race; skipping finalize event")
		return
	}
	_ = emit("run.completed",
		fmt.Sprintf(`{"duration_ms":%d}`, time.Since(started).Milliseconds()),
		"finalize:"+run.ID)
	if p.config.Metrics != nil {
		p.config.Metrics.RunsCompleted.Add(context.Background(), 1)
	}
	logger.Info("run completed", "duration", time.Since(started))
}

func (p *Pool) finalizeFailed(run persistence.Run, workerID string, logger *slog.Logger, emit EmitFunc, code, message string) {
	ok, err := p.store.MarkFailed(context.Background(), run.ID, workerID, code, shared.Redact(message))
	if err != nil {
		p.setLastError(fmt.Errorf("mark failed: %w", err))
		return
	}
	if !ok {
		logger.Warn("failure lost ownership race; skipping finalize event", "code", code)
		return
	}
	_ = emit("run.failed",
		fmt.Sprintf(`{"error_code":%q}`, code),
		"finalize:"+run.ID)
	if p.config.Metrics != nil {
		p.config.Metrics.RunsFailed.Add(context.Background(), 1)
	}
	logger.Error("run failed", "code", code, "message", message)
}

func (p *Pool) finalizeCanceled(run persistence.Run, workerID string, logger *slog.Logger, emit EmitFunc) {
	ok, err := p.store.MarkCanceled(context.Background(), run.ID, workerID)
	if err != nil {
		p.setLastError(fmt.Errorf("mark canceled: %w", err))
		return
	}
	if !ok {
		logger.Warn("cancel ack lost ownership race; skipping finalize event")
		return
	}
	_ = emit("run.canceled", "{}", "finalize:"+run.ID)
	if p.config.Metrics != nil {
		p.config.Metrics.RunsCanceled.Add(context.Background(), 1)
	}
	logger.Info("run canceled")
}

func (p *Pool) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	p.lastError.Store(&msg)
}
