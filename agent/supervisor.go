package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentwire/internal/metrics"
)

// tracer covers every supervised callback dispatch.
var tracer = otel.Tracer("github.com/BaSui01/agentwire/agent")

// DefaultGracePeriod bounds how long deactivation waits for a task to
// acknowledge cancellation before it is abandoned.
const DefaultGracePeriod = 3 * time.Second

// RestartPolicy 限制单位时间内的任务重启次数
// The zero value means unlimited restarts while the primitive stays
// active, which is the default.
type RestartPolicy struct {
	// MaxRestarts is the restart budget per Interval. 0 = unlimited.
	MaxRestarts int `json:"max_restarts" yaml:"max_restarts"`
	// Interval is the budget window.
	Interval time.Duration `json:"interval" yaml:"interval"`
}

func (p RestartPolicy) limiter() *rate.Limiter {
	if p.MaxRestarts <= 0 || p.Interval <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(p.Interval/time.Duration(p.MaxRestarts)), p.MaxRestarts)
}

// fatalError marks a task body failure that must escalate to the agent
// instead of triggering a respawn, e.g. a lost transport stream.
type fatalError struct {
	cause error
}

func (e *fatalError) Error() string { return e.cause.Error() }
func (e *fatalError) Unwrap() error { return e.cause }

func fatalf(format string, args ...any) error {
	return &fatalError{cause: fmt.Errorf(format, args...)}
}

// taskRunner executes one primitive's callback loop as an isolated
// goroutine. A panic of one iteration is converted to a CallbackFailure
// at the task boundary and the body is respawned; the agent process and
// the Context are never taken down by a callback.
type taskRunner struct {
	name    string
	logger  *zap.Logger
	metrics *metrics.Collector
	limiter *rate.Limiter
	grace   time.Duration

	// onFault escalates unrecoverable failures to the agent.
	onFault func(error)

	restarts    atomic.Uint64
	lastFailure atomic.Value // string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newTaskRunner(name string, policy RestartPolicy, grace time.Duration, logger *zap.Logger, collector *metrics.Collector, onFault func(error)) *taskRunner {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if onFault == nil {
		onFault = func(error) {}
	}
	return &taskRunner{
		name:    name,
		logger:  logger.With(zap.String("task", name)),
		metrics: collector,
		limiter: policy.limiter(),
		grace:   grace,
		onFault: onFault,
	}
}

func (t *taskRunner) restartCount() uint64 { return t.restarts.Load() }

// lastFailureReason returns the most recent failure cause, if any.
func (t *taskRunner) lastFailureReason() string {
	if v := t.lastFailure.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (t *taskRunner) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done != nil
}

// start spawns the supervised loop. The body is respawned after every
// failure until the runner is stopped, the body ends cleanly, a fatal
// error escalates, or the restart budget is exhausted.
func (t *taskRunner) start(body func(ctx context.Context) error) {
	t.mu.Lock()
	if t.done != nil {
		t.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		for {
			err := t.runOnce(runCtx, body)
			if runCtx.Err() != nil {
				return
			}
			if err == nil {
				return
			}
			var fatal *fatalError
			if errors.As(err, &fatal) {
				t.logger.Error("task failed fatally", zap.Error(fatal.cause))
				t.onFault(fatal.cause)
				return
			}

			t.restarts.Add(1)
			t.lastFailure.Store(err.Error())
			t.metrics.CallbackRestart(t.name)
			t.logger.Warn("task failed, respawning",
				zap.Error(err),
				zap.Uint64("restarts", t.restarts.Load()),
			)
			if t.limiter != nil && !t.limiter.Allow() {
				exhausted := fmt.Errorf("restart budget exhausted for task %q: %w", t.name, err)
				t.logger.Error("restart budget exhausted", zap.Error(err))
				t.onFault(exhausted)
				return
			}
		}
	}()
}

// runOnce is the task boundary: any abnormal termination of the body is
// caught here and converted to a typed CallbackFailure.
func (t *taskRunner) runOnce(ctx context.Context, body func(ctx context.Context) error) (err error) {
	ctx, span := tracer.Start(ctx, "task.run",
		trace.WithAttributes(attribute.String("task", t.name)),
	)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackFailure{Primitive: t.name, Cause: r}
			span.RecordError(err)
		}
	}()
	return body(ctx)
}

// stop cancels the task and joins it. A task that does not comply
// within the grace period is abandoned and the failure is reported as a
// timeout, never hung silently.
func (t *taskRunner) stop(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	timer := time.NewTimer(t.grace)
	defer timer.Stop()
	select {
	case <-done:
		t.metrics.TaskStop(t.name, "clean")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		t.logger.Error("task did not stop within grace period, abandoning")
		t.metrics.TaskStop(t.name, "timeout")
		return &TimeoutError{Op: "task stop", Topic: t.name, Timeout: t.grace}
	}
}
