package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentwire/internal/metrics"
	"github.com/BaSui01/agentwire/transport"
)

// DefaultQueryTimeout is the request timeout used when none is set.
const DefaultQueryTimeout = 10 * time.Second

// Config Agent 配置
type Config struct {
	// Name is the human-readable agent name. Required.
	Name string `json:"name" yaml:"name"`

	// Prefix is prepended to every primitive topic, separating agent
	// groups on a shared transport. Empty means no prefix.
	Prefix string `json:"prefix" yaml:"prefix"`

	// GracePeriod bounds task joins during deactivation.
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`

	// DefaultTimeout is the default request timeout for queriers and
	// observers.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`

	// RestartPolicy is the agent-wide task restart budget.
	RestartPolicy RestartPolicy `json:"restart_policy" yaml:"restart_policy"`

	// EnableControl registers the built-in control responder on
	// signal/<agent-id> during configuration.
	EnableControl bool `json:"enable_control" yaml:"enable_control"`
}

func (c *Config) withDefaults() {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultQueryTimeout
	}
}

// Option 调整 Agent 的构造
type Option[P any] func(*Agent[P])

// WithLogger 设置日志器
func WithLogger[P any](logger *zap.Logger) Option[P] {
	return func(a *Agent[P]) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics 设置指标收集器
func WithMetrics[P any](collector *metrics.Collector) Option[P] {
	return func(a *Agent[P]) { a.metrics = collector }
}

// WithID overrides the generated agent id. Useful when an agent must
// keep a stable identity across restarts.
func WithID[P any](id string) Option[P] {
	return func(a *Agent[P]) {
		if id != "" {
			a.id = id
		}
	}
}

// Agent 承载通信原语与生命周期状态机的核心类型
// The lifecycle is Created → Configured → Inactive → Active and back;
// Shutdown is terminal from every state, Error is reachable from every
// non-terminal state. All transitions run under one lock, a transition
// is never observed half-done.
type Agent[P any] struct {
	id      string
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector

	ctx *Context[P]

	// startedAt holds the unix nanos of the last entry into Active.
	// Atomic: Snapshot reads it without the transition lock.
	startedAt atomic.Int64

	// mu serializes transitions; state is read lock-free.
	mu    sync.Mutex
	state atomic.Int32

	failure atomic.Value // string
}

// New 创建一个处于 Created 状态的 Agent
func New[P any](cfg Config, props P, opts ...Option[P]) (*Agent[P], error) {
	if cfg.Name == "" {
		return nil, &ConfigurationError{Field: "name", Reason: "name is required"}
	}
	cfg.withDefaults()

	a := &Agent[P]{
		id:     uuid.NewString(),
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(
		zap.String("agent", cfg.Name),
		zap.String("agent_id", a.id),
	)
	a.ctx = newContext(a.id, cfg.Name, cfg.Prefix, props, a.logger, a.metrics)
	a.state.Store(int32(StateCreated))
	return a, nil
}

// ID 返回 Agent 的唯一标识
func (a *Agent[P]) ID() string { return a.id }

// Name 返回 Agent 名称
func (a *Agent[P]) Name() string { return a.cfg.Name }

// State 返回当前生命周期状态
func (a *Agent[P]) State() OperationState {
	return OperationState(a.state.Load())
}

// Context 返回回调共享的容器
func (a *Agent[P]) Context() *Context[P] { return a.ctx }

// LastFailure returns the error message that moved the agent to
// StateError, if any.
func (a *Agent[P]) LastFailure() string {
	if v := a.failure.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Configure opens a transport session and moves the agent to
// Configured. The built-in control responder is registered here when
// enabled, so it exists before anything starts.
func (a *Agent[P]) Configure(ctx context.Context, tcfg transport.Config) error {
	sess, err := transport.Open(ctx, tcfg)
	if err != nil {
		return &ConfigurationError{Field: "transport", Reason: "session open failed", Cause: err}
	}
	if err := a.ConfigureWith(sess); err != nil {
		_ = sess.Close()
		return err
	}
	return nil
}

// ConfigureWith attaches an already open session and moves the agent to
// Configured. The agent takes ownership: the session is closed at
// shutdown.
func (a *Agent[P]) ConfigureWith(sess transport.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	from := a.State()
	if !CanTransition(from, StateConfigured) {
		return &ErrInvalidTransition{From: from, To: StateConfigured}
	}
	a.ctx.setSession(sess)

	if a.cfg.EnableControl {
		if err := a.registerControl(); err != nil {
			a.ctx.setSession(nil)
			return err
		}
	}
	a.setStateLocked(from, StateConfigured)
	return nil
}

// Init 驱动 Agent 进入 Inactive 状态
// Primitives whose activation threshold is Inactive — the control
// surface, typically — come up here, before the workload starts.
func (a *Agent[P]) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	from := a.State()
	if from == StateInactive {
		return nil
	}
	return a.raiseLocked(ctx, from, StateInactive)
}

// Start 驱动 Agent 进入 Active 状态
// From Configured the agent passes through Inactive first, so control
// surface primitives come up before the workload. When one primitive
// fails to activate, every primitive activated in the same pass is
// rolled back and the agent keeps its previous state.
func (a *Agent[P]) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch from := a.State(); from {
	case StateConfigured:
		if err := a.raiseLocked(ctx, from, StateInactive); err != nil {
			return err
		}
		return a.raiseLocked(ctx, StateInactive, StateActive)
	case StateInactive:
		return a.raiseLocked(ctx, from, StateActive)
	case StateActive:
		return nil
	default:
		return &ErrInvalidTransition{From: from, To: StateActive}
	}
}

// Stop 驱动 Agent 回到 Inactive 状态
// Primitives deactivate in reverse registration order. Deactivation is
// best-effort: every primitive is reached, all failures are joined.
func (a *Agent[P]) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	from := a.State()
	if from == StateInactive {
		return nil
	}
	if !CanTransition(from, StateInactive) {
		return &ErrInvalidTransition{From: from, To: StateInactive}
	}
	err := a.lowerLocked(ctx, StateInactive)
	a.setStateLocked(from, StateInactive)
	return err
}

// Shutdown 终止 Agent 并释放会话
// Terminal: every primitive is deactivated, the session is closed and
// the Context drops its session handle. A shut down agent cannot be
// restarted.
func (a *Agent[P]) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	from := a.State()
	if from == StateShutdown {
		return nil
	}
	if !CanTransition(from, StateShutdown) {
		return ErrShutdown
	}

	err := a.lowerLocked(ctx, StateShutdown)
	if sess := a.ctx.Session(); sess != nil {
		if cerr := sess.Close(); cerr != nil {
			err = errors.Join(err, &TransportError{Op: "close", Cause: cerr})
		}
		a.ctx.setSession(nil)
	}
	a.setStateLocked(from, StateShutdown)
	return err
}

// Fail moves the agent to StateError and deactivates everything.
// Primitives stay registered; a failed agent can be inspected but not
// restarted.
func (a *Agent[P]) Fail(cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	from := a.State()
	if !CanTransition(from, StateError) {
		return
	}
	if cause != nil {
		a.failure.Store(cause.Error())
	}
	a.logger.Error("agent failed", zap.Error(cause))

	lowerCtx, cancel := context.WithTimeout(context.Background(), a.cfg.GracePeriod)
	defer cancel()
	if err := a.lowerLocked(lowerCtx, StateError); err != nil {
		a.logger.Warn("deactivation during failure was incomplete", zap.Error(err))
	}
	a.setStateLocked(from, StateError)
}

// escalate is handed to task runners as their fault sink. It must not
// run under the transition lock: the faulting task may be the one a
// transition is currently joining.
func (a *Agent[P]) escalate(err error) {
	go a.Fail(err)
}

// raiseLocked moves the state up one step, activating the primitives
// whose threshold is reached. Partial failure rolls this pass back.
func (a *Agent[P]) raiseLocked(ctx context.Context, from, to OperationState) error {
	if !CanTransition(from, to) {
		return &ErrInvalidTransition{From: from, To: to}
	}
	prims := a.ctx.primitives()
	for i, p := range prims {
		if err := p.manage(ctx, to); err != nil {
			a.logger.Error("primitive activation failed, rolling back",
				zap.String("primitive", p.Name()),
				zap.Error(err),
			)
			for j := i - 1; j >= 0; j-- {
				if rerr := prims[j].manage(ctx, from); rerr != nil {
					a.logger.Warn("rollback incomplete",
						zap.String("primitive", prims[j].Name()),
						zap.Error(rerr),
					)
				}
			}
			return err
		}
	}
	a.setStateLocked(from, to)
	return nil
}

// lowerLocked drives every primitive towards a lower target in reverse
// registration order, joining all failures.
func (a *Agent[P]) lowerLocked(ctx context.Context, target OperationState) error {
	prims := a.ctx.primitives()
	var errs []error
	for i := len(prims) - 1; i >= 0; i-- {
		if err := prims[i].manage(ctx, target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Agent[P]) setStateLocked(from, to OperationState) {
	a.state.Store(int32(to))
	if to == StateActive && from != StateActive {
		a.startedAt.Store(time.Now().UnixNano())
	}
	a.metrics.StateTransition(from.String(), to.String())
	a.logger.Info("state transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// addPrimitive registers a primitive. Registration is open from Created
// through Inactive; an active or terminal agent refuses new primitives.
func (a *Agent[P]) addPrimitive(p Primitive) (Primitive, error) {
	switch a.State() {
	case StateShutdown:
		return nil, ErrShutdown
	case StateError:
		return nil, &ConfigurationError{Field: "registry", Reason: "agent is in error state"}
	case StateActive:
		return nil, &ConfigurationError{Field: "registry", Reason: "cannot register primitives on an active agent"}
	}
	prev, err := a.ctx.register(p)
	if err != nil {
		return prev, err
	}
	a.logger.Debug("primitive registered",
		zap.String("primitive", p.Name()),
		zap.String("kind", string(p.Kind())),
		zap.String("topic", p.Topic()),
	)
	return p, nil
}
