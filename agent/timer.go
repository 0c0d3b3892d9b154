package agent

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TimerCallback runs on every tick.
type TimerCallback[P any] func(ctx context.Context, actx *Context[P]) error

// Timer 周期性执行回调的原语
// The tick loop runs as a supervised task: a panicking tick is contained
// and the loop respawned, the schedule survives its own callback.
type Timer[P any] struct {
	primitiveCore
	actx     *Context[P]
	interval time.Duration
	delay    time.Duration
	cb       TimerCallback[P]
}

// Interval returns the configured tick interval.
func (t *Timer[P]) Interval() time.Duration { return t.interval }

func (t *Timer[P]) activateHook(context.Context) error {
	t.runner.start(t.run)
	return nil
}

func (t *Timer[P]) deactivateHook(ctx context.Context) error {
	return t.runner.stop(ctx)
}

// run is the supervised task body.
func (t *Timer[P]) run(ctx context.Context) error {
	if t.delay > 0 {
		startup := time.NewTimer(t.delay)
		select {
		case <-ctx.Done():
			startup.Stop()
			return nil
		case <-startup.C:
		}
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Timer[P]) tick(ctx context.Context) {
	t.actx.metrics.Delivered(t.name)
	if err := t.cb(ctx, t.actx); err != nil {
		t.logger.Warn("timer callback returned error", zap.Error(err))
	}
}

// TimerBuilder 以链式调用构建 Timer
type TimerBuilder[P any] struct {
	agent      *Agent[P]
	name       string
	activation OperationState
	interval   time.Duration
	delay      time.Duration
	policy     RestartPolicy
	cb         TimerCallback[P]
	errs       []error
}

// NewTimer 返回一个 Timer 构建器
func (a *Agent[P]) NewTimer() *TimerBuilder[P] {
	return &TimerBuilder[P]{
		agent:      a,
		activation: StateActive,
		policy:     a.cfg.RestartPolicy,
	}
}

// WithName 设置定时器名称
func (b *TimerBuilder[P]) WithName(name string) *TimerBuilder[P] {
	b.name = name
	return b
}

// WithInterval 设置触发间隔
func (b *TimerBuilder[P]) WithInterval(d time.Duration) *TimerBuilder[P] {
	if d <= 0 {
		b.errs = append(b.errs, &ConfigurationError{Field: "interval", Reason: "must be positive"})
		return b
	}
	b.interval = d
	return b
}

// WithDelay 设置首次触发前的延迟
func (b *TimerBuilder[P]) WithDelay(d time.Duration) *TimerBuilder[P] {
	if d < 0 {
		b.errs = append(b.errs, &ConfigurationError{Field: "delay", Reason: "must not be negative"})
		return b
	}
	b.delay = d
	return b
}

// WithCallback 设置定时回调
func (b *TimerBuilder[P]) WithCallback(cb TimerCallback[P]) *TimerBuilder[P] {
	b.cb = cb
	return b
}

// WithActivationState sets the agent state at which the timer starts
// ticking. Default is StateActive.
func (b *TimerBuilder[P]) WithActivationState(s OperationState) *TimerBuilder[P] {
	b.activation = s
	return b
}

// WithRestartPolicy overrides the agent-wide restart policy.
func (b *TimerBuilder[P]) WithRestartPolicy(p RestartPolicy) *TimerBuilder[P] {
	b.policy = p
	return b
}

// Add validates the configuration and registers the timer.
func (b *TimerBuilder[P]) Add() (*Timer[P], error) {
	if err := firstError(b.errs); err != nil {
		return nil, err
	}
	if b.name == "" {
		return nil, &ConfigurationError{Field: "name", Reason: "name is required"}
	}
	if b.interval <= 0 {
		return nil, &ConfigurationError{Field: "interval", Reason: "interval is required"}
	}
	if b.cb == nil {
		return nil, &ConfigurationError{Field: "callback", Reason: "callback is required", Cause: ErrCallbackRequired}
	}

	t := &Timer[P]{
		primitiveCore: primitiveCore{
			name:       b.name,
			kind:       KindTimer,
			topic:      b.name,
			activation: b.activation,
			logger:     b.agent.logger.Named(b.name),
		},
		actx:     b.agent.Context(),
		interval: b.interval,
		delay:    b.delay,
		cb:       b.cb,
	}
	t.runner = newTaskRunner(b.name, b.policy, b.agent.cfg.GracePeriod, t.logger, b.agent.metrics, b.agent.escalate)
	t.activate = t.activateHook
	t.deactivate = t.deactivateHook

	prev, err := b.agent.addPrimitive(t)
	if err != nil {
		if existing, ok := prev.(*Timer[P]); ok {
			return existing, err
		}
		return nil, err
	}
	return t, nil
}
