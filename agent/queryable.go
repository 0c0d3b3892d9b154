package agent

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/agentwire/transport"
)

// QueryableCallback answers one inbound request. The returned payload
// becomes the reply; a returned error — or a panic — becomes an error
// reply on the wire, never a crash.
type QueryableCallback[P any] func(ctx context.Context, actx *Context[P], req transport.Message) ([]byte, error)

// Queryable 应答请求的原语
// Activation registers the queryable as a responder on the session. The
// inbound dispatch loop is owned by the session; failure containment
// happens at the handler boundary and is counted like task respawns.
type Queryable[P any] struct {
	primitiveCore
	actx *Context[P]
	full string
	cb   QueryableCallback[P]

	serveCancel context.CancelFunc
	failures    atomic.Uint64
}

// Restarts reports how many callback failures were contained.
func (q *Queryable[P]) Restarts() uint64 { return q.failures.Load() }

func (q *Queryable[P]) activateHook(context.Context) error {
	sess := q.actx.Session()
	if sess == nil {
		return ErrNotConfigured
	}
	serveCtx, cancel := context.WithCancel(context.Background())
	if err := sess.Serve(serveCtx, q.full, q.handle); err != nil {
		cancel()
		return &TransportError{Op: "serve", Topic: q.topic, Cause: err}
	}
	q.serveCancel = cancel
	return nil
}

func (q *Queryable[P]) deactivateHook(context.Context) error {
	if q.serveCancel != nil {
		q.serveCancel()
		q.serveCancel = nil
	}
	return nil
}

// handle is the containment boundary for the queryable's callback.
func (q *Queryable[P]) handle(ctx context.Context, req transport.Message) (resp []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			failure := &CallbackFailure{Primitive: q.name, Cause: r}
			q.failures.Add(1)
			q.actx.metrics.CallbackRestart(q.name)
			q.logger.Error("queryable callback panicked", zap.Error(failure))
			resp, err = nil, failure
		}
	}()
	q.actx.metrics.Delivered(q.name)
	return q.cb(ctx, q.actx, req)
}

// QueryableBuilder 以链式调用构建 Queryable
type QueryableBuilder[P any] struct {
	agent      *Agent[P]
	name       string
	topic      string
	activation OperationState
	cb         QueryableCallback[P]
	errs       []error
}

// NewQueryable 返回一个 Queryable 构建器
func (a *Agent[P]) NewQueryable() *QueryableBuilder[P] {
	return &QueryableBuilder[P]{
		agent:      a,
		activation: StateActive,
	}
}

// WithName 设置原语名称
func (b *QueryableBuilder[P]) WithName(name string) *QueryableBuilder[P] {
	b.name = name
	return b
}

// WithTopic 设置主题
func (b *QueryableBuilder[P]) WithTopic(topic string) *QueryableBuilder[P] {
	b.topic = topic
	return b
}

// WithCallback 设置请求回调
func (b *QueryableBuilder[P]) WithCallback(cb QueryableCallback[P]) *QueryableBuilder[P] {
	b.cb = cb
	return b
}

// WithActivationState sets the agent state at which the queryable
// answers requests. The built-in control surface uses StateInactive to
// stay reachable while the agent is stopped.
func (b *QueryableBuilder[P]) WithActivationState(s OperationState) *QueryableBuilder[P] {
	b.activation = s
	return b
}

// Add validates the configuration and registers the queryable.
func (b *QueryableBuilder[P]) Add() (*Queryable[P], error) {
	if err := firstError(b.errs); err != nil {
		return nil, err
	}
	if b.topic == "" {
		return nil, &ConfigurationError{Field: "topic", Reason: "topic is required"}
	}
	if b.cb == nil {
		return nil, &ConfigurationError{Field: "callback", Reason: "callback is required", Cause: ErrCallbackRequired}
	}
	name := b.name
	if name == "" {
		name = string(KindQueryable) + ":" + b.topic
	}

	actx := b.agent.Context()
	q := &Queryable[P]{
		primitiveCore: primitiveCore{
			name:       name,
			kind:       KindQueryable,
			topic:      b.topic,
			activation: b.activation,
			logger:     b.agent.logger.Named(name),
		},
		actx: actx,
		full: actx.FullTopic(b.topic),
		cb:   b.cb,
	}
	q.activate = q.activateHook
	q.deactivate = q.deactivateHook

	prev, err := b.agent.addPrimitive(q)
	if err != nil {
		if existing, ok := prev.(*Queryable[P]); ok {
			return existing, err
		}
		return nil, err
	}
	return q, nil
}
