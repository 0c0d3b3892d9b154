package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentwire/transport"
)

// QuerierCallback optionally consumes responses, so a querier can be
// used in a fire-and-forget fashion via Post.
type QuerierCallback[P any] func(ctx context.Context, actx *Context[P], response []byte) error

// Querier 请求/应答客户端原语
// Ask blocks the calling task — never the whole agent — until a
// response arrives, the per-call timeout elapses or the session fails.
// A querier does not wait for a responder to exist first: unanswered
// requests simply time out.
type Querier[P any] struct {
	primitiveCore
	actx    *Context[P]
	full    string
	timeout time.Duration
	cb      QuerierCallback[P]
}

// Ask sends a request and waits for the reply using the configured
// default timeout.
func (q *Querier[P]) Ask(ctx context.Context, payload []byte) ([]byte, error) {
	return q.AskWithTimeout(ctx, payload, q.timeout)
}

// AskWithTimeout sends a request with an explicit per-call timeout.
func (q *Querier[P]) AskWithTimeout(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	if q.State() != StateActive {
		return nil, ErrNotActive
	}
	sess := q.actx.Session()
	if sess == nil {
		return nil, ErrNotConfigured
	}

	start := time.Now()
	resp, err := sess.Query(ctx, q.full, payload, timeout)
	switch {
	case err == nil:
		q.actx.metrics.QueryDuration(q.topic, "ok", time.Since(start))
	case errors.Is(err, transport.ErrTimeout):
		q.actx.metrics.QueryDuration(q.topic, "timeout", time.Since(start))
		return nil, &TimeoutError{Op: "query", Topic: q.topic, Timeout: timeout}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		q.actx.metrics.QueryDuration(q.topic, "cancelled", time.Since(start))
		return nil, err
	default:
		q.actx.metrics.QueryDuration(q.topic, "error", time.Since(start))
		var replyErr *transport.ReplyError
		if errors.As(err, &replyErr) {
			return nil, replyErr
		}
		return nil, &TransportError{Op: "query", Topic: q.topic, Cause: err}
	}

	if q.cb != nil {
		q.dispatch(ctx, resp)
	}
	return resp, nil
}

// Post sends the request without blocking the caller. The response — or
// failure — is handed to the response callback if one is configured,
// otherwise logged and dropped.
func (q *Querier[P]) Post(ctx context.Context, payload []byte) error {
	if q.State() != StateActive {
		return ErrNotActive
	}
	go func() {
		if _, err := q.AskWithTimeout(ctx, payload, q.timeout); err != nil {
			q.logger.Debug("posted query failed", zap.Error(err))
		}
	}()
	return nil
}

// dispatch contains the response callback like the supervised tasks
// contain theirs: a panic becomes a logged CallbackFailure.
func (q *Querier[P]) dispatch(ctx context.Context, resp []byte) {
	defer func() {
		if r := recover(); r != nil {
			failure := &CallbackFailure{Primitive: q.name, Cause: r}
			q.logger.Error("querier response callback panicked", zap.Error(failure))
		}
	}()
	if err := q.cb(ctx, q.actx, resp); err != nil {
		q.logger.Warn("querier response callback returned error", zap.Error(err))
	}
}

// QuerierBuilder 以链式调用构建 Querier
type QuerierBuilder[P any] struct {
	agent      *Agent[P]
	name       string
	topic      string
	activation OperationState
	timeout    time.Duration
	cb         QuerierCallback[P]
	errs       []error
}

// NewQuerier 返回一个 Querier 构建器
func (a *Agent[P]) NewQuerier() *QuerierBuilder[P] {
	return &QuerierBuilder[P]{
		agent:      a,
		activation: StateActive,
		timeout:    a.cfg.DefaultTimeout,
	}
}

// WithName 设置原语名称
func (b *QuerierBuilder[P]) WithName(name string) *QuerierBuilder[P] {
	b.name = name
	return b
}

// WithTopic 设置主题
func (b *QuerierBuilder[P]) WithTopic(topic string) *QuerierBuilder[P] {
	b.topic = topic
	return b
}

// WithTimeout 设置默认请求超时
func (b *QuerierBuilder[P]) WithTimeout(d time.Duration) *QuerierBuilder[P] {
	if d <= 0 {
		b.errs = append(b.errs, &ConfigurationError{Field: "timeout", Reason: "must be positive"})
		return b
	}
	b.timeout = d
	return b
}

// WithCallback sets the optional response callback.
func (b *QuerierBuilder[P]) WithCallback(cb QuerierCallback[P]) *QuerierBuilder[P] {
	b.cb = cb
	return b
}

// WithActivationState sets the agent state at which the querier becomes
// usable. Default is StateActive.
func (b *QuerierBuilder[P]) WithActivationState(s OperationState) *QuerierBuilder[P] {
	b.activation = s
	return b
}

// Add validates the configuration and registers the querier.
func (b *QuerierBuilder[P]) Add() (*Querier[P], error) {
	if err := firstError(b.errs); err != nil {
		return nil, err
	}
	if b.topic == "" {
		return nil, &ConfigurationError{Field: "topic", Reason: "topic is required"}
	}
	name := b.name
	if name == "" {
		name = string(KindQuerier) + ":" + b.topic
	}

	actx := b.agent.Context()
	q := &Querier[P]{
		primitiveCore: primitiveCore{
			name:       name,
			kind:       KindQuerier,
			topic:      b.topic,
			activation: b.activation,
			logger:     b.agent.logger.Named(name),
		},
		actx:    actx,
		full:    actx.FullTopic(b.topic),
		timeout: b.timeout,
		cb:      b.cb,
	}
	q.activate = func(context.Context) error {
		if actx.Session() == nil {
			return ErrNotConfigured
		}
		return nil
	}

	prev, err := b.agent.addPrimitive(q)
	if err != nil {
		if existing, ok := prev.(*Querier[P]); ok {
			return existing, err
		}
		return nil, err
	}
	return q, nil
}
