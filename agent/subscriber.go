package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentwire/transport"
)

// SubscriberCallback handles one inbound message. The passed context is
// the supervised task's context and is cancelled on deactivation; any
// blocking wait inside the callback must watch it.
type SubscriberCallback[P any] func(ctx context.Context, actx *Context[P], msg transport.Message) error

// Subscriber 订阅主题并将消息交给回调的原语
// Activation subscribes on the session and spawns one supervised task
// that owns the callback loop. Messages arriving before activation are
// not buffered; delivery is guaranteed only while active.
type Subscriber[P any] struct {
	primitiveCore
	actx *Context[P]
	full string
	cb   SubscriberCallback[P]

	inbox     <-chan transport.Message
	subCancel context.CancelFunc
}

func (s *Subscriber[P]) activateHook(context.Context) error {
	sess := s.actx.Session()
	if sess == nil {
		return ErrNotConfigured
	}
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := sess.Subscribe(subCtx, s.full)
	if err != nil {
		cancel()
		return &TransportError{Op: "subscribe", Topic: s.topic, Cause: err}
	}
	s.inbox = ch
	s.subCancel = cancel
	s.runner.start(s.run)
	return nil
}

func (s *Subscriber[P]) deactivateHook(ctx context.Context) error {
	err := s.runner.stop(ctx)
	if s.subCancel != nil {
		s.subCancel()
		s.subCancel = nil
	}
	return err
}

// run is the supervised task body. The subscription stays open across
// respawns; a panic in the callback unwinds to the task boundary and
// only the loop is restarted.
func (s *Subscriber[P]) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-s.inbox:
			if !ok {
				return fatalf("subscription stream on %q ended", s.full)
			}
			s.deliver(ctx, msg)
		}
	}
}

func (s *Subscriber[P]) deliver(ctx context.Context, msg transport.Message) {
	s.actx.metrics.Delivered(s.name)
	if err := s.cb(ctx, s.actx, msg); err != nil {
		s.logger.Warn("subscriber callback returned error",
			zap.String("topic", s.topic),
			zap.Error(err),
		)
	}
}

// SubscriberBuilder 以链式调用构建 Subscriber
type SubscriberBuilder[P any] struct {
	agent      *Agent[P]
	name       string
	topic      string
	activation OperationState
	policy     RestartPolicy
	cb         SubscriberCallback[P]
	errs       []error
}

// NewSubscriber 返回一个 Subscriber 构建器
func (a *Agent[P]) NewSubscriber() *SubscriberBuilder[P] {
	return &SubscriberBuilder[P]{
		agent:      a,
		activation: StateActive,
		policy:     a.cfg.RestartPolicy,
	}
}

// WithName 设置原语名称
func (b *SubscriberBuilder[P]) WithName(name string) *SubscriberBuilder[P] {
	b.name = name
	return b
}

// WithTopic 设置主题
func (b *SubscriberBuilder[P]) WithTopic(topic string) *SubscriberBuilder[P] {
	b.topic = topic
	return b
}

// WithCallback 设置消息回调
func (b *SubscriberBuilder[P]) WithCallback(cb SubscriberCallback[P]) *SubscriberBuilder[P] {
	b.cb = cb
	return b
}

// WithActivationState sets the agent state at which the subscriber
// starts its task. Default is StateActive.
func (b *SubscriberBuilder[P]) WithActivationState(s OperationState) *SubscriberBuilder[P] {
	b.activation = s
	return b
}

// WithRestartPolicy overrides the agent-wide restart policy.
func (b *SubscriberBuilder[P]) WithRestartPolicy(p RestartPolicy) *SubscriberBuilder[P] {
	b.policy = p
	return b
}

// Add validates the configuration and registers the subscriber.
func (b *SubscriberBuilder[P]) Add() (*Subscriber[P], error) {
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
		name = string(KindSubscriber) + ":" + b.topic
	}

	actx := b.agent.Context()
	s := &Subscriber[P]{
		primitiveCore: primitiveCore{
			name:       name,
			kind:       KindSubscriber,
			topic:      b.topic,
			activation: b.activation,
			logger:     b.agent.logger.Named(name),
		},
		actx: actx,
		full: actx.FullTopic(b.topic),
		cb:   b.cb,
	}
	s.runner = newTaskRunner(name, b.policy, b.agent.cfg.GracePeriod, s.logger, b.agent.metrics, b.agent.escalate)
	s.activate = s.activateHook
	s.deactivate = s.deactivateHook

	prev, err := b.agent.addPrimitive(s)
	if err != nil {
		if existing, ok := prev.(*Subscriber[P]); ok {
			return existing, err
		}
		return nil, err
	}
	return s, nil
}
