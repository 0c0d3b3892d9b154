package agent

import (
	"context"
	"time"

	"github.com/BaSui01/agentwire/internal/metrics"
	"github.com/BaSui01/agentwire/transport"
)

// DefaultSendTimeout bounds a single publish so that Put never blocks
// indefinitely on a stalled session.
const DefaultSendTimeout = 5 * time.Second

// sessionProvider is the slice of Context the topic-only primitives
// need; it keeps Publisher and LivelinessSender free of the properties
// type parameter.
type sessionProvider interface {
	Session() transport.Session
	FullTopic(topic string) string
}

// Publisher 发布消息的原语（fire-and-forget）
type Publisher struct {
	primitiveCore
	provider    sessionProvider
	full        string
	sendTimeout time.Duration
	metrics     *metrics.Collector
}

// Put publishes a payload on the publisher's topic. It fails with a
// TransportError when the session refuses the payload and with
// ErrNotActive while the agent has not activated the publisher.
func (p *Publisher) Put(ctx context.Context, payload []byte) error {
	if p.State() != StateActive {
		return ErrNotActive
	}
	sess := p.provider.Session()
	if sess == nil {
		return ErrNotConfigured
	}
	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()
	if err := sess.Send(sendCtx, p.full, payload); err != nil {
		return &TransportError{Op: "send", Topic: p.topic, Cause: err}
	}
	p.metrics.Published(p.name)
	return nil
}

// PublisherBuilder 以链式调用构建 Publisher
type PublisherBuilder[P any] struct {
	agent       *Agent[P]
	name        string
	topic       string
	activation  OperationState
	sendTimeout time.Duration
	errs        []error
}

// NewPublisher 返回一个 Publisher 构建器
func (a *Agent[P]) NewPublisher() *PublisherBuilder[P] {
	return &PublisherBuilder[P]{
		agent:       a,
		activation:  StateActive,
		sendTimeout: DefaultSendTimeout,
	}
}

// WithName 设置原语名称
func (b *PublisherBuilder[P]) WithName(name string) *PublisherBuilder[P] {
	b.name = name
	return b
}

// WithTopic 设置主题
func (b *PublisherBuilder[P]) WithTopic(topic string) *PublisherBuilder[P] {
	b.topic = topic
	return b
}

// WithActivationState sets the agent state at which the publisher
// becomes usable. Default is StateActive.
func (b *PublisherBuilder[P]) WithActivationState(s OperationState) *PublisherBuilder[P] {
	b.activation = s
	return b
}

// WithSendTimeout bounds a single Put.
func (b *PublisherBuilder[P]) WithSendTimeout(d time.Duration) *PublisherBuilder[P] {
	if d <= 0 {
		b.errs = append(b.errs, &ConfigurationError{Field: "send_timeout", Reason: "must be positive"})
		return b
	}
	b.sendTimeout = d
	return b
}

// Add validates the configuration and registers the publisher with the
// agent's Context. Registering a second publisher for the same topic
// returns the already registered one together with a
// DuplicateRegistrationError.
func (b *PublisherBuilder[P]) Add() (*Publisher, error) {
	if err := firstError(b.errs); err != nil {
		return nil, err
	}
	if b.topic == "" {
		return nil, &ConfigurationError{Field: "topic", Reason: "topic is required"}
	}
	name := b.name
	if name == "" {
		name = string(KindPublisher) + ":" + b.topic
	}

	actx := b.agent.Context()
	p := &Publisher{
		primitiveCore: primitiveCore{
			name:       name,
			kind:       KindPublisher,
			topic:      b.topic,
			activation: b.activation,
			logger:     b.agent.logger.Named(name),
		},
		provider:    actx,
		full:        actx.FullTopic(b.topic),
		sendTimeout: b.sendTimeout,
		metrics:     b.agent.metrics,
	}
	p.activate = func(context.Context) error {
		if actx.Session() == nil {
			return ErrNotConfigured
		}
		return nil
	}

	prev, err := b.agent.addPrimitive(p)
	if err != nil {
		if existing, ok := prev.(*Publisher); ok {
			return existing, err
		}
		return nil, err
	}
	return p, nil
}

// firstError surfaces collected builder errors, first one wins.
func firstError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}
