package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentwire/transport"
)

// LivelinessSender 声明存活令牌的原语
// The token is declared on activation and withdrawn on deactivation, so
// the token's visibility tracks the agent's availability exactly.
type LivelinessSender struct {
	primitiveCore
	actx  sessionProvider
	token string
}

// Token returns the presence token this sender declares.
func (l *LivelinessSender) Token() string { return l.token }

func (l *LivelinessSender) activateHook(ctx context.Context) error {
	sess := l.actx.Session()
	if sess == nil {
		return ErrNotConfigured
	}
	if err := sess.DeclarePresence(ctx, l.token); err != nil {
		return &TransportError{Op: "declare presence", Topic: l.token, Cause: err}
	}
	return nil
}

func (l *LivelinessSender) deactivateHook(ctx context.Context) error {
	sess := l.actx.Session()
	if sess == nil {
		return nil
	}
	if err := sess.WithdrawPresence(ctx, l.token); err != nil {
		return &TransportError{Op: "withdraw presence", Topic: l.token, Cause: err}
	}
	return nil
}

// LivelinessCallback handles one presence change of a remote peer.
type LivelinessCallback[P any] func(ctx context.Context, actx *Context[P], event transport.PresenceEvent) error

// LivelinessSubscriber 监听对端存活变化的原语
// Tokens already alive when the watch starts are replayed as joined
// events; the agent's own tokens — the agent id and every token its own
// senders declare — are filtered out, an agent never reports itself.
type LivelinessSubscriber[P any] struct {
	primitiveCore
	actx     *Context[P]
	ownToken string
	cb       LivelinessCallback[P]

	events      <-chan transport.PresenceEvent
	watchCancel context.CancelFunc
}

func (l *LivelinessSubscriber[P]) activateHook(context.Context) error {
	sess := l.actx.Session()
	if sess == nil {
		return ErrNotConfigured
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	ch, err := sess.WatchPresence(watchCtx)
	if err != nil {
		cancel()
		return &TransportError{Op: "watch presence", Cause: err}
	}
	l.events = ch
	l.watchCancel = cancel
	l.runner.start(l.run)
	return nil
}

func (l *LivelinessSubscriber[P]) deactivateHook(ctx context.Context) error {
	err := l.runner.stop(ctx)
	if l.watchCancel != nil {
		l.watchCancel()
		l.watchCancel = nil
	}
	return err
}

// run is the supervised task body. The watch stream stays open across
// respawns.
func (l *LivelinessSubscriber[P]) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-l.events:
			if !ok {
				return fatalf("presence stream ended")
			}
			if l.isOwn(event.PeerID) {
				continue
			}
			l.deliver(ctx, event)
		}
	}
}

// isOwn reports whether a token belongs to this agent: the agent id
// itself or any token declared by one of the agent's own senders.
func (l *LivelinessSubscriber[P]) isOwn(token string) bool {
	if token == l.ownToken {
		return true
	}
	for _, p := range l.actx.primitives() {
		if s, ok := p.(*LivelinessSender); ok && s.Token() == token {
			return true
		}
	}
	return false
}

func (l *LivelinessSubscriber[P]) deliver(ctx context.Context, event transport.PresenceEvent) {
	l.actx.metrics.Delivered(l.name)
	if err := l.cb(ctx, l.actx, event); err != nil {
		l.logger.Warn("liveliness callback returned error",
			zap.String("peer", event.PeerID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err),
		)
	}
}

// LivelinessSenderBuilder 以链式调用构建 LivelinessSender
type LivelinessSenderBuilder[P any] struct {
	agent      *Agent[P]
	name       string
	token      string
	activation OperationState
	errs       []error
}

// NewLivelinessSender 返回一个 LivelinessSender 构建器
// The token defaults to the agent's own id.
func (a *Agent[P]) NewLivelinessSender() *LivelinessSenderBuilder[P] {
	return &LivelinessSenderBuilder[P]{
		agent:      a,
		activation: StateActive,
	}
}

// WithName 设置原语名称
func (b *LivelinessSenderBuilder[P]) WithName(name string) *LivelinessSenderBuilder[P] {
	b.name = name
	return b
}

// WithToken overrides the declared token. Default is the agent id.
func (b *LivelinessSenderBuilder[P]) WithToken(token string) *LivelinessSenderBuilder[P] {
	b.token = token
	return b
}

// WithActivationState sets the agent state at which the token is
// declared. Default is StateActive.
func (b *LivelinessSenderBuilder[P]) WithActivationState(s OperationState) *LivelinessSenderBuilder[P] {
	b.activation = s
	return b
}

// Add validates the configuration and registers the sender.
func (b *LivelinessSenderBuilder[P]) Add() (*LivelinessSender, error) {
	if err := firstError(b.errs); err != nil {
		return nil, err
	}
	token := b.token
	if token == "" {
		token = b.agent.id
	}
	name := b.name
	if name == "" {
		name = string(KindLivelinessSender) + ":" + token
	}

	actx := b.agent.Context()
	l := &LivelinessSender{
		primitiveCore: primitiveCore{
			name:       name,
			kind:       KindLivelinessSender,
			topic:      token,
			activation: b.activation,
			logger:     b.agent.logger.Named(name),
		},
		actx:  actx,
		token: token,
	}
	l.activate = l.activateHook
	l.deactivate = l.deactivateHook

	prev, err := b.agent.addPrimitive(l)
	if err != nil {
		if existing, ok := prev.(*LivelinessSender); ok {
			return existing, err
		}
		return nil, err
	}
	return l, nil
}

// LivelinessSubscriberBuilder 以链式调用构建 LivelinessSubscriber
type LivelinessSubscriberBuilder[P any] struct {
	agent      *Agent[P]
	name       string
	activation OperationState
	policy     RestartPolicy
	cb         LivelinessCallback[P]
	errs       []error
}

// NewLivelinessSubscriber 返回一个 LivelinessSubscriber 构建器
func (a *Agent[P]) NewLivelinessSubscriber() *LivelinessSubscriberBuilder[P] {
	return &LivelinessSubscriberBuilder[P]{
		agent:      a,
		activation: StateActive,
		policy:     a.cfg.RestartPolicy,
	}
}

// WithName 设置原语名称
func (b *LivelinessSubscriberBuilder[P]) WithName(name string) *LivelinessSubscriberBuilder[P] {
	b.name = name
	return b
}

// WithCallback 设置存活变化回调
func (b *LivelinessSubscriberBuilder[P]) WithCallback(cb LivelinessCallback[P]) *LivelinessSubscriberBuilder[P] {
	b.cb = cb
	return b
}

// WithActivationState sets the agent state at which the watch starts.
// Default is StateActive.
func (b *LivelinessSubscriberBuilder[P]) WithActivationState(s OperationState) *LivelinessSubscriberBuilder[P] {
	b.activation = s
	return b
}

// WithRestartPolicy overrides the agent-wide restart policy.
func (b *LivelinessSubscriberBuilder[P]) WithRestartPolicy(p RestartPolicy) *LivelinessSubscriberBuilder[P] {
	b.policy = p
	return b
}

// Add validates the configuration and registers the subscriber.
func (b *LivelinessSubscriberBuilder[P]) Add() (*LivelinessSubscriber[P], error) {
	if err := firstError(b.errs); err != nil {
		return nil, err
	}
	if b.cb == nil {
		return nil, &ConfigurationError{Field: "callback", Reason: "callback is required", Cause: ErrCallbackRequired}
	}
	name := b.name
	if name == "" {
		name = string(KindLivelinessSubscriber) + ":" + b.agent.id
	}

	actx := b.agent.Context()
	l := &LivelinessSubscriber[P]{
		primitiveCore: primitiveCore{
			name:       name,
			kind:       KindLivelinessSubscriber,
			topic:      b.agent.id,
			activation: b.activation,
			logger:     b.agent.logger.Named(name),
		},
		actx:     actx,
		ownToken: b.agent.id,
		cb:       b.cb,
	}
	l.runner = newTaskRunner(name, b.policy, b.agent.cfg.GracePeriod, l.logger, b.agent.metrics, b.agent.escalate)
	l.activate = l.activateHook
	l.deactivate = l.deactivateHook

	prev, err := b.agent.addPrimitive(l)
	if err != nil {
		if existing, ok := prev.(*LivelinessSubscriber[P]); ok {
			return existing, err
		}
		return nil, err
	}
	return l, nil
}
