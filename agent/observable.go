package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/agentwire/transport"
)

// ObservableCallback produces the observation. It may emit a single
// value or a bounded stream of values; returning nil ends the stream
// cleanly, returning an error — or panicking — surfaces a terminal
// error to the observer instead of silently ending the stream. The
// context is cancelled when the observer cancels or the observable
// deactivates; emit fails once that happened.
type ObservableCallback[P any] func(ctx context.Context, actx *Context[P], req []byte, emit func(payload []byte) error) error

// Observable 应答观察请求的原语
// Each accepted request runs the callback in its own producer
// goroutine; all producers are cancelled on deactivation.
type Observable[P any] struct {
	primitiveCore
	actx *Context[P]
	full string
	cb   ObservableCallback[P]

	serveCtx    context.Context
	serveCancel context.CancelFunc
	failures    atomic.Uint64

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Restarts reports how many producer callback failures were contained.
func (o *Observable[P]) Restarts() uint64 { return o.failures.Load() }

func (o *Observable[P]) activateHook(context.Context) error {
	sess := o.actx.Session()
	if sess == nil {
		return ErrNotConfigured
	}
	serveCtx, cancel := context.WithCancel(context.Background())
	if err := sess.Serve(serveCtx, o.full, o.handleControl); err != nil {
		cancel()
		return &TransportError{Op: "serve", Topic: o.topic, Cause: err}
	}
	o.serveCtx = serveCtx
	o.serveCancel = cancel
	return nil
}

func (o *Observable[P]) deactivateHook(context.Context) error {
	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.active))
	for _, cancel := range o.active {
		cancels = append(cancels, cancel)
	}
	o.active = nil
	o.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if o.serveCancel != nil {
		o.serveCancel()
		o.serveCancel = nil
	}
	return nil
}

// handleControl answers request/cancel control messages.
func (o *Observable[P]) handleControl(ctx context.Context, req transport.Message) ([]byte, error) {
	control, err := decodeObsRequest(req.Payload)
	if err != nil {
		return nil, err
	}
	switch control.Op {
	case obsOpRequest:
		if control.Reply == "" {
			return nil, errors.New("observation request without reply topic")
		}
		o.startProducer(control)
		return []byte(obsAccepted), nil
	case obsOpCancel:
		o.cancelProducer(control.ID)
		return []byte(obsKindCancelled), nil
	default:
		return nil, errors.New("unknown observation op " + control.Op)
	}
}

func (o *Observable[P]) startProducer(control obsRequest) {
	prodCtx, cancel := context.WithCancel(o.serveCtx)
	o.mu.Lock()
	if o.active == nil {
		o.active = make(map[string]context.CancelFunc)
	}
	o.active[control.ID] = cancel
	o.mu.Unlock()

	go o.produce(prodCtx, control)
}

func (o *Observable[P]) cancelProducer(id string) {
	o.mu.Lock()
	cancel, ok := o.active[id]
	if ok {
		delete(o.active, id)
	}
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Observable[P]) removeProducer(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// produce runs the user callback and streams its output. The terminal
// marker is always published, whatever way the callback ended.
func (o *Observable[P]) produce(ctx context.Context, control obsRequest) {
	defer o.removeProducer(control.ID)

	sess := o.actx.Session()
	if sess == nil {
		return
	}

	seq := 0
	emit := func(payload []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seq++
		item := encodeObsItem(obsItem{ID: control.ID, Seq: seq, Kind: obsKindItem, Payload: payload})
		if err := sess.Send(ctx, control.Reply, item); err != nil {
			return &TransportError{Op: "send", Topic: control.Reply, Cause: err}
		}
		return nil
	}

	err := o.runProducer(ctx, control.Payload, emit)

	terminal := obsItem{ID: control.ID, Seq: seq + 1}
	switch {
	case ctx.Err() != nil:
		terminal.Kind = obsKindCancelled
	case err != nil:
		terminal.Kind = obsKindError
		terminal.Error = err.Error()
	default:
		terminal.Kind = obsKindDone
	}

	// terminal marker goes out even when the producer context is gone
	sendCtx, cancel := context.WithTimeout(context.Background(), DefaultSendTimeout)
	defer cancel()
	if err := sess.Send(sendCtx, control.Reply, encodeObsItem(terminal)); err != nil {
		o.logger.Warn("observation terminal marker not delivered",
			zap.String("request_id", control.ID),
			zap.Error(err),
		)
	}
}

// runProducer is the containment boundary for the producer callback.
func (o *Observable[P]) runProducer(ctx context.Context, payload []byte, emit func([]byte) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackFailure{Primitive: o.name, Cause: r}
			o.failures.Add(1)
			o.actx.metrics.CallbackRestart(o.name)
			o.logger.Error("observable callback panicked", zap.Error(err))
		}
	}()
	o.actx.metrics.Delivered(o.name)
	return o.cb(ctx, o.actx, payload, emit)
}

// ObservableBuilder 以链式调用构建 Observable
type ObservableBuilder[P any] struct {
	agent      *Agent[P]
	name       string
	topic      string
	activation OperationState
	cb         ObservableCallback[P]
	errs       []error
}

// NewObservable 返回一个 Observable 构建器
func (a *Agent[P]) NewObservable() *ObservableBuilder[P] {
	return &ObservableBuilder[P]{
		agent:      a,
		activation: StateActive,
	}
}

// WithName 设置原语名称
func (b *ObservableBuilder[P]) WithName(name string) *ObservableBuilder[P] {
	b.name = name
	return b
}

// WithTopic 设置主题
func (b *ObservableBuilder[P]) WithTopic(topic string) *ObservableBuilder[P] {
	b.topic = topic
	return b
}

// WithCallback 设置观察生产回调
func (b *ObservableBuilder[P]) WithCallback(cb ObservableCallback[P]) *ObservableBuilder[P] {
	b.cb = cb
	return b
}

// WithActivationState sets the agent state at which the observable
// accepts requests. Default is StateActive.
func (b *ObservableBuilder[P]) WithActivationState(s OperationState) *ObservableBuilder[P] {
	b.activation = s
	return b
}

// Add validates the configuration and registers the observable.
func (b *ObservableBuilder[P]) Add() (*Observable[P], error) {
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
		name = string(KindObservable) + ":" + b.topic
	}

	actx := b.agent.Context()
	o := &Observable[P]{
		primitiveCore: primitiveCore{
			name:       name,
			kind:       KindObservable,
			topic:      b.topic,
			activation: b.activation,
			logger:     b.agent.logger.Named(name),
		},
		actx: actx,
		full: actx.FullTopic(b.topic),
		cb:   b.cb,
	}
	o.activate = o.activateHook
	o.deactivate = o.deactivateHook

	prev, err := b.agent.addPrimitive(o)
	if err != nil {
		if existing, ok := prev.(*Observable[P]); ok {
			return existing, err
		}
		return nil, err
	}
	return o, nil
}
