package agent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentwire/transport"
)

// obsCancelGrace bounds how long a cancellation waits for the remote
// side to acknowledge before the stream is closed locally anyway.
const obsCancelGrace = 100 * time.Millisecond

// ObservationKind classifies one observation result.
type ObservationKind string

const (
	// ObservationItem carries one streamed value.
	ObservationItem ObservationKind = ObservationKind(obsKindItem)
	// ObservationDone marks a cleanly finished stream.
	ObservationDone ObservationKind = ObservationKind(obsKindDone)
	// ObservationError marks a stream ended by a producer failure.
	ObservationError ObservationKind = ObservationKind(obsKindError)
	// ObservationCancelled marks a stream ended by caller cancellation.
	ObservationCancelled ObservationKind = ObservationKind(obsKindCancelled)
	// ObservationTimeout marks a stream that outlived its deadline.
	ObservationTimeout ObservationKind = "timeout"
)

// Terminal reports whether the kind ends the stream.
func (k ObservationKind) Terminal() bool { return k != ObservationItem }

// ObserverResult is one element of an observation stream. Exactly one
// terminal result ends every stream; the channel is closed after it.
type ObserverResult struct {
	Kind    ObservationKind
	Seq     int
	Payload []byte
	Err     error
}

// ObserverCallback optionally consumes results in addition to the
// channel returned by Observe.
type ObserverCallback[P any] func(ctx context.Context, actx *Context[P], result ObserverResult) error

// Observer 发起观察请求并消费结果流的原语
// Each Observe call is one independent stream: the observer opens a
// private reply topic, hands it to the remote observable, and relays
// whatever arrives until a terminal marker, cancellation or timeout.
type Observer[P any] struct {
	primitiveCore
	actx    *Context[P]
	full    string
	timeout time.Duration
	cb      ObserverCallback[P]
}

// Observe starts one observation. The returned channel yields streamed
// items followed by exactly one terminal result, then closes. Cancelling
// ctx requests remote cancellation and resolves the stream promptly even
// when the remote side never acknowledges.
func (o *Observer[P]) Observe(ctx context.Context, payload []byte) (<-chan ObserverResult, error) {
	if o.State() != StateActive {
		return nil, ErrNotActive
	}
	sess := o.actx.Session()
	if sess == nil {
		return nil, ErrNotConfigured
	}

	id := uuid.NewString()
	reply := obsReplyTopic(o.full, id)

	subCtx, subCancel := context.WithCancel(context.Background())
	inbox, err := sess.Subscribe(subCtx, reply)
	if err != nil {
		subCancel()
		return nil, &TransportError{Op: "subscribe", Topic: reply, Cause: err}
	}

	request := encodeObsRequest(obsRequest{ID: id, Op: obsOpRequest, Reply: reply, Payload: payload})
	resp, err := sess.Query(ctx, o.full, request, o.timeout)
	if err != nil {
		subCancel()
		if errors.Is(err, transport.ErrTimeout) {
			return nil, &TimeoutError{Op: "observe", Topic: o.topic, Timeout: o.timeout}
		}
		return nil, &TransportError{Op: "observe", Topic: o.topic, Cause: err}
	}
	if string(resp) != obsAccepted {
		subCancel()
		return nil, &TransportError{Op: "observe", Topic: o.topic,
			Cause: errors.New("observation rejected: " + string(resp))}
	}

	results := make(chan ObserverResult, 8)
	go o.pump(ctx, sess, id, inbox, results, subCancel)
	return results, nil
}

// pump relays streamed items and resolves the terminal condition. Only
// one terminal result is ever emitted.
func (o *Observer[P]) pump(ctx context.Context, sess transport.Session, id string, inbox <-chan transport.Message, results chan<- ObserverResult, subCancel context.CancelFunc) {
	defer close(results)
	defer subCancel()

	deadline := time.NewTimer(o.timeout)
	defer deadline.Stop()

	emit := func(r ObserverResult) {
		if o.cb != nil {
			o.dispatch(ctx, r)
		}
		select {
		case results <- r:
		case <-time.After(o.timeout):
			o.logger.Warn("observation result dropped, consumer not reading",
				zap.String("request_id", id))
		}
	}

	for {
		select {
		case <-ctx.Done():
			o.requestCancel(sess, id)
			emit(o.awaitCancelled(id, inbox))
			return

		case <-deadline.C:
			o.requestCancel(sess, id)
			emit(ObserverResult{Kind: ObservationTimeout,
				Err: &TimeoutError{Op: "observe", Topic: o.topic, Timeout: o.timeout}})
			return

		case msg, ok := <-inbox:
			if !ok {
				emit(ObserverResult{Kind: ObservationError,
					Err: &TransportError{Op: "observe", Topic: o.topic,
						Cause: errors.New("reply stream closed")}})
				return
			}
			r, terminal := o.toResult(msg)
			emit(r)
			if terminal {
				return
			}
		}
	}
}

// requestCancel tells the remote observable to stop producing. Failure
// is tolerated: the stream is resolved locally regardless.
func (o *Observer[P]) requestCancel(sess transport.Session, id string) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), obsCancelGrace)
	defer cancel()
	control := encodeObsRequest(obsRequest{ID: id, Op: obsOpCancel})
	if _, err := sess.Query(cancelCtx, o.full, control, obsCancelGrace); err != nil {
		o.logger.Debug("observation cancel not acknowledged",
			zap.String("request_id", id), zap.Error(err))
	}
}

// awaitCancelled drains the reply stream briefly so a remote cancelled
// marker wins over the local one when it arrives in time.
func (o *Observer[P]) awaitCancelled(id string, inbox <-chan transport.Message) ObserverResult {
	grace := time.NewTimer(obsCancelGrace)
	defer grace.Stop()
	for {
		select {
		case <-grace.C:
			return ObserverResult{Kind: ObservationCancelled, Err: context.Canceled}
		case msg, ok := <-inbox:
			if !ok {
				return ObserverResult{Kind: ObservationCancelled, Err: context.Canceled}
			}
			if r, terminal := o.toResult(msg); terminal {
				return r
			}
		}
	}
}

func (o *Observer[P]) toResult(msg transport.Message) (ObserverResult, bool) {
	item, err := decodeObsItem(msg.Payload)
	if err != nil {
		return ObserverResult{Kind: ObservationError, Err: err}, true
	}
	r := ObserverResult{Seq: item.Seq, Payload: item.Payload}
	switch item.Kind {
	case obsKindItem:
		r.Kind = ObservationItem
		o.actx.metrics.Delivered(o.name)
		return r, false
	case obsKindDone:
		r.Kind = ObservationDone
	case obsKindCancelled:
		r.Kind = ObservationCancelled
		r.Err = context.Canceled
	case obsKindError:
		r.Kind = ObservationError
		r.Err = &CallbackFailure{Primitive: o.name, Cause: item.Error}
	default:
		r.Kind = ObservationError
		r.Err = errors.New("unknown observation item kind " + item.Kind)
	}
	return r, true
}

// dispatch contains the result callback; a panic is logged, never
// propagated into the pump.
func (o *Observer[P]) dispatch(ctx context.Context, r ObserverResult) {
	defer func() {
		if rec := recover(); rec != nil {
			failure := &CallbackFailure{Primitive: o.name, Cause: rec}
			o.logger.Error("observer result callback panicked", zap.Error(failure))
		}
	}()
	if err := o.cb(ctx, o.actx, r); err != nil {
		o.logger.Warn("observer result callback returned error", zap.Error(err))
	}
}

// ObserverBuilder 以链式调用构建 Observer
type ObserverBuilder[P any] struct {
	agent      *Agent[P]
	name       string
	topic      string
	activation OperationState
	timeout    time.Duration
	cb         ObserverCallback[P]
	errs       []error
}

// NewObserver 返回一个 Observer 构建器
func (a *Agent[P]) NewObserver() *ObserverBuilder[P] {
	return &ObserverBuilder[P]{
		agent:      a,
		activation: StateActive,
		timeout:    a.cfg.DefaultTimeout,
	}
}

// WithName 设置原语名称
func (b *ObserverBuilder[P]) WithName(name string) *ObserverBuilder[P] {
	b.name = name
	return b
}

// WithTopic 设置主题
func (b *ObserverBuilder[P]) WithTopic(topic string) *ObserverBuilder[P] {
	b.topic = topic
	return b
}

// WithTimeout 设置观察流的总超时
func (b *ObserverBuilder[P]) WithTimeout(d time.Duration) *ObserverBuilder[P] {
	if d <= 0 {
		b.errs = append(b.errs, &ConfigurationError{Field: "timeout", Reason: "must be positive"})
		return b
	}
	b.timeout = d
	return b
}

// WithCallback sets the optional per-result callback.
func (b *ObserverBuilder[P]) WithCallback(cb ObserverCallback[P]) *ObserverBuilder[P] {
	b.cb = cb
	return b
}

// WithActivationState sets the agent state at which the observer becomes
// usable. Default is StateActive.
func (b *ObserverBuilder[P]) WithActivationState(s OperationState) *ObserverBuilder[P] {
	b.activation = s
	return b
}

// Add validates the configuration and registers the observer.
func (b *ObserverBuilder[P]) Add() (*Observer[P], error) {
	if err := firstError(b.errs); err != nil {
		return nil, err
	}
	if b.topic == "" {
		return nil, &ConfigurationError{Field: "topic", Reason: "topic is required"}
	}
	name := b.name
	if name == "" {
		name = string(KindObserver) + ":" + b.topic
	}

	actx := b.agent.Context()
	o := &Observer[P]{
		primitiveCore: primitiveCore{
			name:       name,
			kind:       KindObserver,
			topic:      b.topic,
			activation: b.activation,
			logger:     b.agent.logger.Named(name),
		},
		actx:    actx,
		full:    actx.FullTopic(b.topic),
		timeout: b.timeout,
		cb:      b.cb,
	}
	o.activate = func(context.Context) error {
		if actx.Session() == nil {
			return ErrNotConfigured
		}
		return nil
	}

	prev, err := b.agent.addPrimitive(o)
	if err != nil {
		if existing, ok := prev.(*Observer[P]); ok {
			return existing, err
		}
		return nil, err
	}
	return o, nil
}
