package agent

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Kind identifies one communication primitive kind. The (kind, topic)
// pair is the registration key inside a Context.
type Kind string

const (
	KindPublisher            Kind = "publisher"
	KindSubscriber           Kind = "subscriber"
	KindQuerier              Kind = "querier"
	KindQueryable            Kind = "queryable"
	KindObserver             Kind = "observer"
	KindObservable           Kind = "observable"
	KindLivelinessSender     Kind = "liveliness-sender"
	KindLivelinessSubscriber Kind = "liveliness-subscriber"
	KindTimer                Kind = "timer"
)

// Primitive 通信原语的公共契约
// State is a mirror of the agent's state, bounded by the primitive's
// activation threshold; it follows the agent and never leads it. Only
// the agent's state machine drives transitions — the unexported manage
// method keeps implementations inside this package.
type Primitive interface {
	Name() string
	Kind() Kind
	Topic() string
	State() OperationState
	ActivationState() OperationState
	Restarts() uint64

	manage(ctx context.Context, target OperationState) error
}

// primitiveCore carries the state mirror and the activation machinery
// shared by all primitive kinds. Concrete primitives embed it and wire
// their activate/deactivate hooks at construction time.
type primitiveCore struct {
	name       string
	kind       Kind
	topic      string
	activation OperationState
	logger     *zap.Logger

	activate   func(ctx context.Context) error
	deactivate func(ctx context.Context) error
	runner     *taskRunner

	mu      sync.Mutex
	state   OperationState
	running bool
}

func (c *primitiveCore) Name() string                    { return c.name }
func (c *primitiveCore) Kind() Kind                      { return c.kind }
func (c *primitiveCore) Topic() string                   { return c.topic }
func (c *primitiveCore) ActivationState() OperationState { return c.activation }

func (c *primitiveCore) State() OperationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *primitiveCore) Restarts() uint64 {
	if c.runner == nil {
		return 0
	}
	return c.runner.restartCount()
}

func (c *primitiveCore) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *primitiveCore) setState(s OperationState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// manage drives the primitive towards the agent's target state: it runs
// when target has reached the activation threshold and is stopped when
// target falls below it. The mirror is updated after the hooks ran, so
// it can never lead the controlling state. Calls are serialized by the
// agent's transition lock; the hooks run outside c.mu because a task
// being joined may still read its own state.
func (c *primitiveCore) manage(ctx context.Context, target OperationState) error {
	c.mu.Lock()
	want := target >= c.activation && target <= StateActive
	doActivate := want && !c.running
	doDeactivate := !want && c.running
	if doActivate {
		c.running = true
	}
	if doDeactivate {
		c.running = false
	}
	c.mu.Unlock()

	switch {
	case doActivate:
		if c.activate != nil {
			if err := c.activate(ctx); err != nil {
				c.mu.Lock()
				c.running = false
				c.state = StateError
				c.mu.Unlock()
				return &ActivationError{Primitive: c.name, Cause: err}
			}
		}
		c.setState(StateActive)
	case doDeactivate:
		var err error
		if c.deactivate != nil {
			err = c.deactivate(ctx)
		}
		c.setState(target)
		return err
	case !want:
		c.setState(target)
	default:
		// already running, mirror stays active
	}
	return nil
}
