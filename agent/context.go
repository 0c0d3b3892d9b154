package agent

import (
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/agentwire/internal/metrics"
	"github.com/BaSui01/agentwire/transport"
)

// Context 是所有回调共享的并发安全容器
// It holds the agent's user-defined properties of type P, the registry
// of communication primitives and the handle to the transport session.
// Every supervised task holds a reference; the container outlives the
// last running task and is released only at shutdown.
type Context[P any] struct {
	agentID string
	name    string
	prefix  string
	logger  *zap.Logger
	metrics *metrics.Collector

	sessMu  sync.RWMutex
	session transport.Session

	// properties: concurrent reads, exclusive writes
	propsMu sync.RWMutex
	props   P

	regMu    sync.RWMutex
	registry map[registryKey]Primitive
	order    []Primitive
}

type registryKey struct {
	kind  Kind
	topic string
}

func newContext[P any](agentID, name, prefix string, props P, logger *zap.Logger, collector *metrics.Collector) *Context[P] {
	return &Context[P]{
		agentID:  agentID,
		name:     name,
		prefix:   prefix,
		logger:   logger,
		metrics:  collector,
		props:    props,
		registry: make(map[registryKey]Primitive),
	}
}

// AgentID 返回 Agent 的唯一标识
func (c *Context[P]) AgentID() string { return c.agentID }

// AgentName 返回 Agent 名称
func (c *Context[P]) AgentName() string { return c.name }

// Logger returns the agent's logger.
func (c *Context[P]) Logger() *zap.Logger { return c.logger }

// Read runs fn with shared access to the properties. Multiple readers
// may run concurrently; fn must not retain the pointer.
func (c *Context[P]) Read(fn func(props *P)) {
	c.propsMu.RLock()
	defer c.propsMu.RUnlock()
	fn(&c.props)
}

// Write runs fn with exclusive access to the properties. Writes are
// strictly ordered by lock acquisition.
func (c *Context[P]) Write(fn func(props *P)) {
	c.propsMu.Lock()
	defer c.propsMu.Unlock()
	fn(&c.props)
}

// Session 返回底层传输会话
func (c *Context[P]) Session() transport.Session {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	return c.session
}

func (c *Context[P]) setSession(s transport.Session) {
	c.sessMu.Lock()
	c.session = s
	c.sessMu.Unlock()
}

// FullTopic prepends the agent's key-expression prefix to a topic.
func (c *Context[P]) FullTopic(topic string) string {
	if c.prefix == "" {
		return topic
	}
	return c.prefix + "/" + topic
}

// register adds a primitive under its (kind, topic) pair. A second
// registration of the same pair returns the existing primitive together
// with a DuplicateRegistrationError; the registry is never overwritten.
func (c *Context[P]) register(p Primitive) (Primitive, error) {
	key := registryKey{kind: p.Kind(), topic: p.Topic()}
	c.regMu.Lock()
	defer c.regMu.Unlock()
	if prev, ok := c.registry[key]; ok {
		return prev, &DuplicateRegistrationError{Kind: p.Kind(), Topic: p.Topic()}
	}
	c.registry[key] = p
	c.order = append(c.order, p)
	return p, nil
}

// find looks up a registered primitive by kind and topic.
func (c *Context[P]) find(kind Kind, topic string) (Primitive, bool) {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	p, ok := c.registry[registryKey{kind: kind, topic: topic}]
	return p, ok
}

// primitives returns all registered primitives in registration order.
func (c *Context[P]) primitives() []Primitive {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	out := make([]Primitive, len(c.order))
	copy(out, c.order)
	return out
}

// Publisher returns the registered publisher for a topic, so callbacks
// can send without reaching around the Context.
func (c *Context[P]) Publisher(topic string) (*Publisher, bool) {
	p, ok := c.find(KindPublisher, topic)
	if !ok {
		return nil, false
	}
	pub, ok := p.(*Publisher)
	return pub, ok
}

// Querier returns the registered querier for a topic.
func (c *Context[P]) Querier(topic string) (*Querier[P], bool) {
	p, ok := c.find(KindQuerier, topic)
	if !ok {
		return nil, false
	}
	q, ok := p.(*Querier[P])
	return q, ok
}

// Primitives returns a snapshot of the registered primitive handles in
// registration order.
func (c *Context[P]) Primitives() []Primitive {
	return c.primitives()
}
