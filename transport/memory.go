package transport

import (
	"context"
	"sync"
	"time"
)

// handlerPollInterval is how often a pending query re-checks for a
// responder that registered after the query started.
const handlerPollInterval = 5 * time.Millisecond

// subscriberBuffer bounds the per-subscriber mailbox. A subscriber that
// stops draining will eventually stall senders instead of growing
// without bound.
const subscriberBuffer = 128

var (
	defaultBrokerOnce sync.Once
	defaultBroker     *Broker
)

// DefaultBroker returns the process-wide in-memory broker shared by all
// sessions opened with mode "memory".
func DefaultBroker() *Broker {
	defaultBrokerOnce.Do(func() {
		defaultBroker = NewBroker()
	})
	return defaultBroker
}

// Broker is an in-process message fabric. It routes published payloads
// to subscribers, requests to responders and presence changes to
// watchers, all by exact topic match.
type Broker struct {
	mu       sync.RWMutex
	streams  map[string][]*memStream
	handlers map[string][]*memHandler
	presence map[string]int
	watchers []*presenceStream
}

// NewBroker creates an empty broker. Tests use private brokers to stay
// isolated from the process-wide one.
func NewBroker() *Broker {
	return &Broker{
		streams:  make(map[string][]*memStream),
		handlers: make(map[string][]*memHandler),
		presence: make(map[string]int),
	}
}

// Connect opens a new session on the broker.
func (b *Broker) Connect() Session {
	return &memorySession{broker: b, done: make(chan struct{})}
}

type memStream struct {
	topic string
	ch    chan Message
	done  chan struct{}
	once  sync.Once
}

func (s *memStream) close() {
	s.once.Do(func() {
		close(s.done)
		close(s.ch)
	})
}

type memHandler struct {
	topic   string
	handler Handler
	done    chan struct{}
}

type presenceStream struct {
	ch   chan PresenceEvent
	done chan struct{}
	once sync.Once
}

func (s *presenceStream) close() {
	s.once.Do(func() {
		close(s.done)
		close(s.ch)
	})
}

func (b *Broker) publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	streams := make([]*memStream, len(b.streams[topic]))
	copy(streams, b.streams[topic])
	b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	for _, s := range streams {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Broker) subscribe(topic string) *memStream {
	s := &memStream{
		topic: topic,
		ch:    make(chan Message, subscriberBuffer),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	b.streams[topic] = append(b.streams[topic], s)
	b.mu.Unlock()
	return s
}

func (b *Broker) unsubscribe(s *memStream) {
	b.mu.Lock()
	streams := b.streams[s.topic]
	for i, cur := range streams {
		if cur == s {
			b.streams[s.topic] = append(streams[:i], streams[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.close()
}

func (b *Broker) serve(topic string, h *memHandler) {
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], h)
	b.mu.Unlock()
}

func (b *Broker) unserve(h *memHandler) {
	b.mu.Lock()
	handlers := b.handlers[h.topic]
	for i, cur := range handlers {
		if cur == h {
			b.handlers[h.topic] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// responder returns the first live responder for topic, if any.
func (b *Broker) responder(topic string) *memHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers[topic] {
		select {
		case <-h.done:
		default:
			return h
		}
	}
	return nil
}

func (b *Broker) query(ctx context.Context, topic string, payload []byte, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	poll := time.NewTicker(handlerPollInterval)
	defer poll.Stop()

	req := Message{Topic: topic, Payload: payload}
	for {
		if h := b.responder(topic); h != nil {
			resp, err := h.handler(ctx, req)
			if err != nil {
				return nil, &ReplyError{Topic: topic, Message: err.Error()}
			}
			return resp, nil
		}
		select {
		case <-deadline.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-poll.C:
		}
	}
}

func (b *Broker) declarePresence(id string) {
	b.mu.Lock()
	b.presence[id]++
	first := b.presence[id] == 1
	watchers := make([]*presenceStream, len(b.watchers))
	copy(watchers, b.watchers)
	b.mu.Unlock()

	if !first {
		return
	}
	b.notifyPresence(watchers, PresenceEvent{PeerID: id, Kind: PresenceJoined})
}

func (b *Broker) withdrawPresence(id string) {
	b.mu.Lock()
	if b.presence[id] == 0 {
		b.mu.Unlock()
		return
	}
	b.presence[id]--
	last := b.presence[id] == 0
	if last {
		delete(b.presence, id)
	}
	watchers := make([]*presenceStream, len(b.watchers))
	copy(watchers, b.watchers)
	b.mu.Unlock()

	if !last {
		return
	}
	b.notifyPresence(watchers, PresenceEvent{PeerID: id, Kind: PresenceLeft})
}

func (b *Broker) notifyPresence(watchers []*presenceStream, ev PresenceEvent) {
	for _, w := range watchers {
		select {
		case w.ch <- ev:
		case <-w.done:
		}
	}
}

func (b *Broker) watchPresence() *presenceStream {
	w := &presenceStream{
		ch:   make(chan PresenceEvent, subscriberBuffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	// replay tokens that are already present
	for id := range b.presence {
		w.ch <- PresenceEvent{PeerID: id, Kind: PresenceJoined}
	}
	b.watchers = append(b.watchers, w)
	b.mu.Unlock()
	return w
}

func (b *Broker) unwatchPresence(w *presenceStream) {
	b.mu.Lock()
	for i, cur := range b.watchers {
		if cur == w {
			b.watchers = append(b.watchers[:i], b.watchers[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	w.close()
}

// memorySession is one client of a Broker. It tracks everything it
// opened so Close can release it.
type memorySession struct {
	broker *Broker

	mu       sync.Mutex
	closed   bool
	streams  []*memStream
	handlers []*memHandler
	watchers []*presenceStream
	presence []string

	done chan struct{}
}

func (s *memorySession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *memorySession) Send(ctx context.Context, topic string, payload []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.broker.publish(ctx, topic, payload)
}

func (s *memorySession) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	stream := s.broker.subscribe(topic)
	s.streams = append(s.streams, stream)
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		case <-stream.done:
		}
		s.broker.unsubscribe(stream)
	}()
	return stream.ch, nil
}

func (s *memorySession) Query(ctx context.Context, topic string, payload []byte, timeout time.Duration) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	return s.broker.query(ctx, topic, payload, timeout)
}

func (s *memorySession) Serve(ctx context.Context, topic string, handler Handler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	h := &memHandler{topic: topic, handler: handler, done: make(chan struct{})}
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()

	s.broker.serve(topic, h)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		close(h.done)
		s.broker.unserve(h)
	}()
	return nil
}

func (s *memorySession) DeclarePresence(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.presence = append(s.presence, id)
	s.mu.Unlock()

	s.broker.declarePresence(id)
	return nil
}

func (s *memorySession) WithdrawPresence(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	for i, cur := range s.presence {
		if cur == id {
			s.presence = append(s.presence[:i], s.presence[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.broker.withdrawPresence(id)
	return nil
}

func (s *memorySession) WatchPresence(ctx context.Context) (<-chan PresenceEvent, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	w := s.broker.watchPresence()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		case <-w.done:
		}
		s.broker.unwatchPresence(w)
	}()
	return w.ch, nil
}

func (s *memorySession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	presence := s.presence
	s.presence = nil
	close(s.done)
	s.mu.Unlock()

	for _, id := range presence {
		s.broker.withdrawPresence(id)
	}
	return nil
}
