package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout. Topics and query topics live in distinct channel
// namespaces so a Serve on "t" never sees plain publishes on "t".
const (
	redisTopicPrefix   = "aw:t:"
	redisQueryPrefix   = "aw:q:"
	redisReplyPrefix   = "aw:r:"
	redisPresenceSet   = "aw:presence"
	redisPresenceEvent = "aw:presence:events"
)

// RedisConfig 配置 Redis 会话
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

type queryEnvelope struct {
	ID      string `json:"id"`
	Reply   string `json:"reply"`
	Payload []byte `json:"payload"`
}

type replyEnvelope struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

type presenceEnvelope struct {
	PeerID string       `json:"peer_id"`
	Kind   PresenceKind `json:"kind"`
}

// redisSession implements Session on top of Redis pub/sub. Presence is
// a Redis set plus an announce channel; queries are request/reply over
// a per-call reply channel.
type redisSession struct {
	client *redis.Client

	mu       sync.Mutex
	closed   bool
	pubsubs  []*redis.PubSub
	presence []string
	done     chan struct{}
}

// OpenRedis connects a session to the Redis instance described by cfg.
func OpenRedis(ctx context.Context, cfg RedisConfig) (Session, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis session open: %w", err)
	}
	return &redisSession{client: client, done: make(chan struct{})}, nil
}

func (s *redisSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// track registers a pubsub for cleanup on Close. Returns false when the
// session already closed, in which case the pubsub has been closed.
func (s *redisSession) track(ps *redis.PubSub) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ps.Close()
		return false
	}
	s.pubsubs = append(s.pubsubs, ps)
	return true
}

func (s *redisSession) Send(ctx context.Context, topic string, payload []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := s.client.Publish(ctx, redisTopicPrefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("redis send on %q: %w", topic, err)
	}
	return nil
}

func (s *redisSession) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	ps := s.client.Subscribe(ctx, redisTopicPrefix+topic)
	// force the subscription onto the wire before returning
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe on %q: %w", topic, err)
	}
	if !s.track(ps) {
		return nil, ErrSessionClosed
	}

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: topic, Payload: []byte(m.Payload)}:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *redisSession) Query(ctx context.Context, topic string, payload []byte, timeout time.Duration) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	id := uuid.NewString()
	replyCh := redisReplyPrefix + id

	ps := s.client.Subscribe(ctx, replyCh)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis query on %q: %w", topic, err)
	}
	defer ps.Close()

	env, err := json.Marshal(queryEnvelope{ID: id, Reply: replyCh, Payload: payload})
	if err != nil {
		return nil, err
	}
	if err := s.client.Publish(ctx, redisQueryPrefix+topic, env).Err(); err != nil {
		return nil, fmt.Errorf("redis query on %q: %w", topic, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrSessionClosed
		case <-deadline.C:
			return nil, ErrTimeout
		case m, ok := <-ps.Channel():
			if !ok {
				return nil, ErrSessionClosed
			}
			var reply replyEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &reply); err != nil {
				continue
			}
			if reply.ID != id {
				continue
			}
			if reply.Error != "" {
				return nil, &ReplyError{Topic: topic, Message: reply.Error}
			}
			return reply.Payload, nil
		}
	}
}

func (s *redisSession) Serve(ctx context.Context, topic string, handler Handler) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	ps := s.client.Subscribe(ctx, redisQueryPrefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("redis serve on %q: %w", topic, err)
	}
	if !s.track(ps) {
		return ErrSessionClosed
	}

	go func() {
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				var req queryEnvelope
				if err := json.Unmarshal([]byte(m.Payload), &req); err != nil {
					continue
				}
				go s.answer(ctx, topic, handler, req)
			}
		}
	}()
	return nil
}

func (s *redisSession) answer(ctx context.Context, topic string, handler Handler, req queryEnvelope) {
	reply := replyEnvelope{ID: req.ID}
	payload, err := handler(ctx, Message{Topic: topic, Payload: req.Payload})
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Payload = payload
	}
	env, err := json.Marshal(reply)
	if err != nil {
		return
	}
	s.client.Publish(ctx, req.Reply, env)
}

func (s *redisSession) DeclarePresence(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.presence = append(s.presence, id)
	s.mu.Unlock()

	if err := s.client.SAdd(ctx, redisPresenceSet, id).Err(); err != nil {
		return fmt.Errorf("redis declare presence: %w", err)
	}
	return s.announcePresence(ctx, id, PresenceJoined)
}

func (s *redisSession) WithdrawPresence(ctx context.Context, id string) error {
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

	if err := s.client.SRem(ctx, redisPresenceSet, id).Err(); err != nil {
		return fmt.Errorf("redis withdraw presence: %w", err)
	}
	return s.announcePresence(ctx, id, PresenceLeft)
}

func (s *redisSession) announcePresence(ctx context.Context, id string, kind PresenceKind) error {
	env, err := json.Marshal(presenceEnvelope{PeerID: id, Kind: kind})
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, redisPresenceEvent, env).Err(); err != nil {
		return fmt.Errorf("redis announce presence: %w", err)
	}
	return nil
}

func (s *redisSession) WatchPresence(ctx context.Context) (<-chan PresenceEvent, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	ps := s.client.Subscribe(ctx, redisPresenceEvent)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis watch presence: %w", err)
	}
	if !s.track(ps) {
		return nil, ErrSessionClosed
	}

	// replay of already-present tokens happens after the subscription is
	// live, so a token declared in between may be seen twice as joined
	present, err := s.client.SMembers(ctx, redisPresenceSet).Result()
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis watch presence: %w", err)
	}

	out := make(chan PresenceEvent, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		for _, id := range present {
			select {
			case out <- PresenceEvent{PeerID: id, Kind: PresenceJoined}:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				var ev presenceEnvelope
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- PresenceEvent{PeerID: ev.PeerID, Kind: ev.Kind}:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *redisSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	pubsubs := s.pubsubs
	s.pubsubs = nil
	presence := s.presence
	s.presence = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range presence {
		s.client.SRem(ctx, redisPresenceSet, id)
		s.announcePresence(ctx, id, PresenceLeft)
	}
	for _, ps := range pubsubs {
		ps.Close()
	}
	return s.client.Close()
}
