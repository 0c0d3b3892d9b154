package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("transport session closed")

	// ErrTimeout 请求在期限内未收到应答
	ErrTimeout = errors.New("transport request timed out")

	// ErrUnknownMode 配置了未知的传输模式
	ErrUnknownMode = errors.New("unknown transport mode")
)

// Message is one inbound payload delivered on a subscribed topic.
type Message struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

// PresenceKind tells whether a peer appeared or disappeared.
type PresenceKind string

const (
	PresenceJoined PresenceKind = "joined"
	PresenceLeft   PresenceKind = "left"
)

// PresenceEvent is one change in peer presence.
type PresenceEvent struct {
	PeerID string       `json:"peer_id"`
	Kind   PresenceKind `json:"kind"`
}

// Handler answers one inbound request on a served topic.
// The returned payload becomes the reply; a returned error is delivered
// to the caller as a ReplyError.
type Handler func(ctx context.Context, req Message) ([]byte, error)

// ReplyError carries a responder-side failure back to the querying side.
type ReplyError struct {
	Topic   string
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("query on %q answered with error: %s", e.Topic, e.Message)
}

// Session is the capability interface the communication primitives are
// built on. All blocking operations honor the passed context; streams
// returned by Subscribe and WatchPresence are closed when their context
// is cancelled or the session closes.
type Session interface {
	// Send publishes a payload on a topic. It never blocks indefinitely.
	Send(ctx context.Context, topic string, payload []byte) error

	// Subscribe opens an inbound stream for a topic. Messages published
	// before Subscribe returns are not buffered.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)

	// Query sends a request and waits for a single reply. When no
	// responder answers within timeout it fails with ErrTimeout; it
	// never waits for a responder to exist first.
	Query(ctx context.Context, topic string, payload []byte, timeout time.Duration) ([]byte, error)

	// Serve registers a responder for a topic. The handler is invoked
	// once per inbound request until ctx is cancelled.
	Serve(ctx context.Context, topic string, handler Handler) error

	// DeclarePresence announces a presence token to all peers.
	DeclarePresence(ctx context.Context, id string) error

	// WithdrawPresence removes a previously declared token.
	WithdrawPresence(ctx context.Context, id string) error

	// WatchPresence opens a stream of presence changes. Tokens already
	// declared when the watch starts are replayed as joined events.
	WatchPresence(ctx context.Context) (<-chan PresenceEvent, error)

	// Close releases the session. All streams are closed, all presence
	// tokens declared through this session are withdrawn.
	Close() error
}

// Config selects and parameterizes a session implementation.
type Config struct {
	// Mode selects the implementation: "memory" or "redis".
	Mode string `yaml:"mode" env:"MODE"`

	// Redis parameterizes the redis session when Mode == "redis".
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// Open creates a session according to cfg. The "memory" mode connects
// to the process-wide shared broker so that several agents inside one
// process can reach each other.
func Open(ctx context.Context, cfg Config) (Session, error) {
	switch cfg.Mode {
	case "", "memory":
		return DefaultBroker().Connect(), nil
	case "redis":
		return OpenRedis(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}
