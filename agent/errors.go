package agent

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConfigured 会话尚未附加
	ErrNotConfigured = errors.New("agent not configured")

	// ErrShutdown Agent 已关闭
	ErrShutdown = errors.New("agent is shut down")

	// ErrNotActive 原语未处于 Active 状态
	ErrNotActive = errors.New("primitive not active")

	// ErrCallbackRequired 该类原语必须设置回调
	ErrCallbackRequired = errors.New("callback is required")
)

// ConfigurationError reports an invalid builder or agent configuration.
// It is always raised before anything is registered or started.
type ConfigurationError struct {
	Field  string
	Reason string
	Cause  error
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %s: %v", e.Field, e.Reason, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// TransportError reports that the session refused or lost an operation.
// It is recoverable only by the state machine moving to StateError,
// never by silent retry.
type TransportError struct {
	Op    string
	Topic string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s on %q: %v", e.Op, e.Topic, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// TimeoutError reports that one request-style call exceeded its
// deadline. It is local to that call and never affects agent state.
type TimeoutError struct {
	Op      string
	Topic   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s on %q exceeded %s", e.Op, e.Topic, e.Timeout)
}

// CallbackFailure wraps a recovered panic from a user callback. It is
// contained at the supervised task boundary and never propagates
// further than the task runner.
type CallbackFailure struct {
	Primitive string
	Cause     any
}

func (e *CallbackFailure) Error() string {
	return fmt.Sprintf("callback failure in %q: %v", e.Primitive, e.Cause)
}

// DuplicateRegistrationError reports a second registration of the same
// (kind, topic) pair. The caller of Add receives the previously
// registered primitive alongside this error; nothing is overwritten.
type DuplicateRegistrationError struct {
	Kind  Kind
	Topic string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("duplicate registration: %s on %q", e.Kind, e.Topic)
}

// ActivationError names the primitive that blocked a state transition.
type ActivationError struct {
	Primitive string
	Cause     error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activation of %q failed: %v", e.Primitive, e.Cause)
}

func (e *ActivationError) Unwrap() error { return e.Cause }

// IsTimeout 判断错误是否为超时
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
