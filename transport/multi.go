package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Multi presents several concurrent sessions as one. Sends, serves and
// presence operations fan out to every session; inbound streams are
// merged; queries race all sessions and the first reply wins.
//
// Primitives built on a Multi behave exactly as on a single session —
// the Session interface is the only contract they see.
type Multi struct {
	sessions []Session

	mu     sync.Mutex
	closed bool
}

// NewMulti wraps the given sessions. At least one session is required.
func NewMulti(sessions ...Session) (*Multi, error) {
	if len(sessions) == 0 {
		return nil, errors.New("multi session requires at least one session")
	}
	return &Multi{sessions: sessions}, nil
}

// Sessions returns the wrapped sessions.
func (m *Multi) Sessions() []Session {
	return m.sessions
}

func (m *Multi) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Multi) Send(ctx context.Context, topic string, payload []byte) error {
	if m.isClosed() {
		return ErrSessionClosed
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m.sessions {
		g.Go(func() error {
			return s.Send(ctx, topic, payload)
		})
	}
	return g.Wait()
}

func (m *Multi) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	if m.isClosed() {
		return nil, ErrSessionClosed
	}
	out := make(chan Message, subscriberBuffer)
	var wg sync.WaitGroup
	for _, s := range m.sessions {
		ch, err := s.Subscribe(ctx, topic)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range ch {
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// Query races the request across all sessions. The first successful
// reply cancels the rest; when every session fails the first error is
// returned, with timeouts reported only if nobody else failed harder.
func (m *Multi) Query(ctx context.Context, topic string, payload []byte, timeout time.Duration) ([]byte, error) {
	if m.isClosed() {
		return nil, ErrSessionClosed
	}
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		payload []byte
		err     error
	}
	results := make(chan outcome, len(m.sessions))
	for _, s := range m.sessions {
		go func() {
			payload, err := s.Query(raceCtx, topic, payload, timeout)
			results <- outcome{payload: payload, err: err}
		}()
	}

	var firstErr error
	timedOut := false
	for range m.sessions {
		res := <-results
		if res.err == nil {
			return res.payload, nil
		}
		if errors.Is(res.err, ErrTimeout) {
			timedOut = true
			continue
		}
		if errors.Is(res.err, context.Canceled) {
			continue
		}
		if firstErr == nil {
			firstErr = res.err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if timedOut {
		return nil, ErrTimeout
	}
	return nil, ctx.Err()
}

func (m *Multi) Serve(ctx context.Context, topic string, handler Handler) error {
	if m.isClosed() {
		return ErrSessionClosed
	}
	for _, s := range m.sessions {
		if err := s.Serve(ctx, topic, handler); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multi) DeclarePresence(ctx context.Context, id string) error {
	if m.isClosed() {
		return ErrSessionClosed
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m.sessions {
		g.Go(func() error {
			return s.DeclarePresence(ctx, id)
		})
	}
	return g.Wait()
}

func (m *Multi) WithdrawPresence(ctx context.Context, id string) error {
	if m.isClosed() {
		return ErrSessionClosed
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m.sessions {
		g.Go(func() error {
			return s.WithdrawPresence(ctx, id)
		})
	}
	return g.Wait()
}

func (m *Multi) WatchPresence(ctx context.Context) (<-chan PresenceEvent, error) {
	if m.isClosed() {
		return nil, ErrSessionClosed
	}
	out := make(chan PresenceEvent, subscriberBuffer)
	var wg sync.WaitGroup
	for _, s := range m.sessions {
		ch, err := s.WatchPresence(ctx)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range ch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (m *Multi) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, s := range m.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
