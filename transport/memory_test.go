package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPubSub(t *testing.T) {
	broker := NewBroker()
	pub := broker.Connect()
	sub := broker.Connect()
	defer pub.Close()
	defer sub.Close()

	ctx := context.Background()
	ch, err := sub.Subscribe(ctx, "room/events")
	require.NoError(t, err)

	require.NoError(t, pub.Send(ctx, "room/events", []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "room/events", msg.Topic)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryTopicIsolation(t *testing.T) {
	broker := NewBroker()
	sess := broker.Connect()
	defer sess.Close()

	ctx := context.Background()
	ch, err := sess.Subscribe(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, sess.Send(ctx, "b", []byte("stray")))
	require.NoError(t, sess.Send(ctx, "a", []byte("mine")))

	msg := <-ch
	assert.Equal(t, []byte("mine"), msg.Payload)
}

func TestMemoryQueryRoundTrip(t *testing.T) {
	broker := NewBroker()
	server := broker.Connect()
	client := broker.Connect()
	defer server.Close()
	defer client.Close()

	ctx := context.Background()
	err := server.Serve(ctx, "math/double", func(_ context.Context, req Message) ([]byte, error) {
		return append([]byte("2x"), req.Payload...), nil
	})
	require.NoError(t, err)

	resp, err := client.Query(ctx, "math/double", []byte("21"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("2x21"), resp)
}

func TestMemoryQueryTimeout(t *testing.T) {
	broker := NewBroker()
	client := broker.Connect()
	defer client.Close()

	start := time.Now()
	_, err := client.Query(context.Background(), "nobody/home", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second, "timeout must not overshoot")
}

func TestMemoryQueryLateResponder(t *testing.T) {
	// 应答者在查询发出之后才注册，查询仍应成功
	broker := NewBroker()
	server := broker.Connect()
	client := broker.Connect()
	defer server.Close()
	defer client.Close()

	ctx := context.Background()
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = server.Serve(ctx, "late/topic", func(_ context.Context, _ Message) ([]byte, error) {
			return []byte("finally"), nil
		})
	}()

	resp, err := client.Query(ctx, "late/topic", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("finally"), resp)
}

func TestMemoryQueryHandlerError(t *testing.T) {
	broker := NewBroker()
	server := broker.Connect()
	client := broker.Connect()
	defer server.Close()
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, server.Serve(ctx, "broken", func(_ context.Context, _ Message) ([]byte, error) {
		return nil, errors.New("boom")
	}))

	_, err := client.Query(ctx, "broken", nil, time.Second)
	var replyErr *ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, "broken", replyErr.Topic)
	assert.Contains(t, replyErr.Message, "boom")
}

func TestMemoryPresence(t *testing.T) {
	broker := NewBroker()
	peer := broker.Connect()
	watcher := broker.Connect()
	defer peer.Close()
	defer watcher.Close()

	ctx := context.Background()
	require.NoError(t, peer.DeclarePresence(ctx, "agent-1"))

	// tokens declared before the watch are replayed as joined
	events, err := watcher.WatchPresence(ctx)
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, PresenceEvent{PeerID: "agent-1", Kind: PresenceJoined}, ev)

	require.NoError(t, peer.WithdrawPresence(ctx, "agent-1"))
	ev = <-events
	assert.Equal(t, PresenceEvent{PeerID: "agent-1", Kind: PresenceLeft}, ev)
}

func TestMemoryPresenceWithdrawnOnClose(t *testing.T) {
	broker := NewBroker()
	peer := broker.Connect()
	watcher := broker.Connect()
	defer watcher.Close()

	ctx := context.Background()
	require.NoError(t, peer.DeclarePresence(ctx, "agent-2"))

	events, err := watcher.WatchPresence(ctx)
	require.NoError(t, err)
	<-events // joined replay

	require.NoError(t, peer.Close())

	select {
	case ev := <-events:
		assert.Equal(t, PresenceEvent{PeerID: "agent-2", Kind: PresenceLeft}, ev)
	case <-time.After(time.Second):
		t.Fatal("no left event after session close")
	}
}

func TestMemorySessionClosed(t *testing.T) {
	broker := NewBroker()
	sess := broker.Connect()
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close(), "double close is a no-op")

	ctx := context.Background()
	assert.ErrorIs(t, sess.Send(ctx, "t", nil), ErrSessionClosed)
	_, err := sess.Subscribe(ctx, "t")
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = sess.Query(ctx, "t", nil, time.Millisecond)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, sess.Serve(ctx, "t", nil), ErrSessionClosed)
	assert.ErrorIs(t, sess.DeclarePresence(ctx, "x"), ErrSessionClosed)
}

func TestMemorySubscribeCancelClosesStream(t *testing.T) {
	broker := NewBroker()
	sess := broker.Connect()
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := sess.Subscribe(ctx, "t")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "stream must be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestOpenUnknownMode(t *testing.T) {
	_, err := Open(context.Background(), Config{Mode: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestOpenMemoryMode(t *testing.T) {
	sess, err := Open(context.Background(), Config{Mode: "memory"})
	require.NoError(t, err)
	require.NoError(t, sess.Close())
}
