package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentwire/transport"
)

type testProps struct {
	Hits int
}

func newTestAgent(t *testing.T, broker *transport.Broker, name string) *Agent[testProps] {
	t.Helper()
	a, err := New(Config{
		Name:           name,
		Prefix:         "demo",
		GracePeriod:    time.Second,
		DefaultTimeout: time.Second,
	}, testProps{}, WithLogger[testProps](zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, a.ConfigureWith(broker.Connect()))
	return a
}

func TestNewRequiresName(t *testing.T) {
	_, err := New(Config{}, testProps{})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "name", cfgErr.Field)
}

func TestLifecycle(t *testing.T) {
	broker := transport.NewBroker()
	a := newTestAgent(t, broker, "lifecycle")

	pub, err := a.NewPublisher().WithTopic("events").Add()
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, StateConfigured, a.State())
	assert.Equal(t, StateCreated, pub.State())

	require.NoError(t, a.Start(ctx))
	assert.Equal(t, StateActive, a.State())
	assert.Equal(t, StateActive, pub.State())

	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, StateInactive, a.State())
	assert.Equal(t, StateInactive, pub.State())
	assert.ErrorIs(t, pub.Put(ctx, []byte("late")), ErrNotActive)

	// 停止后可以再次启动
	require.NoError(t, a.Start(ctx))
	assert.Equal(t, StateActive, a.State())

	require.NoError(t, a.Shutdown(ctx))
	assert.Equal(t, StateShutdown, a.State())
	assert.Error(t, a.Start(ctx))
	require.NoError(t, a.Shutdown(ctx), "shutdown is idempotent")
}

func TestStartWithoutConfigure(t *testing.T) {
	a, err := New(Config{Name: "unconfigured"}, testProps{})
	require.NoError(t, err)

	err = a.Start(context.Background())
	var invalid *ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StateCreated, invalid.From)
}

func TestInitActivatesControlThresholdOnly(t *testing.T) {
	broker := transport.NewBroker()
	a := newTestAgent(t, broker, "staged")

	pub, err := a.NewPublisher().WithTopic("events").Add()
	require.NoError(t, err)
	early, err := a.NewPublisher().WithTopic("early").WithActivationState(StateInactive).Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Init(ctx))
	assert.Equal(t, StateInactive, a.State())
	assert.Equal(t, StateActive, early.State(), "threshold Inactive activates at Init")
	assert.NotEqual(t, StateActive, pub.State())

	require.NoError(t, a.Init(ctx), "init is idempotent")
	require.NoError(t, a.Start(ctx))
	assert.Equal(t, StateActive, pub.State())
	require.NoError(t, a.Shutdown(ctx))
}

func TestStartIdempotent(t *testing.T) {
	a := newTestAgent(t, transport.NewBroker(), "twice")
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Shutdown(ctx))
}

type failingPrimitive struct {
	primitiveCore
}

func newFailingPrimitive(t *testing.T, cause error) *failingPrimitive {
	f := &failingPrimitive{primitiveCore: primitiveCore{
		name:       "failing",
		kind:       Kind("failing"),
		topic:      "failing",
		activation: StateActive,
		logger:     zaptest.NewLogger(t),
	}}
	f.activate = func(context.Context) error { return cause }
	return f
}

func TestStartRollsBackOnActivationFailure(t *testing.T) {
	broker := transport.NewBroker()
	a := newTestAgent(t, broker, "rollback")

	pub, err := a.NewPublisher().WithTopic("events").Add()
	require.NoError(t, err)

	cause := errors.New("no capacity")
	_, err = a.addPrimitive(newFailingPrimitive(t, cause))
	require.NoError(t, err)

	err = a.Start(context.Background())
	var actErr *ActivationError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "failing", actErr.Primitive)

	// 本轮已激活的原语被回滚，Agent 停留在 Inactive
	assert.Equal(t, StateInactive, a.State())
	assert.NotEqual(t, StateActive, pub.State())
	assert.ErrorIs(t, pub.Put(context.Background(), []byte("x")), ErrNotActive)
}

func TestAddDuplicateReturnsExisting(t *testing.T) {
	a := newTestAgent(t, transport.NewBroker(), "dup")

	first, err := a.NewPublisher().WithTopic("events").Add()
	require.NoError(t, err)

	second, err := a.NewPublisher().WithTopic("events").Add()
	var dup *DuplicateRegistrationError
	require.ErrorAs(t, err, &dup)
	assert.Same(t, first, second, "duplicate Add hands back the registered primitive")
}

func TestAddRejectedWhileActive(t *testing.T) {
	a := newTestAgent(t, transport.NewBroker(), "frozen")
	require.NoError(t, a.Start(context.Background()))

	_, err := a.NewPublisher().WithTopic("late").Add()
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestPubSubRoundTrip(t *testing.T) {
	broker := transport.NewBroker()
	sender := newTestAgent(t, broker, "sender")
	receiver := newTestAgent(t, broker, "receiver")

	pub, err := sender.NewPublisher().WithTopic("chat").Add()
	require.NoError(t, err)

	got := make(chan []byte, 1)
	_, err = receiver.NewSubscriber().
		WithTopic("chat").
		WithCallback(func(_ context.Context, actx *Context[testProps], msg transport.Message) error {
			actx.Write(func(p *testProps) { p.Hits++ })
			got <- msg.Payload
			return nil
		}).
		Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, receiver.Start(ctx))
	require.NoError(t, sender.Start(ctx))
	defer sender.Shutdown(ctx)
	defer receiver.Shutdown(ctx)

	require.NoError(t, pub.Put(ctx, []byte("hello")))

	select {
	case payload := <-got:
		assert.Equal(t, []byte("hello"), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	var hits int
	receiver.Context().Read(func(p *testProps) { hits = p.Hits })
	assert.Equal(t, 1, hits)
}

func TestSubscriberRestartCounter(t *testing.T) {
	// 连续 panic 的回调：每次失败重启一次，后续消息仍被投递
	broker := transport.NewBroker()
	a := newTestAgent(t, broker, "restarts")

	pub, err := a.NewPublisher().WithTopic("work").Add()
	require.NoError(t, err)

	delivered := make(chan struct{})
	sub, err := a.NewSubscriber().
		WithTopic("work").
		WithCallback(func(_ context.Context, _ *Context[testProps], msg transport.Message) error {
			if string(msg.Payload) == "boom" {
				panic("poison message")
			}
			close(delivered)
			return nil
		}).
		Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer a.Shutdown(ctx)

	for i := 0; i < 3; i++ {
		require.NoError(t, pub.Put(ctx, []byte("boom")))
	}
	require.NoError(t, pub.Put(ctx, []byte("fine")))

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not survive poison messages")
	}
	assert.Eventually(t, func() bool { return sub.Restarts() == 3 },
		2*time.Second, 10*time.Millisecond, "one restart per failure")
	assert.Equal(t, StateActive, a.State(), "callback failures never move the agent")
}

func TestQueryRoundTrip(t *testing.T) {
	broker := transport.NewBroker()
	server := newTestAgent(t, broker, "server")
	client := newTestAgent(t, broker, "client")

	_, err := server.NewQueryable().
		WithTopic("math/double").
		WithCallback(func(_ context.Context, _ *Context[testProps], req transport.Message) ([]byte, error) {
			return append([]byte("2x"), req.Payload...), nil
		}).
		Add()
	require.NoError(t, err)

	q, err := client.NewQuerier().WithTopic("math/double").Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, server.Start(ctx))
	require.NoError(t, client.Start(ctx))
	defer server.Shutdown(ctx)
	defer client.Shutdown(ctx)

	resp, err := q.Ask(ctx, []byte("21"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2x21"), resp)
}

func TestQuerierTimeout(t *testing.T) {
	broker := transport.NewBroker()
	client := newTestAgent(t, broker, "impatient")

	q, err := client.NewQuerier().WithTopic("void").WithTimeout(80 * time.Millisecond).Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Start(ctx))
	defer client.Shutdown(ctx)

	start := time.Now()
	_, err = q.Ask(ctx, []byte("anyone?"))
	elapsed := time.Since(start)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, StateActive, client.State(), "a timed out call never affects agent state")
}

func TestQueryablePanicBecomesErrorReply(t *testing.T) {
	broker := transport.NewBroker()
	server := newTestAgent(t, broker, "fragile")
	client := newTestAgent(t, broker, "caller")

	qa, err := server.NewQueryable().
		WithTopic("fragile/op").
		WithCallback(func(_ context.Context, _ *Context[testProps], _ transport.Message) ([]byte, error) {
			panic("handler exploded")
		}).
		Add()
	require.NoError(t, err)

	q, err := client.NewQuerier().WithTopic("fragile/op").Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, server.Start(ctx))
	require.NoError(t, client.Start(ctx))
	defer server.Shutdown(ctx)
	defer client.Shutdown(ctx)

	_, err = q.Ask(ctx, nil)
	var replyErr *transport.ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Contains(t, replyErr.Message, "handler exploded")
	assert.Equal(t, uint64(1), qa.Restarts())
	assert.Equal(t, StateActive, server.State())
}

func TestLivelinessSelfFilter(t *testing.T) {
	broker := transport.NewBroker()
	alpha := newTestAgent(t, broker, "alpha")
	beta := newTestAgent(t, broker, "beta")

	_, err := alpha.NewLivelinessSender().Add()
	require.NoError(t, err)
	_, err = beta.NewLivelinessSender().Add()
	require.NoError(t, err)

	events := make(chan transport.PresenceEvent, 16)
	_, err = beta.NewLivelinessSubscriber().
		WithCallback(func(_ context.Context, _ *Context[testProps], ev transport.PresenceEvent) error {
			events <- ev
			return nil
		}).
		Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, alpha.Start(ctx))
	require.NoError(t, beta.Start(ctx))
	defer beta.Shutdown(ctx)

	// alpha 在 watch 开始前已声明，应作为 joined 重放；beta 自身被过滤
	select {
	case ev := <-events:
		assert.Equal(t, alpha.ID(), ev.PeerID)
		assert.Equal(t, transport.PresenceJoined, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no replay of alpha's token")
	}

	require.NoError(t, alpha.Stop(ctx))
	select {
	case ev := <-events:
		assert.Equal(t, alpha.ID(), ev.PeerID)
		assert.Equal(t, transport.PresenceLeft, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no left event after alpha stopped")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for %q", ev.PeerID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLivelinessCustomTokenSelfFilter(t *testing.T) {
	broker := transport.NewBroker()
	alpha := newTestAgent(t, broker, "alpha")
	beta := newTestAgent(t, broker, "beta")

	_, err := alpha.NewLivelinessSender().WithToken("custom-token").Add()
	require.NoError(t, err)
	_, err = beta.NewLivelinessSender().Add()
	require.NoError(t, err)

	events := make(chan transport.PresenceEvent, 16)
	_, err = alpha.NewLivelinessSubscriber().
		WithCallback(func(_ context.Context, _ *Context[testProps], ev transport.PresenceEvent) error {
			events <- ev
			return nil
		}).
		Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, alpha.Start(ctx))
	require.NoError(t, beta.Start(ctx))
	defer alpha.Shutdown(ctx)
	defer beta.Shutdown(ctx)

	// 自定义令牌同样属于本 Agent，不会回传给自己的订阅者
	select {
	case ev := <-events:
		assert.Equal(t, beta.ID(), ev.PeerID)
		assert.Equal(t, transport.PresenceJoined, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no event for beta's token")
	}

	select {
	case ev := <-events:
		t.Fatalf("own token %q delivered to own subscriber", ev.PeerID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestObservationStream(t *testing.T) {
	broker := transport.NewBroker()
	station := newTestAgent(t, broker, "station")
	watcher := newTestAgent(t, broker, "watcher")

	_, err := station.NewObservable().
		WithTopic("countdown").
		WithCallback(func(ctx context.Context, _ *Context[testProps], req []byte, emit func([]byte) error) error {
			for _, v := range []string{"3", "2", "1"} {
				if err := emit([]byte(v)); err != nil {
					return err
				}
			}
			return nil
		}).
		Add()
	require.NoError(t, err)

	obs, err := watcher.NewObserver().WithTopic("countdown").Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, station.Start(ctx))
	require.NoError(t, watcher.Start(ctx))
	defer station.Shutdown(ctx)
	defer watcher.Shutdown(ctx)

	results, err := obs.Observe(ctx, []byte("go"))
	require.NoError(t, err)

	var items []string
	var terminal ObserverResult
	for r := range results {
		if r.Kind == ObservationItem {
			items = append(items, string(r.Payload))
			continue
		}
		terminal = r
	}
	assert.Equal(t, []string{"3", "2", "1"}, items)
	assert.Equal(t, ObservationDone, terminal.Kind)
}

func TestObservationError(t *testing.T) {
	broker := transport.NewBroker()
	station := newTestAgent(t, broker, "station")
	watcher := newTestAgent(t, broker, "watcher")

	_, err := station.NewObservable().
		WithTopic("doomed").
		WithCallback(func(_ context.Context, _ *Context[testProps], _ []byte, emit func([]byte) error) error {
			_ = emit([]byte("partial"))
			panic("producer exploded")
		}).
		Add()
	require.NoError(t, err)

	obs, err := watcher.NewObserver().WithTopic("doomed").Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, station.Start(ctx))
	require.NoError(t, watcher.Start(ctx))
	defer station.Shutdown(ctx)
	defer watcher.Shutdown(ctx)

	results, err := obs.Observe(ctx, nil)
	require.NoError(t, err)

	var terminal ObserverResult
	for r := range results {
		terminal = r
	}
	assert.Equal(t, ObservationError, terminal.Kind)
	require.Error(t, terminal.Err)
	assert.Contains(t, terminal.Err.Error(), "producer exploded")
	assert.Equal(t, StateActive, station.State())
}

func TestObservationCancelResolvesPromptly(t *testing.T) {
	broker := transport.NewBroker()
	station := newTestAgent(t, broker, "station")
	watcher := newTestAgent(t, broker, "watcher")

	_, err := station.NewObservable().
		WithTopic("endless").
		WithCallback(func(ctx context.Context, _ *Context[testProps], _ []byte, emit func([]byte) error) error {
			ticker := time.NewTicker(10 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if err := emit([]byte("tick")); err != nil {
						return err
					}
				}
			}
		}).
		Add()
	require.NoError(t, err)

	obs, err := watcher.NewObserver().WithTopic("endless").WithTimeout(10 * time.Second).Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, station.Start(ctx))
	require.NoError(t, watcher.Start(ctx))
	defer station.Shutdown(ctx)
	defer watcher.Shutdown(ctx)

	obsCtx, cancel := context.WithCancel(ctx)
	results, err := obs.Observe(obsCtx, nil)
	require.NoError(t, err)

	// consume a couple of items, then cancel
	<-results
	<-results
	start := time.Now()
	cancel()

	var terminal ObserverResult
	for r := range results {
		terminal = r
	}
	// 取消以 cancelled 收尾，而不是等到超时
	assert.Equal(t, ObservationCancelled, terminal.Kind)
	assert.Less(t, time.Since(start), time.Second)
}

func TestObservationTimeout(t *testing.T) {
	broker := transport.NewBroker()
	station := newTestAgent(t, broker, "station")
	watcher := newTestAgent(t, broker, "watcher")

	_, err := station.NewObservable().
		WithTopic("stalled").
		WithCallback(func(ctx context.Context, _ *Context[testProps], _ []byte, _ func([]byte) error) error {
			<-ctx.Done()
			return ctx.Err()
		}).
		Add()
	require.NoError(t, err)

	obs, err := watcher.NewObserver().WithTopic("stalled").WithTimeout(150 * time.Millisecond).Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, station.Start(ctx))
	require.NoError(t, watcher.Start(ctx))
	defer station.Shutdown(ctx)
	defer watcher.Shutdown(ctx)

	results, err := obs.Observe(ctx, nil)
	require.NoError(t, err)

	var terminal ObserverResult
	for r := range results {
		terminal = r
	}
	assert.Equal(t, ObservationTimeout, terminal.Kind)
	assert.True(t, IsTimeout(terminal.Err))
}

func TestTimerTicks(t *testing.T) {
	broker := transport.NewBroker()
	a := newTestAgent(t, broker, "clock")

	var ticks atomic.Int32
	_, err := a.NewTimer().
		WithName("heartbeat").
		WithInterval(20 * time.Millisecond).
		WithCallback(func(_ context.Context, _ *Context[testProps]) error {
			ticks.Add(1)
			return nil
		}).
		Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	assert.Eventually(t, func() bool { return ticks.Load() >= 3 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Stop(ctx))
	settled := ticks.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, ticks.Load(), "a stopped timer no longer ticks")
	require.NoError(t, a.Shutdown(ctx))
}

func TestFail(t *testing.T) {
	broker := transport.NewBroker()
	a := newTestAgent(t, broker, "doomed")

	pub, err := a.NewPublisher().WithTopic("events").Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	a.Fail(errors.New("stream lost"))
	assert.Equal(t, StateError, a.State())
	assert.Equal(t, "stream lost", a.LastFailure())
	assert.NotEqual(t, StateActive, pub.State())

	// Error 状态下仍可关闭
	require.NoError(t, a.Shutdown(ctx))
	assert.Equal(t, StateShutdown, a.State())
}

func TestControlSurface(t *testing.T) {
	broker := transport.NewBroker()
	a, err := New(Config{
		Name:           "controlled",
		Prefix:         "demo",
		DefaultTimeout: time.Second,
		EnableControl:  true,
	}, testProps{}, WithLogger[testProps](zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, a.ConfigureWith(broker.Connect()))

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	probe := broker.Connect()
	defer probe.Close()
	topic := "demo/" + ControlTopic(a.ID())

	resp, err := probe.Query(ctx, topic, []byte("ping"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), resp)

	resp, err = probe.Query(ctx, topic, []byte("about"), time.Second)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(resp, &snap))
	assert.Equal(t, "controlled", snap.Name)
	assert.Equal(t, "active", snap.State)

	// 控制面在 Inactive 依然可达
	require.NoError(t, a.Stop(ctx))
	resp, err = probe.Query(ctx, topic, []byte("ping"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), resp)

	resp, err = probe.Query(ctx, topic, []byte("shutdown"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("shutting down"), resp)
	assert.Eventually(t, func() bool { return a.State() == StateShutdown },
		2*time.Second, 10*time.Millisecond)
}

func TestSnapshot(t *testing.T) {
	broker := transport.NewBroker()
	a := newTestAgent(t, broker, "inspected")

	_, err := a.NewPublisher().WithTopic("out").Add()
	require.NoError(t, err)
	_, err = a.NewQuerier().WithTopic("ask").Add()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer a.Shutdown(ctx)

	snap := a.Snapshot()
	assert.Equal(t, "inspected", snap.Name)
	assert.Equal(t, a.ID(), snap.ID)
	assert.Equal(t, "active", snap.State)
	require.Len(t, snap.Primitives, 2)
	assert.Equal(t, KindPublisher, snap.Primitives[0].Kind)
	assert.Equal(t, "active", snap.Primitives[0].State)
}

func TestSnapshotDuringTransitions(t *testing.T) {
	broker := transport.NewBroker()
	a := newTestAgent(t, broker, "monitored")

	_, err := a.NewPublisher().WithTopic("out").Add()
	require.NoError(t, err)

	ctx := context.Background()

	// 快照与状态转换并发执行，race 检测器下必须干净
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			snap := a.Snapshot()
			if snap.Uptime < 0 {
				t.Error("negative uptime")
				return
			}
		}
	}()
	for i := 0; i < 25; i++ {
		require.NoError(t, a.Start(ctx))
		require.NoError(t, a.Stop(ctx))
	}
	<-done
	require.NoError(t, a.Shutdown(ctx))
}
