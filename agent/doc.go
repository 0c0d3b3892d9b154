// Package agent 提供多 Agent 系统的核心抽象：生命周期状态机、
// 受监督的回调任务、共享 Context 以及八种通信原语。
//
// An Agent owns a set of communication primitives built through chained
// builders:
//
//	a, _ := agent.New(agent.Config{Name: "worker"}, Props{})
//	_ = a.Configure(ctx, transport.Config{Mode: "memory"})
//	pub, _ := a.NewPublisher().WithTopic("events").Add()
//	_, _ = a.NewSubscriber().
//		WithTopic("commands").
//		WithCallback(onCommand).
//		Add()
//	_ = a.Start(ctx)
//
// Primitives follow the agent's lifecycle: each one carries an
// activation state and is activated once the agent reaches it, in
// registration order; deactivation runs in reverse. Callbacks run in
// supervised tasks — a panicking callback is contained at the task
// boundary and the task respawned, never taking down the agent.
package agent
