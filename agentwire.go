// Package agentwire 是一个多 Agent 通信框架：
// 生命周期状态机、受监督的回调任务、共享 Context 与八种通信原语，
// 运行在可插拔的传输会话之上（内存或 Redis）。
//
// 入口见 agent 子包；传输实现见 transport 子包。
package agentwire

// Version 当前版本号
const Version = "0.3.0"
