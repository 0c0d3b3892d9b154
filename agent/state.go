package agent

import (
	"fmt"
	"strings"
)

// OperationState 定义 Agent 及通信原语的生命周期状态
// The ordered part of the range (Created..Active) supports comparison
// against a primitive's activation state; Shutdown and Error sit below
// Created so nothing counts as activated in those states.
type OperationState int8

const (
	// StateError 实体处于不可恢复的错误状态
	StateError OperationState = iota - 2
	// StateShutdown 终态，不可逆
	StateShutdown
	// StateCreated 初始状态
	StateCreated
	// StateConfigured 会话与属性已就绪
	StateConfigured
	// StateInactive 原语已注册但未运行
	StateInactive
	// StateActive 完全运行
	StateActive
)

// validTransitions 定义合法的状态转换
// Shutdown is reachable from everywhere, Error from every non-terminal
// state; those edges are handled in CanTransition directly.
var validTransitions = map[OperationState][]OperationState{
	StateCreated:    {StateConfigured},
	StateConfigured: {StateInactive},
	StateInactive:   {StateActive},
	StateActive:     {StateInactive},
	StateError:      {},
	StateShutdown:   {},
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to OperationState) bool {
	if from == to {
		return false
	}
	if from == StateShutdown {
		return false
	}
	if to == StateShutdown {
		return true
	}
	if to == StateError {
		return from != StateError
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s OperationState) String() string {
	switch s {
	case StateError:
		return "error"
	case StateShutdown:
		return "shutdown"
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("unknown(%d)", int8(s))
	}
}

// ParseState 解析状态名称，用于配置与控制面
func ParseState(v string) (OperationState, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "error":
		return StateError, nil
	case "shutdown":
		return StateShutdown, nil
	case "created":
		return StateCreated, nil
	case "configured":
		return StateConfigured, nil
	case "inactive":
		return StateInactive, nil
	case "active":
		return StateActive, nil
	default:
		return StateCreated, fmt.Errorf("unknown operation state %q", v)
	}
}

// ErrInvalidTransition 非法状态转换错误
type ErrInvalidTransition struct {
	From OperationState
	To   OperationState
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}
