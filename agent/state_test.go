package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateOrdering(t *testing.T) {
	// 激活阈值比较依赖状态的有序性
	assert.Less(t, StateError, StateCreated)
	assert.Less(t, StateShutdown, StateCreated)
	assert.Less(t, StateCreated, StateConfigured)
	assert.Less(t, StateConfigured, StateInactive)
	assert.Less(t, StateInactive, StateActive)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from OperationState
		to   OperationState
		want bool
	}{
		{"created to configured", StateCreated, StateConfigured, true},
		{"configured to inactive", StateConfigured, StateInactive, true},
		{"inactive to active", StateInactive, StateActive, true},
		{"active to inactive", StateActive, StateInactive, true},
		{"created to active skips steps", StateCreated, StateActive, false},
		{"configured to active skips steps", StateConfigured, StateActive, false},
		{"active to configured", StateActive, StateConfigured, false},
		{"no self transition", StateActive, StateActive, false},
		{"shutdown from created", StateCreated, StateShutdown, true},
		{"shutdown from active", StateActive, StateShutdown, true},
		{"shutdown from error", StateError, StateShutdown, true},
		{"shutdown is terminal", StateShutdown, StateCreated, false},
		{"shutdown cannot fail", StateShutdown, StateError, false},
		{"error from active", StateActive, StateError, true},
		{"error from created", StateCreated, StateError, true},
		{"error is sticky", StateError, StateActive, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStateStringRoundTrip(t *testing.T) {
	states := []OperationState{
		StateError, StateShutdown, StateCreated,
		StateConfigured, StateInactive, StateActive,
	}
	for _, s := range states {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
}

func TestParseStateUnknown(t *testing.T) {
	_, err := ParseState("halfway-there")
	require.Error(t, err)
}

func TestParseStateNormalizes(t *testing.T) {
	s, err := ParseState("  Active ")
	require.NoError(t, err)
	assert.Equal(t, StateActive, s)
}

func TestInvalidTransitionError(t *testing.T) {
	err := &ErrInvalidTransition{From: StateCreated, To: StateActive}
	assert.Contains(t, err.Error(), "created")
	assert.Contains(t, err.Error(), "active")
}
