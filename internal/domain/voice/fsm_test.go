package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateCreated, StateActive, true},
		{StateCreated, StateFinalizing, true},
		{StateCreated, StateErrored, true},
		{StateActive, StateActive, true},
		{StateActive, StateFinalizing, true},
		{StateActive, StateClosed, false},
		{StateFinalizing, StateClosed, true},
		{StateFinalizing, StateErrored, true},
		{StateFinalizing, StateActive, false},
		{StateClosed, StateActive, false},
		{StateClosed, StateErrored, false},
		{StateErrored, StateClosed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestSessionTransition_RejectedLeavesStateUnchanged(t *testing.T) {
	s := &Session{State: StateClosed}
	err := s.transition(StateActive)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateClosed, s.State)

	s = &Session{State: StateCreated}
	require.NoError(t, s.transition(StateActive))
	assert.Equal(t, StateActive, s.State)
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateCreated.Open())
	assert.True(t, StateFinalizing.Open())
	assert.False(t, StateClosed.Open())
	assert.True(t, StateErrored.Terminal())
	assert.False(t, StateActive.Terminal())
}
