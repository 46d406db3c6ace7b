package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paw-chain/crunch/types"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateAllocationAcquired, true},
		{StateIdle, StateFailed, true},
		{StateIdle, StateRunning, false},
		{StateAllocationAcquired, StateNegotiating, true},
		{StateNegotiating, StateAgreementSigned, true},
		{StateNegotiating, StateFinalizing, true},
		{StateNegotiating, StateProvisioning, false},
		{StateAgreementSigned, StateProvisioning, true},
		{StateProvisioning, StateRunning, true},
		{StateRunning, StateFinalizing, true},
		{StateRunning, StateSucceeded, false},
		{StateFinalizing, StateSucceeded, true},
		{StateFinalizing, StateFailed, true},
		{StateSucceeded, StateIdle, false},
		{StateFailed, StateFinalizing, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			require.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEveryActiveStateCanFinalize(t *testing.T) {
	for _, s := range AllStates {
		if s == StateFinalizing || s.Terminal() {
			continue
		}
		require.True(t, CanTransition(s, StateFinalizing), s.String())
	}
}

func TestMachineTransition(t *testing.T) {
	m := NewMachine()
	require.Equal(t, StateIdle, m.State())

	var seen [][2]State
	m.OnTransition(func(from, to State) { seen = append(seen, [2]State{from, to}) })

	require.NoError(t, m.Transition(StateAllocationAcquired))
	require.ErrorIs(t, m.Transition(StateSucceeded), types.ErrInvalidTransition)
	require.Equal(t, StateAllocationAcquired, m.State())

	require.NoError(t, m.Transition(StateFinalizing))
	require.NoError(t, m.Transition(StateFailed))
	require.True(t, m.State().Terminal())

	require.Equal(t, [][2]State{
		{StateIdle, StateAllocationAcquired},
		{StateAllocationAcquired, StateFinalizing},
		{StateFinalizing, StateFailed},
	}, seen)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "agreement_signed", StateAgreementSigned.String())
	require.Equal(t, "unknown", State(99).String())
}
