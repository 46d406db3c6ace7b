package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/paw-chain/crunch/types"
)

func TestNewRentalPlanDefaults(t *testing.T) {
	plan, err := NewRentalPlan(60*time.Second, 10)
	require.NoError(t, err)

	require.Equal(t, 16*time.Minute, plan.Rental())
	require.Equal(t, 22*time.Minute, plan.Allocation())
	require.InDelta(t, 16.0/60.0, plan.RentHours(), 1e-9)
	require.Equal(t, 60*time.Second, plan.PassDuration())
	require.Equal(t, 10, plan.PassCount())
}

func TestNewRentalPlanRejectsInvalidInput(t *testing.T) {
	_, err := NewRentalPlan(0, 10)
	require.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = NewRentalPlan(time.Second, 0)
	require.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = NewRentalPlan(24*time.Hour, 365)
	require.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestRentalPlanAllocationOutlivesRentalProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		seconds := rapid.IntRange(1, 3600).Draw(t, "pass_seconds")
		count := rapid.IntRange(1, 500).Draw(t, "pass_count")

		plan, err := NewRentalPlan(time.Duration(seconds)*time.Second, count)
		require.NoError(t, err)
		require.Greater(t, plan.Allocation(), plan.Rental())
		require.GreaterOrEqual(t, plan.Rental(), time.Duration(seconds*count)*time.Second)
	})
}
