package config

import (
	"time"

	sdkerrors "cosmossdk.io/errors"

	"github.com/paw-chain/crunch/types"
)

// RentalMargin is added on top of the pass time for the rental, and again on
// top of the rental for the allocation.
const RentalMargin = 6 * time.Minute

// maxRental keeps the plan well inside time.Duration range.
const maxRental = 30 * 24 * time.Hour

// RentalPlan sizes the rental and the allocation that funds it. A plan can only
// be built through NewRentalPlan, which guarantees Allocation > Rental.
type RentalPlan struct {
	passDuration time.Duration
	passCount    int
	rental       time.Duration
	allocation   time.Duration
}

// NewRentalPlan computes rental = passDuration*passCount + margin and
// allocation = rental + margin.
func NewRentalPlan(passDuration time.Duration, passCount int) (RentalPlan, error) {
	if passDuration <= 0 {
		return RentalPlan{}, sdkerrors.Wrapf(types.ErrInvalidConfig, "pass duration must be positive, got %s", passDuration)
	}
	if passCount <= 0 {
		return RentalPlan{}, sdkerrors.Wrapf(types.ErrInvalidConfig, "pass count must be positive, got %d", passCount)
	}
	if passDuration > maxRental/time.Duration(passCount) {
		return RentalPlan{}, sdkerrors.Wrapf(types.ErrInvalidConfig, "%d passes of %s exceed the maximum rental of %s",
			passCount, passDuration, maxRental)
	}

	rental := passDuration*time.Duration(passCount) + RentalMargin
	plan := RentalPlan{
		passDuration: passDuration,
		passCount:    passCount,
		rental:       rental,
		allocation:   rental + RentalMargin,
	}
	if plan.allocation <= plan.rental {
		return RentalPlan{}, sdkerrors.Wrapf(types.ErrInvalidConfig, "allocation %s does not outlive rental %s",
			plan.allocation, plan.rental)
	}
	return plan, nil
}

// Rental is how long the provider is rented for.
func (p RentalPlan) Rental() time.Duration { return p.rental }

// Allocation is how long the funding allocation stays valid.
func (p RentalPlan) Allocation() time.Duration { return p.allocation }

// RentHours is the rental expressed in hours, as published in the demand.
func (p RentalPlan) RentHours() float64 { return p.rental.Hours() }

// PassDuration is the length of one pass.
func (p RentalPlan) PassDuration() time.Duration { return p.passDuration }

// PassCount is the number of passes.
func (p RentalPlan) PassCount() int { return p.passCount }
