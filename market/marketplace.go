// Package market defines the marketplace collaborator contract consumed by the
// requestor and implements demand negotiation on top of it.
package market

import (
	"context"
	"time"

	"cosmossdk.io/math"

	"github.com/paw-chain/crunch/types"
)

// AllocationRequest describes the funds to reserve for one run.
type AllocationRequest struct {
	Budget          math.LegacyDec
	Expiration      time.Duration
	PaymentPlatform string
}

// Session covers connectivity to the marketplace node.
type Session interface {
	Connect(ctx context.Context) (types.Identity, error)
	Disconnect(ctx context.Context) error
}

// Funding manages allocations.
type Funding interface {
	CreateAllocation(ctx context.Context, req AllocationRequest) (types.Allocation, error)
	ReleaseAllocation(ctx context.Context, alloc types.Allocation) error
}

// DemandMarket is the subset used by the Negotiator.
type DemandMarket interface {
	PublishDemand(ctx context.Context, spec types.DemandSpecification) (types.Demand, error)
	WithdrawDemand(ctx context.Context, demand types.Demand) error
	ProposalEvents(ctx context.Context, demand types.Demand) (*Feed[types.ProposalEvent], error)
	CounterOffer(ctx context.Context, proposal types.Proposal, spec types.DemandSpecification) error
	SignAgreement(ctx context.Context, proposal types.Proposal) (types.Agreement, error)
	TerminateAgreement(ctx context.Context, agreement types.Agreement) error
}

// Activities manages remote execution units bound to an agreement.
type Activities interface {
	CreateExecutionUnit(ctx context.Context, agreement types.Agreement) (ExecutionUnit, error)
	DestroyExecutionUnit(ctx context.Context, unit ExecutionUnit) error
}

// Payments exposes cost notice streams and acceptance.
type Payments interface {
	CostNotices(ctx context.Context, agreementID string) (*Feed[types.CostNotice], error)
	FinalNotices(ctx context.Context, agreementID string) (*Feed[types.CostNotice], error)
	AcceptCostNotice(ctx context.Context, notice types.CostNotice, alloc types.Allocation, amount math.LegacyDec) error
}

// Marketplace is the full collaborator used by the run controller.
type Marketplace interface {
	Session
	Funding
	DemandMarket
	Activities
	Payments
}

// ExecutionUnit runs one command at a time inside the rented environment.
// Output is fully buffered.
type ExecutionUnit interface {
	ID() string
	Run(ctx context.Context, command string) (types.CommandResult, error)
}
