// Package markettest provides an in-memory marketplace for exercising the
// requestor without a marketplace node.
package markettest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/math"

	"github.com/paw-chain/crunch/market"
	"github.com/paw-chain/crunch/types"
)

// Scripted is an event emitted After the given delay from subscription.
type Scripted[T any] struct {
	After time.Duration
	Event T
}

// Acceptance records one AcceptCostNotice call.
type Acceptance struct {
	Notice       types.CostNotice
	AllocationID string
	Amount       math.LegacyDec
}

// Marketplace is a scriptable market.Marketplace. Exported error fields make
// the matching call fail; event scripts are replayed per subscription.
type Marketplace struct {
	ConnectErr       error
	DisconnectErr    error
	AllocationErr    error
	ReleaseErr       error
	PublishErr       error
	WithdrawErr      error
	CounterOfferErr  error
	SignErr          error
	TerminateErr     error
	CreateUnitErr    error
	DestroyUnitErr   error
	AcceptErr        error
	ProposalEventErr error

	Proposals    []Scripted[types.ProposalEvent]
	CostNotes    []Scripted[types.CostNotice]
	FinalNotes   []Scripted[types.CostNotice]
	Unit         *Unit
	ProviderName string

	mu            sync.Mutex
	calls         []string
	counterOffers []types.Proposal
	accepted      []Acceptance
	demands       int
	feedsStopped  int
}

var _ market.Marketplace = (*Marketplace)(nil)

// New returns a marketplace backed by the given execution unit.
func New(unit *Unit) *Marketplace {
	if unit == nil {
		unit = &Unit{}
	}
	return &Marketplace{Unit: unit, ProviderName: "test-provider"}
}

func (m *Marketplace) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

// Calls returns the collaborator calls in invocation order.
func (m *Marketplace) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// Count returns how many times call was invoked.
func (m *Marketplace) Count(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == call {
			n++
		}
	}
	return n
}

// CounterOffers returns the proposals that received a counter-offer.
func (m *Marketplace) CounterOffers() []types.Proposal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Proposal, len(m.counterOffers))
	copy(out, m.counterOffers)
	return out
}

// Accepted returns the cost notice acceptances.
func (m *Marketplace) Accepted() []Acceptance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Acceptance, len(m.accepted))
	copy(out, m.accepted)
	return out
}

// FeedsStopped returns the number of subscriptions that were stopped.
func (m *Marketplace) FeedsStopped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feedsStopped
}

func (m *Marketplace) Connect(_ context.Context) (types.Identity, error) {
	m.record("Connect")
	if m.ConnectErr != nil {
		return types.Identity{}, m.ConnectErr
	}
	return types.Identity{NodeID: "0xrequestor", Name: "requestor"}, nil
}

func (m *Marketplace) Disconnect(_ context.Context) error {
	m.record("Disconnect")
	return m.DisconnectErr
}

func (m *Marketplace) CreateAllocation(_ context.Context, req market.AllocationRequest) (types.Allocation, error) {
	m.record("CreateAllocation")
	if m.AllocationErr != nil {
		return types.Allocation{}, m.AllocationErr
	}
	return types.Allocation{
		ID:              "alloc-1",
		Address:         "0xrequestor",
		Budget:          req.Budget,
		ExpiresAt:       time.Now().Add(req.Expiration),
		PaymentPlatform: req.PaymentPlatform,
	}, nil
}

func (m *Marketplace) ReleaseAllocation(_ context.Context, _ types.Allocation) error {
	m.record("ReleaseAllocation")
	return m.ReleaseErr
}

func (m *Marketplace) PublishDemand(_ context.Context, spec types.DemandSpecification) (types.Demand, error) {
	m.record("PublishDemand")
	if m.PublishErr != nil {
		return types.Demand{}, m.PublishErr
	}
	m.mu.Lock()
	m.demands++
	id := fmt.Sprintf("demand-%d", m.demands)
	m.mu.Unlock()
	return types.Demand{ID: id, PublishedAt: time.Now(), Spec: spec}, nil
}

func (m *Marketplace) WithdrawDemand(_ context.Context, _ types.Demand) error {
	m.record("WithdrawDemand")
	return m.WithdrawErr
}

func (m *Marketplace) ProposalEvents(ctx context.Context, demand types.Demand) (*market.Feed[types.ProposalEvent], error) {
	m.record("ProposalEvents")
	if m.ProposalEventErr != nil {
		return nil, m.ProposalEventErr
	}
	script := make([]Scripted[types.ProposalEvent], len(m.Proposals))
	for i, s := range m.Proposals {
		s.Event.Proposal.DemandID = demand.ID
		script[i] = s
	}
	return replay(ctx, m, script), nil
}

func (m *Marketplace) CounterOffer(_ context.Context, p types.Proposal, _ types.DemandSpecification) error {
	m.record("CounterOffer")
	m.mu.Lock()
	m.counterOffers = append(m.counterOffers, p)
	m.mu.Unlock()
	return m.CounterOfferErr
}

func (m *Marketplace) SignAgreement(_ context.Context, p types.Proposal) (types.Agreement, error) {
	m.record("SignAgreement")
	if m.SignErr != nil {
		return types.Agreement{}, m.SignErr
	}
	return types.Agreement{
		ID:         "agreement-" + p.ID,
		ProposalID: p.ID,
		Provider:   p.Provider,
		SignedAt:   time.Now(),
	}, nil
}

func (m *Marketplace) TerminateAgreement(_ context.Context, _ types.Agreement) error {
	m.record("TerminateAgreement")
	return m.TerminateErr
}

func (m *Marketplace) CreateExecutionUnit(_ context.Context, _ types.Agreement) (market.ExecutionUnit, error) {
	m.record("CreateExecutionUnit")
	if m.CreateUnitErr != nil {
		return nil, m.CreateUnitErr
	}
	return m.Unit, nil
}

func (m *Marketplace) DestroyExecutionUnit(_ context.Context, _ market.ExecutionUnit) error {
	m.record("DestroyExecutionUnit")
	return m.DestroyUnitErr
}

func (m *Marketplace) CostNotices(ctx context.Context, _ string) (*market.Feed[types.CostNotice], error) {
	m.record("CostNotices")
	return replay(ctx, m, m.CostNotes), nil
}

func (m *Marketplace) FinalNotices(ctx context.Context, _ string) (*market.Feed[types.CostNotice], error) {
	m.record("FinalNotices")
	return replay(ctx, m, m.FinalNotes), nil
}

func (m *Marketplace) AcceptCostNotice(_ context.Context, n types.CostNotice, alloc types.Allocation, amount math.LegacyDec) error {
	m.record("AcceptCostNotice")
	if m.AcceptErr != nil {
		return m.AcceptErr
	}
	m.mu.Lock()
	m.accepted = append(m.accepted, Acceptance{Notice: n, AllocationID: alloc.ID, Amount: amount})
	m.mu.Unlock()
	return nil
}

// replay emits the script relative to subscription time and then idles until stopped.
func replay[T any](ctx context.Context, m *Marketplace, script []Scripted[T]) *market.Feed[T] {
	return market.StartFeed(ctx, 0, func(ctx context.Context, emit market.Emit[T]) {
		defer func() {
			m.mu.Lock()
			m.feedsStopped++
			m.mu.Unlock()
		}()
		start := time.Now()
		for _, s := range script {
			if wait := time.Until(start.Add(s.After)); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}
			if !emit(s.Event) {
				return
			}
		}
		<-ctx.Done()
	})
}
