package types

import (
	"fmt"
	"time"

	"cosmossdk.io/math"
)

// Identity is the requestor node identity reported by the marketplace on connect.
type Identity struct {
	NodeID string
	Name   string
}

// Allocation reserves funds for one run. It is created before negotiation and
// released exactly once during teardown.
type Allocation struct {
	ID              string
	Address         string
	Budget          math.LegacyDec
	ExpiresAt       time.Time
	PaymentPlatform string
}

// PriceCeilings are the per-resource upper bounds a demand is willing to pay.
// They are never negotiated upward.
type PriceCeilings struct {
	MaxStartPrice      math.LegacyDec
	MaxCPUPerHourPrice math.LegacyDec
	MaxEnvPerHourPrice math.LegacyDec
}

// DemandSpecification is the protocol-level description of what we want to rent.
type DemandSpecification struct {
	ImageTag        string
	Capabilities    []string
	Engine          string
	Pricing         PriceCeilings
	RentHours       float64
	AllocationID    string
	PaymentPlatform string
	RequestorAddr   string
}

// Demand is a published demand handle.
type Demand struct {
	ID          string
	PublishedAt time.Time
	Spec        DemandSpecification
}

// ProposalState mirrors the marketplace negotiation state of a proposal.
type ProposalState int

const (
	ProposalStateUnknown ProposalState = iota
	ProposalStateInitial
	ProposalStateDraft
)

func (s ProposalState) String() string {
	switch s {
	case ProposalStateInitial:
		return "Initial"
	case ProposalStateDraft:
		return "Draft"
	default:
		return "Unknown"
	}
}

// ParseProposalState converts the marketplace wire value into a ProposalState.
func ParseProposalState(s string) ProposalState {
	switch s {
	case "Initial":
		return ProposalStateInitial
	case "Draft":
		return ProposalStateDraft
	default:
		return ProposalStateUnknown
	}
}

// ProviderInfo describes the counterparty of a proposal or agreement.
type ProviderInfo struct {
	ID            string
	WalletAddress string
	Name          string
}

// ProviderPricing is the linear price list a provider offers, normalised per hour.
type ProviderPricing struct {
	StartPrice      math.LegacyDec
	CPUPerHourPrice math.LegacyDec
	EnvPerHourPrice math.LegacyDec
}

// Exceeds reports which ceiling, if any, the pricing violates.
func (p ProviderPricing) Exceeds(c PriceCeilings) (string, bool) {
	switch {
	case exceeds(p.StartPrice, c.MaxStartPrice):
		return "start", true
	case exceeds(p.CPUPerHourPrice, c.MaxCPUPerHourPrice):
		return "cpu_per_hour", true
	case exceeds(p.EnvPerHourPrice, c.MaxEnvPerHourPrice):
		return "env_per_hour", true
	}
	return "", false
}

func exceeds(price, ceiling math.LegacyDec) bool {
	if price.IsNil() || ceiling.IsNil() {
		return false
	}
	return price.GT(ceiling)
}

// Proposal is a provider's response to our demand. Its state is owned by the
// marketplace; the requestor never mutates it.
type Proposal struct {
	ID       string
	DemandID string
	State    ProposalState
	Provider ProviderInfo
	Pricing  *ProviderPricing
}

func (p Proposal) IsInitial() bool { return p.State == ProposalStateInitial }
func (p Proposal) IsDraft() bool   { return p.State == ProposalStateDraft }

// ProposalEvent is one entry of the proposal feed.
type ProposalEvent struct {
	Proposal   Proposal
	ReceivedAt time.Time
}

// Agreement is the signed contract with exactly one provider.
type Agreement struct {
	ID           string
	ProposalID   string
	Provider     ProviderInfo
	AllocationID string
	SignedAt     time.Time
}

// NoticeKind distinguishes interim debit notes from the final invoice.
type NoticeKind int

const (
	NoticeInterim NoticeKind = iota
	NoticeFinal
)

func (k NoticeKind) String() string {
	if k == NoticeFinal {
		return "final"
	}
	return "interim"
}

// CostNotice is a payment claim scoped to an agreement.
type CostNotice struct {
	ID          string
	AgreementID string
	AmountDue   math.LegacyDec
	Kind        NoticeKind
	IssuedAt    time.Time
}

// ValidateAcceptance checks that amount may be accepted against this notice.
func (n CostNotice) ValidateAcceptance(amount math.LegacyDec) error {
	if amount.IsNil() || amount.IsNegative() {
		return fmt.Errorf("%w: accepted amount must be non-negative", ErrPayment)
	}
	if n.AmountDue.IsNil() || amount.GT(n.AmountDue) {
		return fmt.Errorf("%w: accepted amount %s exceeds claimed %s", ErrPayment, amount, n.AmountDue)
	}
	return nil
}

// CommandResult is the fully buffered output of one remote command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}
