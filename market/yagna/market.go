package yagna

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	sdkerrors "cosmossdk.io/errors"

	"github.com/paw-chain/crunch/market"
	"github.com/paw-chain/crunch/types"
)

const (
	pathDemands    = "/market-api/v1/demands"
	pathAgreements = "/market-api/v1/agreements"

	eventProposal = "ProposalEvent"

	maxProposalEvents = 10
	proposalBuffer    = 32

	agreementApproved = "Approved"
	requestorCodeProp = "golem.requestor.code"
	requestorCodeDone = "Success"
)

type marketEvent struct {
	EventType string        `json:"eventType"`
	EventDate string        `json:"eventDate"`
	Proposal  *proposalBody `json:"proposal,omitempty"`
	Reason    any           `json:"reason,omitempty"`
}

// publishedDemand is kept until no draft of the demand can still be signed.
type publishedDemand struct {
	spec      types.DemandSpecification
	withdrawn bool
}

func (c *Client) demandBody(ctx context.Context, spec types.DemandSpecification) (demandBody, error) {
	pkg, err := c.resolveImage(ctx, spec.ImageTag)
	if err != nil {
		return demandBody{}, err
	}
	return buildDemandBody(spec, pkg, c.config.Subnet, time.Now()), nil
}

// PublishDemand subscribes spec on the market.
func (c *Client) PublishDemand(ctx context.Context, spec types.DemandSpecification) (types.Demand, error) {
	body, err := c.demandBody(ctx, spec)
	if err != nil {
		return types.Demand{}, err
	}

	var id string
	if err := c.do(ctx, http.MethodPost, pathDemands, nil, body, &id); err != nil {
		return types.Demand{}, err
	}
	if id == "" {
		return types.Demand{}, fmt.Errorf("daemon returned an empty demand id")
	}

	c.mu.Lock()
	c.demands[id] = &publishedDemand{spec: spec}
	c.mu.Unlock()

	return types.Demand{ID: id, PublishedAt: time.Now(), Spec: spec}, nil
}

// WithdrawDemand unsubscribes the demand. Unknown demands are ignored. Drafts
// already received for it stay signable until the next SignAgreement returns.
func (c *Client) WithdrawDemand(ctx context.Context, demand types.Demand) error {
	err := c.do(ctx, http.MethodDelete, pathDemands+"/"+url.PathEscape(demand.ID), nil, nil, nil)
	if IsStatus(err, http.StatusNotFound) || IsStatus(err, http.StatusGone) {
		err = nil
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	if d, ok := c.demands[demand.ID]; ok {
		d.withdrawn = true
	}
	c.mu.Unlock()
	return nil
}

// pruneWithdrawn forgets every withdrawn demand.
func (c *Client) pruneWithdrawn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, d := range c.demands {
		if d.withdrawn {
			delete(c.demands, id)
		}
	}
}

// ProposalEvents long-polls the demand's event queue. The feed ends when the
// demand is withdrawn on the daemon side.
func (c *Client) ProposalEvents(ctx context.Context, demand types.Demand) (*market.Feed[types.ProposalEvent], error) {
	if demand.ID == "" {
		return nil, fmt.Errorf("demand has no id")
	}
	path := pathDemands + "/" + url.PathEscape(demand.ID) + "/events"
	platform := demand.Spec.PaymentPlatform

	return market.StartFeed(ctx, proposalBuffer, func(ctx context.Context, emit market.Emit[types.ProposalEvent]) {
		q := url.Values{}
		q.Set("timeout", pollSeconds(c.config.PollTimeout))
		q.Set("maxEvents", strconv.Itoa(maxProposalEvents))

		failures := 0
		for ctx.Err() == nil {
			var events []marketEvent
			err := c.do(ctx, http.MethodGet, path, q, nil, &events)
			switch {
			case err == nil:
				failures = 0
			case ctx.Err() != nil:
				return
			case IsStatus(err, http.StatusNotFound) || IsStatus(err, http.StatusGone):
				c.logger.Info("demand no longer subscribed", "demand_id", demand.ID)
				return
			default:
				failures++
				c.logger.Error("failed to poll proposals", "demand_id", demand.ID, "attempt", failures, "error", err)
				if !sleep(ctx, backoff(failures)) {
					return
				}
				continue
			}

			for _, ev := range events {
				if ev.EventType != eventProposal || ev.Proposal == nil {
					c.logger.Debug("skipping market event", "type", ev.EventType, "reason", ev.Reason)
					continue
				}
				if !emit(types.ProposalEvent{
					Proposal:   toProposal(*ev.Proposal, demand.ID, platform),
					ReceivedAt: time.Now(),
				}) {
					return
				}
			}
		}
	}), nil
}

// CounterOffer answers an initial proposal with our demand so the provider
// can reply with a draft.
func (c *Client) CounterOffer(ctx context.Context, proposal types.Proposal, spec types.DemandSpecification) error {
	body, err := c.demandBody(ctx, spec)
	if err != nil {
		return err
	}
	path := pathDemands + "/" + url.PathEscape(proposal.DemandID) + "/proposals/" + url.PathEscape(proposal.ID)
	var counterID string
	if err := c.do(ctx, http.MethodPost, path, nil, body, &counterID); err != nil {
		return err
	}
	c.logger.Debug("counter proposal sent", "proposal_id", proposal.ID, "counter_id", counterID)
	return nil
}

type agreementRequest struct {
	ProposalID string `json:"proposalId"`
	ValidTo    string `json:"validTo"`
}

// SignAgreement creates an agreement from a draft proposal, confirms it and
// waits for the provider's approval.
func (c *Client) SignAgreement(ctx context.Context, proposal types.Proposal) (types.Agreement, error) {
	c.mu.RLock()
	var spec types.DemandSpecification
	if d, ok := c.demands[proposal.DemandID]; ok {
		spec = d.spec
	}
	c.mu.RUnlock()
	defer c.pruneWithdrawn()

	validFor := time.Hour
	if spec.RentHours > 0 {
		validFor = time.Duration(spec.RentHours * float64(time.Hour))
	}

	req := agreementRequest{
		ProposalID: proposal.ID,
		ValidTo:    time.Now().Add(validFor).UTC().Format(time.RFC3339),
	}
	var id string
	if err := c.do(ctx, http.MethodPost, pathAgreements, nil, req, &id); err != nil {
		return types.Agreement{}, fmt.Errorf("create agreement: %w", err)
	}
	if id == "" {
		return types.Agreement{}, fmt.Errorf("daemon returned an empty agreement id")
	}

	agreementPath := pathAgreements + "/" + url.PathEscape(id)
	var confirm url.Values
	if c.config.AppSessionID != "" {
		confirm = url.Values{"appSessionId": {c.config.AppSessionID}}
	}
	if err := c.do(ctx, http.MethodPost, agreementPath+"/confirm", confirm, nil, nil); err != nil {
		return types.Agreement{}, fmt.Errorf("confirm agreement %s: %w", id, err)
	}

	q := url.Values{}
	q.Set("timeout", pollSeconds(c.config.PollTimeout))
	var state string
	if err := c.do(ctx, http.MethodPost, agreementPath+"/wait", q, nil, &state); err != nil {
		return types.Agreement{}, fmt.Errorf("wait for agreement %s: %w", id, err)
	}
	if state != agreementApproved {
		return types.Agreement{}, sdkerrors.Wrapf(types.ErrAgreementRejected, "agreement %s is %s", id, state)
	}

	return types.Agreement{
		ID:           id,
		ProposalID:   proposal.ID,
		Provider:     proposal.Provider,
		AllocationID: spec.AllocationID,
		SignedAt:     time.Now(),
	}, nil
}

// TerminateAgreement ends the agreement on the requestor's side.
func (c *Client) TerminateAgreement(ctx context.Context, agreement types.Agreement) error {
	body := map[string]string{
		"message":         "work finished",
		requestorCodeProp: requestorCodeDone,
	}
	err := c.do(ctx, http.MethodPost, pathAgreements+"/"+url.PathEscape(agreement.ID)+"/terminate", nil, body, nil)
	if IsStatus(err, http.StatusGone) {
		c.logger.Info("agreement already terminated", "agreement_id", agreement.ID)
		return nil
	}
	return err
}
