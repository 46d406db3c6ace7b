package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/paw-chain/crunch/metrics"
	"github.com/paw-chain/crunch/types"
)

const (
	DefaultPollInterval    = time.Second
	DefaultRefreshInterval = 30 * time.Minute
)

// NegotiatorConfig tunes the negotiation loop.
type NegotiatorConfig struct {
	// PollInterval is how often the draft set is checked.
	PollInterval time.Duration
	// RefreshInterval is how often an unmatched demand is re-published.
	RefreshInterval time.Duration
}

// DefaultNegotiatorConfig returns the production settings.
func DefaultNegotiatorConfig() NegotiatorConfig {
	return NegotiatorConfig{
		PollInterval:    DefaultPollInterval,
		RefreshInterval: DefaultRefreshInterval,
	}
}

// Negotiator turns a demand specification into a signed agreement with the
// first provider that returns a draft proposal.
type Negotiator struct {
	market  DemandMarket
	config  NegotiatorConfig
	logger  log.Logger
	metrics *metrics.RequestorMetrics
}

// NewNegotiator creates a negotiator over the given market.
func NewNegotiator(market DemandMarket, config NegotiatorConfig, logger log.Logger) *Negotiator {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}
	return &Negotiator{
		market:  market,
		config:  config,
		logger:  logger.With("module", "negotiator"),
		metrics: metrics.NewRequestorMetrics(),
	}
}

// Negotiate publishes spec, counter-offers initial proposals and signs the
// first draft proposal received within timeout. Signing is not retried.
func (n *Negotiator) Negotiate(ctx context.Context, spec types.DemandSpecification, timeout time.Duration) (types.Agreement, error) {
	start := time.Now()
	drafts := &DraftSet{}

	sess, err := n.open(ctx, spec, drafts)
	if err != nil {
		return types.Agreement{}, err
	}

	draft, waitErr := n.awaitDraft(ctx, drafts, timeout)
	sess.close(ctx)
	if waitErr != nil {
		return types.Agreement{}, waitErr
	}

	n.logger.Info("selected draft proposal",
		"proposal_id", draft.ID,
		"provider", draft.Provider.Name,
		"provider_id", draft.Provider.ID,
		"drafts_received", drafts.Len())

	agreement, err := n.market.SignAgreement(ctx, draft)
	if err != nil {
		return types.Agreement{}, sdkerrors.Wrapf(types.ErrAgreementRejected, "provider %s: %v", draft.Provider.ID, err)
	}

	n.metrics.AgreementsSigned.Inc()
	n.metrics.NegotiationDuration.Observe(time.Since(start).Seconds())
	n.logger.Info("agreement signed", "agreement_id", agreement.ID, "provider", agreement.Provider.Name)
	return agreement, nil
}

// awaitDraft polls the draft set until it is non-empty or the deadline passes.
func (n *Negotiator) awaitDraft(ctx context.Context, drafts *DraftSet, timeout time.Duration) (types.Proposal, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(n.config.PollInterval)
	defer ticker.Stop()

	for {
		if draft, ok := drafts.First(); ok {
			return draft, nil
		}

		select {
		case <-ctx.Done():
			return types.Proposal{}, fmt.Errorf("%w: %w", types.ErrNegotiationTimeout, ctx.Err())
		case <-deadline.C:
			return types.Proposal{}, sdkerrors.Wrapf(types.ErrNegotiationTimeout, "after %s", timeout)
		case <-ticker.C:
			n.logger.Debug("waiting for proposals")
		}
	}
}

// session owns the live demand and its proposal feed for one negotiation.
type session struct {
	n      *Negotiator
	spec   types.DemandSpecification
	drafts *DraftSet

	demand types.Demand
	feed   *Feed[types.ProposalEvent]

	stop     chan struct{}
	loopDone chan struct{}

	counterCtx    context.Context
	cancelCounter context.CancelFunc
	counters      sync.WaitGroup
}

func (n *Negotiator) open(ctx context.Context, spec types.DemandSpecification, drafts *DraftSet) (*session, error) {
	s := &session{
		n:        n,
		spec:     spec,
		drafts:   drafts,
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	s.counterCtx, s.cancelCounter = context.WithCancel(ctx)

	if err := s.subscribe(ctx); err != nil {
		s.cancelCounter()
		return nil, err
	}

	go s.loop(ctx)
	return s, nil
}

// subscribe publishes the demand and opens its proposal feed.
func (s *session) subscribe(ctx context.Context) error {
	demand, err := s.n.market.PublishDemand(ctx, s.spec)
	if err != nil {
		return sdkerrors.Wrap(types.ErrDemand, err.Error())
	}

	feed, err := s.n.market.ProposalEvents(ctx, demand)
	if err != nil {
		if wErr := s.n.market.WithdrawDemand(ctx, demand); wErr != nil {
			s.n.logger.Error("failed to withdraw demand", "demand_id", demand.ID, "error", wErr)
		}
		return sdkerrors.Wrap(types.ErrDemand, err.Error())
	}

	s.demand = demand
	s.feed = feed
	s.n.logger.Info("demand published", "demand_id", demand.ID, "image", s.spec.ImageTag)
	return nil
}

// unsubscribe stops the feed and withdraws the current demand.
func (s *session) unsubscribe(ctx context.Context) {
	if s.feed != nil {
		s.feed.Stop()
		s.feed = nil
	}
	if s.demand.ID != "" {
		if err := s.n.market.WithdrawDemand(ctx, s.demand); err != nil {
			s.n.logger.Error("failed to withdraw demand", "demand_id", s.demand.ID, "error", err)
		}
		s.demand = types.Demand{}
	}
}

func (s *session) loop(ctx context.Context) {
	defer close(s.loopDone)

	refresh := time.NewTicker(s.n.config.RefreshInterval)
	defer refresh.Stop()

	for {
		var events <-chan types.ProposalEvent
		if s.feed != nil {
			events = s.feed.Events()
		}

		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-refresh.C:
			s.n.logger.Info("refreshing demand", "demand_id", s.demand.ID)
			s.unsubscribe(ctx)
			if err := s.subscribe(ctx); err != nil {
				s.n.logger.Error("failed to re-publish demand", "error", err)
			}
		case ev, ok := <-events:
			if !ok {
				s.n.logger.Error("proposal feed ended, waiting for demand refresh", "demand_id", s.demand.ID)
				s.feed = nil
				continue
			}
			s.handle(ev.Proposal)
		}
	}
}

// handle dispatches one proposal. Initial proposals are counter-offered
// without waiting for the outcome; drafts are retained in arrival order.
func (s *session) handle(p types.Proposal) {
	s.n.metrics.ProposalsReceived.WithLabelValues(p.State.String()).Inc()
	s.n.logger.Debug("received proposal", "proposal_id", p.ID, "provider", p.Provider.Name, "state", p.State.String())

	switch {
	case p.IsInitial():
		if p.Pricing != nil {
			if which, over := p.Pricing.Exceeds(s.spec.Pricing); over {
				s.n.metrics.ProposalsDiscarded.WithLabelValues("price_" + which).Inc()
				s.n.logger.Info("discarding proposal above price ceiling",
					"proposal_id", p.ID, "provider", p.Provider.Name, "ceiling", which)
				return
			}
		}
		s.counters.Add(1)
		go func() {
			defer s.counters.Done()
			if err := s.n.market.CounterOffer(s.counterCtx, p, s.spec); err != nil {
				s.n.metrics.CounterOffers.WithLabelValues("failed").Inc()
				s.n.logger.Error("counter-offer failed", "proposal_id", p.ID, "provider", p.Provider.Name, "error", err)
				return
			}
			s.n.metrics.CounterOffers.WithLabelValues("sent").Inc()
		}()
	case p.IsDraft():
		s.drafts.Add(p)
	default:
		s.n.metrics.ProposalsDiscarded.WithLabelValues("unknown_state").Inc()
	}
}

// close stops the feed loop, withdraws the demand and waits for in-flight
// counter-offers to observe cancellation.
func (s *session) close(ctx context.Context) {
	close(s.stop)
	<-s.loopDone
	s.cancelCounter()
	s.unsubscribe(context.WithoutCancel(ctx))
	s.counters.Wait()
}
