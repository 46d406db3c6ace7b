// Package payment accepts the debit notes and the invoice a provider issues
// against the run's agreement.
package payment

import (
	"context"
	"sync"
	"sync/atomic"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/paw-chain/crunch/market"
	"github.com/paw-chain/crunch/metrics"
	"github.com/paw-chain/crunch/types"
)

// Reconciler accepts cost notices for one agreement. Interim notices are
// accepted concurrently as they arrive; the first accepted final notice ends
// the invoice subscription.
type Reconciler struct {
	payments market.Payments
	logger   log.Logger
	metrics  *metrics.RequestorMetrics

	mu      sync.Mutex
	interim *market.Feed[types.CostNotice]
	final   *market.Feed[types.CostNotice]
	started bool

	wg      sync.WaitGroup
	settled atomic.Bool
}

// NewReconciler creates a reconciler.
func NewReconciler(payments market.Payments, logger log.Logger) *Reconciler {
	return &Reconciler{
		payments: payments,
		logger:   logger.With("module", "payment"),
		metrics:  metrics.NewRequestorMetrics(),
	}
}

// Start subscribes to both notice streams of agreementID and returns without
// waiting for any notice.
func (r *Reconciler) Start(ctx context.Context, agreementID string, alloc types.Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return sdkerrors.Wrap(types.ErrPayment, "reconciler already started")
	}

	interimSrc, err := r.payments.CostNotices(ctx, agreementID)
	if err != nil {
		return sdkerrors.Wrapf(types.ErrPayment, "subscribe to debit notes: %v", err)
	}
	finalSrc, err := r.payments.FinalNotices(ctx, agreementID)
	if err != nil {
		interimSrc.Stop()
		return sdkerrors.Wrapf(types.ErrPayment, "subscribe to invoices: %v", err)
	}

	r.interim = market.Filter(ctx, interimSrc, forAgreement(agreementID, types.NoticeInterim))
	r.final = market.Filter(ctx, finalSrc, forAgreement(agreementID, types.NoticeFinal))
	r.started = true

	// Acceptances run to completion even when the run is cancelled.
	acceptCtx := context.WithoutCancel(ctx)

	r.wg.Add(2)
	go r.drainInterim(acceptCtx, r.interim, alloc)
	go r.awaitFinal(acceptCtx, r.final, alloc)

	r.logger.Info("payment reconciliation started", "agreement_id", agreementID, "allocation_id", alloc.ID)
	return nil
}

func forAgreement(agreementID string, kind types.NoticeKind) func(types.CostNotice) bool {
	return func(n types.CostNotice) bool {
		return n.AgreementID == agreementID && n.Kind == kind
	}
}

func (r *Reconciler) drainInterim(ctx context.Context, feed *market.Feed[types.CostNotice], alloc types.Allocation) {
	defer r.wg.Done()
	for notice := range feed.Events() {
		r.wg.Add(1)
		go func(n types.CostNotice) {
			defer r.wg.Done()
			_ = r.accept(ctx, n, alloc)
		}(notice)
	}
}

func (r *Reconciler) awaitFinal(ctx context.Context, feed *market.Feed[types.CostNotice], alloc types.Allocation) {
	defer r.wg.Done()
	for notice := range feed.Events() {
		if err := r.accept(ctx, notice, alloc); err != nil {
			continue
		}
		r.settled.Store(true)
		feed.Stop()
		r.logger.Info("agreement settled", "agreement_id", notice.AgreementID, "invoice_id", notice.ID)
		return
	}
}

func (r *Reconciler) accept(ctx context.Context, notice types.CostNotice, alloc types.Allocation) error {
	kind := notice.Kind.String()
	amount := notice.AmountDue

	if err := notice.ValidateAcceptance(amount); err != nil {
		r.metrics.CostNotices.WithLabelValues(kind, "rejected").Inc()
		r.logger.Error("refusing cost notice", "kind", kind, "notice_id", notice.ID, "error", err)
		return err
	}

	if err := r.payments.AcceptCostNotice(ctx, notice, alloc, amount); err != nil {
		r.metrics.CostNotices.WithLabelValues(kind, "failed").Inc()
		r.logger.Error("failed to accept cost notice",
			"kind", kind,
			"notice_id", notice.ID,
			"amount", types.FormatAmount(amount),
			"error", err)
		return err
	}

	r.metrics.CostNotices.WithLabelValues(kind, "accepted").Inc()
	if f, err := amount.Float64(); err == nil {
		r.metrics.AmountAccepted.WithLabelValues(kind).Add(f)
	}
	r.logger.Info("cost notice accepted",
		"kind", kind,
		"notice_id", notice.ID,
		"amount", types.FormatAmount(amount))
	return nil
}

// Settled reports whether the final notice has been accepted.
func (r *Reconciler) Settled() bool {
	return r.settled.Load()
}

// Stop ends both subscriptions and waits for in-flight acceptances. It is safe
// to call more than once and before Start.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	interim, final := r.interim, r.final
	r.mu.Unlock()

	if interim != nil {
		interim.Stop()
	}
	if final != nil {
		final.Stop()
	}
	r.wg.Wait()
}
