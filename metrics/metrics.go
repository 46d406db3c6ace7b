package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RequestorMetrics holds all Prometheus metrics for a crunch run
type RequestorMetrics struct {
	// Negotiation metrics
	ProposalsReceived   *prometheus.CounterVec
	ProposalsDiscarded  *prometheus.CounterVec
	CounterOffers       *prometheus.CounterVec
	NegotiationDuration prometheus.Histogram
	AgreementsSigned    prometheus.Counter

	// Pass metrics
	PassesCompleted   *prometheus.CounterVec
	PassDuration      prometheus.Histogram
	PassParseFailures prometheus.Counter
	ResultsFound      prometheus.Counter
	ComputeUnits      prometheus.Gauge

	// Upload metrics
	Uploads         *prometheus.CounterVec
	UploadsInFlight prometheus.Gauge
	UploadLatency   prometheus.Histogram
	JournalWrites   *prometheus.CounterVec

	// Payment metrics
	CostNotices    *prometheus.CounterVec
	AmountAccepted *prometheus.CounterVec

	// Lifecycle metrics
	RunState         *prometheus.GaugeVec
	TeardownFailures *prometheus.CounterVec
}

var (
	requestorMetricsOnce sync.Once
	requestorMetrics     *RequestorMetrics
)

// NewRequestorMetrics creates and registers requestor metrics (singleton pattern)
func NewRequestorMetrics() *RequestorMetrics {
	requestorMetricsOnce.Do(func() {
		requestorMetrics = &RequestorMetrics{
			ProposalsReceived: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "crunch",
					Subsystem: "market",
					Name:      "proposals_received_total",
					Help:      "Proposals received from providers by state",
				},
				[]string{"state"},
			),
			ProposalsDiscarded: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "crunch",
					Subsystem: "market",
					Name:      "proposals_discarded_total",
					Help:      "Proposals discarded without a counter-offer",
				},
				[]string{"reason"},
			),
			CounterOffers: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "crunch",
					Subsystem: "market",
					Name:      "counter_offers_total",
					Help:      "Counter-offers sent to initial proposals",
				},
				[]string{"status"},
			),
			NegotiationDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "crunch",
					Subsystem: "market",
					Name:      "negotiation_seconds",
					Help:      "Time from demand publication to a signed agreement",
					Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
				},
			),
			AgreementsSigned: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "crunch",
					Subsystem: "market",
					Name:      "agreements_signed_total",
					Help:      "Agreements signed with providers",
				},
			),

			PassesCompleted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "crunch",
					Subsystem: "pass",
					Name:      "completed_total",
					Help:      "Workload passes by outcome",
				},
				[]string{"status"},
			),
			PassDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "crunch",
					Subsystem: "pass",
					Name:      "duration_seconds",
					Help:      "Wall time of a workload pass including remote overhead",
					Buckets:   []float64{1, 10, 30, 60, 90, 120, 300, 600},
				},
			),
			PassParseFailures: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "crunch",
					Subsystem: "pass",
					Name:      "parse_failures_total",
					Help:      "Workload output lines that looked like results or markers but did not parse",
				},
			),
			ResultsFound: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "crunch",
					Subsystem: "pass",
					Name:      "results_total",
					Help:      "Result triples extracted from workload output",
				},
			),
			ComputeUnits: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "crunch",
					Subsystem: "pass",
					Name:      "compute_units",
					Help:      "Cumulative compute units reported for the current run",
				},
			),

			Uploads: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "crunch",
					Subsystem: "ledger",
					Name:      "uploads_total",
					Help:      "Result uploads by outcome",
				},
				[]string{"status"},
			),
			UploadsInFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "crunch",
					Subsystem: "ledger",
					Name:      "uploads_in_flight",
					Help:      "Uploads submitted but not yet completed",
				},
			),
			UploadLatency: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "crunch",
					Subsystem: "ledger",
					Name:      "upload_seconds",
					Help:      "Ledger upload latency",
					Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
				},
			),
			JournalWrites: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "crunch",
					Subsystem: "ledger",
					Name:      "journal_writes_total",
					Help:      "Dropped uploads recorded in the upload journal",
				},
				[]string{"status"},
			),

			CostNotices: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "crunch",
					Subsystem: "payment",
					Name:      "cost_notices_total",
					Help:      "Cost notices handled by kind and outcome",
				},
				[]string{"kind", "status"},
			),
			AmountAccepted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "crunch",
					Subsystem: "payment",
					Name:      "amount_accepted_total",
					Help:      "Currency accepted against the allocation",
				},
				[]string{"kind"},
			),

			RunState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "crunch",
					Subsystem: "run",
					Name:      "state",
					Help:      "1 for the current run controller state",
				},
				[]string{"state"},
			),
			TeardownFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "crunch",
					Subsystem: "run",
					Name:      "teardown_failures_total",
					Help:      "Teardown steps that returned an error",
				},
				[]string{"step"},
			),
		}
	})
	return requestorMetrics
}
