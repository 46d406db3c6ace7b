// Package app wires the requestor components into one run: allocate funds,
// negotiate a provider, run the workload passes and always tear down.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/paw-chain/crunch/app/telemetry"
	"github.com/paw-chain/crunch/config"
	"github.com/paw-chain/crunch/crunch"
	"github.com/paw-chain/crunch/ledger"
	"github.com/paw-chain/crunch/market"
	"github.com/paw-chain/crunch/metrics"
	"github.com/paw-chain/crunch/payment"
	"github.com/paw-chain/crunch/types"
)

// DefaultTeardownTimeout bounds the whole teardown sequence.
const DefaultTeardownTimeout = 2 * time.Minute

// JobLedger is the job ledger used by a run.
type JobLedger interface {
	crunch.Uploader
	OpenJob(ctx context.Context, requestorID string, miner ledger.Miner) (string, error)
	CloseJob(ctx context.Context, jobID string) error
}

// Settings are the per-run parameters. An empty RunID is replaced by a random
// one.
type Settings struct {
	RunID              string
	Plan               config.RentalPlan
	Budget             math.LegacyDec
	PaymentPlatform    string
	CruncherVersion    string
	Pricing            types.PriceCeilings
	NegotiationTimeout time.Duration
	Negotiator         market.NegotiatorConfig
	Passes             crunch.Config
	ProviderExtraInfo  string
	TeardownTimeout    time.Duration
}

// SettingsFromConfig derives run settings from the loaded configuration.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	plan, err := cfg.RentalPlan()
	if err != nil {
		return Settings{}, err
	}

	passes := crunch.DefaultConfig()
	passes.PassCount = cfg.PassCount
	passes.PassDuration = cfg.PassDuration
	passes.PassTimeout = cfg.PassTimeout
	passes.PublicKey = cfg.PublicKey

	return Settings{
		Plan:               plan,
		Budget:             cfg.Budget,
		PaymentPlatform:    cfg.PaymentPlatform,
		CruncherVersion:    cfg.CruncherVersion,
		Pricing:            cfg.Pricing,
		NegotiationTimeout: cfg.NegotiationTimeout,
		Negotiator: market.NegotiatorConfig{
			PollInterval:    market.DefaultPollInterval,
			RefreshInterval: cfg.DemandRefreshInterval,
		},
		Passes:            passes,
		ProviderExtraInfo: cfg.ProviderExtraInfo,
		TeardownTimeout:   DefaultTeardownTimeout,
	}, nil
}

// Dependencies are the collaborators of a run. Journal, Tracer and Meter are
// optional.
type Dependencies struct {
	Market  market.Marketplace
	Ledger  JobLedger
	Journal ledger.Journal
	Tracer  trace.Tracer
	Meter   metric.Meter
}

// Status is the externally visible snapshot of a run.
type Status struct {
	RunID        string `json:"run_id"`
	State        string `json:"state"`
	AllocationID string `json:"allocation_id,omitempty"`
	AgreementID  string `json:"agreement_id,omitempty"`
	Provider     string `json:"provider,omitempty"`
	JobID        string `json:"job_id,omitempty"`
	ComputeUnits uint64 `json:"compute_units"`
	Settled      bool   `json:"settled"`
	Error        string `json:"error,omitempty"`
}

// resources holds everything acquired so far; teardown releases what is set.
type resources struct {
	allocation *types.Allocation
	agreement  *types.Agreement
	unit       market.ExecutionUnit
	jobID      string
	reconciler *payment.Reconciler
}

// Controller runs one requestor lifecycle.
type Controller struct {
	settings Settings
	market   market.Marketplace
	ledger   JobLedger
	journal  ledger.Journal
	tracer   trace.Tracer
	logger   log.Logger
	metrics  *metrics.RequestorMetrics

	runDuration metric.Float64Histogram
	runOutcomes metric.Int64Counter

	runID        string
	machine      *Machine
	orchestrator *crunch.Orchestrator
	reconciler   *payment.Reconciler

	mu     sync.RWMutex
	status Status
}

// NewController validates settings and creates a controller in StateIdle.
func NewController(settings Settings, deps Dependencies, logger log.Logger) (*Controller, error) {
	if deps.Market == nil {
		return nil, sdkerrors.Wrap(types.ErrInvalidConfig, "marketplace is required")
	}
	if deps.Ledger == nil {
		return nil, sdkerrors.Wrap(types.ErrInvalidConfig, "job ledger is required")
	}
	if settings.Plan.PassCount() != settings.Passes.PassCount || settings.Plan.PassDuration() != settings.Passes.PassDuration {
		return nil, sdkerrors.Wrapf(types.ErrInvalidConfig, "rental plan (%d x %s) does not match passes (%s)",
			settings.Plan.PassCount(), settings.Plan.PassDuration(), settings.Passes)
	}
	if err := settings.Passes.Validate(); err != nil {
		return nil, err
	}
	if settings.Budget.IsNil() || !settings.Budget.IsPositive() {
		return nil, sdkerrors.Wrap(types.ErrInvalidConfig, "allocation budget must be positive")
	}
	if settings.NegotiationTimeout <= 0 {
		return nil, sdkerrors.Wrap(types.ErrInvalidConfig, "negotiation timeout must be positive")
	}
	if settings.TeardownTimeout <= 0 {
		settings.TeardownTimeout = DefaultTeardownTimeout
	}
	if deps.Journal == nil {
		deps.Journal = ledger.NopJournal{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("crunch-requestor")
	}
	if deps.Meter == nil {
		deps.Meter = otel.Meter("crunch-requestor")
	}

	runID := settings.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger = logger.With("module", "controller", "run_id", runID)

	runDuration, err := deps.Meter.Float64Histogram("crunch.run.duration",
		metric.WithDescription("Wall time of a requestor run"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	runOutcomes, err := deps.Meter.Int64Counter("crunch.run.outcomes",
		metric.WithDescription("Finished runs by outcome"))
	if err != nil {
		return nil, err
	}

	c := &Controller{
		settings:     settings,
		market:       deps.Market,
		ledger:       deps.Ledger,
		journal:      deps.Journal,
		tracer:       deps.Tracer,
		logger:       logger,
		metrics:      metrics.NewRequestorMetrics(),
		runDuration:  runDuration,
		runOutcomes:  runOutcomes,
		runID:        runID,
		machine:      NewMachine(),
		orchestrator: crunch.NewOrchestrator(settings.Passes, deps.Ledger, deps.Journal, logger),
		reconciler:   payment.NewReconciler(deps.Market, logger),
		status:       Status{RunID: runID, State: StateIdle.String()},
	}

	c.machine.OnTransition(c.recordTransition)
	c.recordTransition(StateIdle, StateIdle)
	return c, nil
}

// RunID identifies this run in logs, spans and the status endpoint.
func (c *Controller) RunID() string { return c.runID }

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.machine.State() }

// OnTransition registers an observer of state changes.
func (c *Controller) OnTransition(fn TransitionFunc) { c.machine.OnTransition(fn) }

// Status returns a snapshot for the status endpoint.
func (c *Controller) Status() Status {
	c.mu.RLock()
	s := c.status
	c.mu.RUnlock()
	s.ComputeUnits = c.orchestrator.Cumulative()
	s.Settled = c.reconciler.Settled()
	return s
}

// StatusFunc adapts Status for the metrics server.
func (c *Controller) StatusFunc() metrics.StatusFunc {
	return func() any { return c.Status() }
}

func (c *Controller) recordTransition(from, to State) {
	c.metrics.RunState.WithLabelValues(from.String()).Set(0)
	c.metrics.RunState.WithLabelValues(to.String()).Set(1)

	c.mu.Lock()
	c.status.State = to.String()
	c.mu.Unlock()

	if from != to {
		c.logger.Info("run state changed", "from", from.String(), "to", to.String())
	}
}

func (c *Controller) updateStatus(fn func(*Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
}

func (c *Controller) transition(to State) error {
	if err := c.machine.Transition(to); err != nil {
		c.logger.Error("rejected state transition", "error", err)
		return err
	}
	return nil
}

// Run executes the whole lifecycle. Teardown always runs once anything has
// been acquired, and the first fatal error is returned after it. Teardown
// failures are logged and never replace that error.
func (c *Controller) Run(ctx context.Context) error {
	start := time.Now()
	ctx, span := telemetry.StartPhaseSpan(ctx, c.tracer, c.runID, "lifecycle")
	defer span.End()

	identity, err := c.connect(ctx)
	if err != nil {
		_ = c.transition(StateFailed)
		c.finish(ctx, start, err)
		telemetry.RecordError(span, err)
		return err
	}

	var res resources
	runErr := c.execute(ctx, identity, &res)

	if err := c.transition(StateFinalizing); err != nil && runErr == nil {
		runErr = err
	}
	if report := c.teardown(ctx, &res); report != nil {
		c.logger.Error("teardown completed with failures", "error", report)
	}

	if runErr != nil {
		_ = c.transition(StateFailed)
		c.finish(ctx, start, runErr)
		telemetry.RecordError(span, runErr)
		return runErr
	}

	_ = c.transition(StateSucceeded)
	c.finish(ctx, start, nil)
	return nil
}

func (c *Controller) finish(ctx context.Context, start time.Time, err error) {
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
		c.updateStatus(func(s *Status) { s.Error = err.Error() })
		c.logger.Error("run failed", "error", err, "suggestion", types.GetRecoverySuggestion(err))
	} else {
		c.logger.Info("run succeeded", "compute_units", c.orchestrator.Cumulative())
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	c.runDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	c.runOutcomes.Add(ctx, 1, attrs)
}

func (c *Controller) connect(ctx context.Context) (types.Identity, error) {
	ctx, span := telemetry.StartPhaseSpan(ctx, c.tracer, c.runID, "connect")
	defer span.End()

	identity, err := c.market.Connect(ctx)
	if err != nil {
		err = types.WrapWithRecovery(types.ErrConnection, "%s", err.Error())
		telemetry.RecordError(span, err)
		return types.Identity{}, err
	}
	c.logger.Info("connected to marketplace", "node_id", identity.NodeID)
	return identity, nil
}

// execute walks the lifecycle up to the end of Running, recording every
// acquired resource in res.
func (c *Controller) execute(ctx context.Context, identity types.Identity, res *resources) error {
	alloc, err := c.allocate(ctx)
	if err != nil {
		return err
	}
	res.allocation = &alloc
	if err := c.transition(StateAllocationAcquired); err != nil {
		return err
	}

	if err := c.transition(StateNegotiating); err != nil {
		return err
	}
	agreement, err := c.negotiate(ctx, alloc)
	if err != nil {
		return err
	}
	res.agreement = &agreement
	if err := c.transition(StateAgreementSigned); err != nil {
		return err
	}

	if err := c.transition(StateProvisioning); err != nil {
		return err
	}
	// Debit notes start while the image deploys, so acceptance starts here.
	if err := c.reconciler.Start(ctx, agreement.ID, alloc); err != nil {
		return err
	}
	res.reconciler = c.reconciler

	if err := c.provision(ctx, identity, alloc, agreement, res); err != nil {
		return err
	}

	if err := c.transition(StateRunning); err != nil {
		return err
	}
	return c.runPasses(ctx, res)
}

func (c *Controller) allocate(ctx context.Context) (types.Allocation, error) {
	ctx, span := telemetry.StartPhaseSpan(ctx, c.tracer, c.runID, "allocate")
	defer span.End()

	alloc, err := c.market.CreateAllocation(ctx, market.AllocationRequest{
		Budget:          c.settings.Budget,
		Expiration:      c.settings.Plan.Allocation(),
		PaymentPlatform: c.settings.PaymentPlatform,
	})
	if err != nil {
		err = sdkerrors.Wrap(types.ErrAllocation, err.Error())
		telemetry.RecordError(span, err)
		return types.Allocation{}, err
	}

	c.updateStatus(func(s *Status) { s.AllocationID = alloc.ID })
	c.logger.Info("allocation created",
		"allocation_id", alloc.ID,
		"budget", types.FormatAmount(alloc.Budget),
		"expires_in", c.settings.Plan.Allocation().String(),
		"rental", c.settings.Plan.Rental().String())
	return alloc, nil
}

func (c *Controller) negotiate(ctx context.Context, alloc types.Allocation) (types.Agreement, error) {
	ctx, span := telemetry.StartPhaseSpan(ctx, c.tracer, c.runID, "negotiate")
	defer span.End()

	spec, err := market.BuildDemand(market.Order{
		CruncherVersion: c.settings.CruncherVersion,
		RentHours:       c.settings.Plan.RentHours(),
		Pricing:         c.settings.Pricing,
		Allocation:      alloc,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return types.Agreement{}, err
	}

	negotiator := market.NewNegotiator(c.market, c.settings.Negotiator, c.logger)
	agreement, err := negotiator.Negotiate(ctx, spec, c.settings.NegotiationTimeout)
	if err != nil {
		telemetry.RecordError(span, err)
		return types.Agreement{}, err
	}

	telemetry.AddSpanAttributes(span,
		attribute.String("agreement.id", agreement.ID),
		attribute.String("provider.name", agreement.Provider.Name))
	c.updateStatus(func(s *Status) {
		s.AgreementID = agreement.ID
		s.Provider = agreement.Provider.Name
	})
	return agreement, nil
}

func (c *Controller) provision(ctx context.Context, identity types.Identity, alloc types.Allocation, agreement types.Agreement, res *resources) error {
	ctx, span := telemetry.StartPhaseSpan(ctx, c.tracer, c.runID, "provision")
	defer span.End()

	unit, err := c.market.CreateExecutionUnit(ctx, agreement)
	if err != nil {
		err = sdkerrors.Wrap(types.ErrProvisioning, err.Error())
		telemetry.RecordError(span, err)
		return err
	}
	res.unit = unit

	requestorID := alloc.Address
	if requestorID == "" {
		requestorID = identity.NodeID
	}
	jobID, err := c.ledger.OpenJob(ctx, requestorID, ledger.Miner{
		ProvNodeID:     agreement.Provider.ID,
		ProvRewardAddr: agreement.Provider.WalletAddress,
		ProvName:       agreement.Provider.Name,
		ProvExtraInfo:  c.settings.ProviderExtraInfo,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	res.jobID = jobID
	c.updateStatus(func(s *Status) { s.JobID = jobID })

	if err := c.orchestrator.Prepare(ctx, unit); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

func (c *Controller) runPasses(ctx context.Context, res *resources) error {
	ctx, span := telemetry.StartPhaseSpan(ctx, c.tracer, c.runID, "passes")
	defer span.End()

	total, err := c.orchestrator.RunPasses(ctx, res.unit, res.jobID)
	telemetry.AddSpanAttributes(span, attribute.Int64("compute.units", int64(total)))
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

// teardown releases everything in res in a fixed order on a context that
// survives cancellation of the run. Every step runs regardless of earlier
// failures.
func (c *Controller) teardown(ctx context.Context, res *resources) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.settings.TeardownTimeout)
	defer cancel()
	ctx, span := telemetry.StartPhaseSpan(ctx, c.tracer, c.runID, "teardown")
	defer span.End()

	var errs []error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			c.metrics.TeardownFailures.WithLabelValues(name).Inc()
			c.logger.Error("teardown step failed", "step", name, "error", err)
			errs = append(errs, sdkerrors.Wrapf(types.ErrTeardown, "%s: %v", name, err))
		}
	}

	if res.unit != nil {
		step("destroy_unit", func() error { return c.market.DestroyExecutionUnit(ctx, res.unit) })
	}
	if res.agreement != nil {
		agreement := *res.agreement
		step("terminate_agreement", func() error { return c.market.TerminateAgreement(ctx, agreement) })
	}
	// Uploads were joined by RunPasses before it returned.
	if res.jobID != "" {
		step("close_job", func() error { return c.ledger.CloseJob(ctx, res.jobID) })
	}
	if res.reconciler != nil {
		res.reconciler.Stop()
		if !res.reconciler.Settled() {
			c.logger.Info("stopped payment reconciliation before the invoice was settled")
		}
	}
	if res.allocation != nil {
		alloc := *res.allocation
		step("release_allocation", func() error { return c.market.ReleaseAllocation(ctx, alloc) })
	}
	step("disconnect", func() error { return c.market.Disconnect(ctx) })

	err := errors.Join(errs...)
	telemetry.RecordError(span, err)
	return err
}
