package crunch

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/paw-chain/crunch/ledger"
	"github.com/paw-chain/crunch/market"
	"github.com/paw-chain/crunch/metrics"
	"github.com/paw-chain/crunch/types"
)

const (
	// DefaultBinary is the workload path inside the image.
	DefaultBinary = "/usr/local/bin/profanity_cuda"

	// GPUProbeCommand is run once after provisioning so the provider's GPU shows up in the logs.
	GPUProbeCommand = "nvidia-smi"
)

// Uploader submits result batches to the job ledger.
type Uploader interface {
	UpdateJob(ctx context.Context, update ledger.Update) error
}

// Config controls the pass loop. PassTimeout bounds one remote invocation;
// zero disables the deadline.
type Config struct {
	PassCount    int
	PassDuration time.Duration
	PassTimeout  time.Duration
	PublicKey    string
	Binary       string
}

// DefaultConfig returns ten one-minute passes.
func DefaultConfig() Config {
	return Config{
		PassCount:    10,
		PassDuration: 60 * time.Second,
		Binary:       DefaultBinary,
	}
}

// Validate checks the pass parameters.
func (c Config) Validate() error {
	if c.PassCount <= 0 {
		return sdkerrors.Wrapf(types.ErrInvalidConfig, "pass count must be positive, got %d", c.PassCount)
	}
	if c.PassDuration < time.Second {
		return sdkerrors.Wrapf(types.ErrInvalidConfig, "pass duration must be at least 1s, got %s", c.PassDuration)
	}
	if c.PassTimeout < 0 {
		return sdkerrors.Wrapf(types.ErrInvalidConfig, "pass timeout must not be negative, got %s", c.PassTimeout)
	}
	return nil
}

// Command is the workload invocation for one pass.
func (c Config) Command() string {
	binary := c.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	// The unit finds the binary through PATH; only the base name is invoked.
	cmd := path.Base(binary) + " -b " + strconv.FormatInt(int64(c.PassDuration/time.Second), 10)
	if c.PublicKey != "" {
		cmd += " -z " + c.PublicKey
	}
	return cmd
}

// PrepareCommand makes the workload binary executable.
func (c Config) PrepareCommand() string {
	binary := c.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	return "chmod +x " + binary
}

// Orchestrator runs the timed passes on a rented unit and pipelines their
// results to the ledger.
type Orchestrator struct {
	config   Config
	uploader Uploader
	journal  ledger.Journal
	logger   log.Logger
	metrics  *metrics.RequestorMetrics

	cumulative atomic.Uint64
	uploads    sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. A nil journal discards dropped uploads.
func NewOrchestrator(config Config, uploader Uploader, journal ledger.Journal, logger log.Logger) *Orchestrator {
	if journal == nil {
		journal = ledger.NopJournal{}
	}
	return &Orchestrator{
		config:   config,
		uploader: uploader,
		journal:  journal,
		logger:   logger.With("module", "orchestrator"),
		metrics:  metrics.NewRequestorMetrics(),
	}
}

// Cumulative returns the running compute unit total.
func (o *Orchestrator) Cumulative() uint64 {
	return o.cumulative.Load()
}

// Prepare readies a freshly deployed unit. A failing chmod is fatal; the GPU
// probe is informational.
func (o *Orchestrator) Prepare(ctx context.Context, unit market.ExecutionUnit) error {
	res, err := unit.Run(ctx, o.config.PrepareCommand())
	if err != nil {
		return sdkerrors.Wrapf(types.ErrProvisioning, "prepare workload: %v", err)
	}
	if res.ExitCode != 0 {
		return sdkerrors.Wrapf(types.ErrProvisioning, "prepare workload: exit code %d: %s", res.ExitCode, res.Stderr)
	}

	res, err = unit.Run(ctx, GPUProbeCommand)
	if err != nil {
		o.logger.Error("gpu probe failed", "unit", unit.ID(), "error", err)
		return nil
	}
	o.logger.Info("gpu probe", "unit", unit.ID(), "exit_code", res.ExitCode, "stdout", res.Stdout)
	return nil
}

// RunPasses runs the configured passes sequentially and returns the cumulative
// compute units. Every submitted upload has finished by the time it returns,
// whether or not a pass failed.
func (o *Orchestrator) RunPasses(ctx context.Context, unit market.ExecutionUnit, jobID string) (uint64, error) {
	defer o.uploads.Wait()

	for i := 0; i < o.config.PassCount; i++ {
		result, err := o.runPass(ctx, unit, i)
		if err != nil {
			o.metrics.PassesCompleted.WithLabelValues("failed").Inc()
			o.logger.Error("pass failed", "pass", i, "job_id", jobID, "error", err)
			return o.Cumulative(), err
		}
		o.metrics.PassesCompleted.WithLabelValues("ok").Inc()
		o.submit(ctx, jobID, result)
	}

	total := o.Cumulative()
	o.logger.Info("passes complete", "job_id", jobID, "passes", o.config.PassCount, "compute_units", total)
	return total, nil
}

func (o *Orchestrator) runPass(ctx context.Context, unit market.ExecutionUnit, index int) (types.PassResult, error) {
	passCtx := ctx
	if o.config.PassTimeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, o.config.PassTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := unit.Run(passCtx, o.config.Command())
	o.metrics.PassDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return types.PassResult{}, sdkerrors.Wrapf(types.ErrPassExecution, "pass %d: %v", index, err)
	}
	if res.ExitCode != 0 {
		o.logger.Error("workload exited non-zero", "pass", index, "exit_code", res.ExitCode)
	}

	out := ParsePassOutput(res.Stdout, res.Stderr)
	for _, failure := range out.Failures {
		o.metrics.PassParseFailures.Inc()
		o.logger.Error("skipping malformed output line", "pass", index, "error", failure)
	}

	total := o.cumulative.Add(out.ComputeUnits)
	o.metrics.ComputeUnits.Set(float64(total))
	o.metrics.ResultsFound.Add(float64(len(out.Results)))

	o.logger.Info("pass complete",
		"pass", index,
		"results", len(out.Results),
		"compute_units", out.ComputeUnits,
		"has_sample", out.HasComputeSample,
		"cumulative", total)

	return types.PassResult{
		Index:            index,
		Results:          out.Results,
		ComputeUnits:     out.ComputeUnits,
		HasComputeSample: out.HasComputeSample,
		CumulativeUnits:  total,
	}, nil
}

// submit starts an upload without waiting for it. The upload outlives run
// cancellation so a late interrupt does not drop results already computed.
func (o *Orchestrator) submit(ctx context.Context, jobID string, result types.PassResult) {
	update := NewUpdate(jobID, result.CumulativeUnits, result.Results)

	uploadCtx := context.WithoutCancel(ctx)
	o.metrics.UploadsInFlight.Inc()
	o.uploads.Add(1)
	go func() {
		defer o.uploads.Done()
		defer o.metrics.UploadsInFlight.Dec()

		start := time.Now()
		err := o.uploader.UpdateJob(uploadCtx, update)
		o.metrics.UploadLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			o.metrics.Uploads.WithLabelValues("ok").Inc()
			return
		}

		o.metrics.Uploads.WithLabelValues("failed").Inc()
		o.logger.Error("upload dropped", "pass", result.Index, "job_id", jobID, "results", len(update.Data), "error", err)

		dropped := ledger.DroppedUpload{Update: update, Reason: err.Error(), DroppedAt: time.Now()}
		if jerr := o.journal.Record(uploadCtx, dropped); jerr != nil {
			o.metrics.JournalWrites.WithLabelValues("failed").Inc()
			o.logger.Error("failed to journal dropped upload", "job_id", jobID, "error", jerr)
			return
		}
		o.metrics.JournalWrites.WithLabelValues("ok").Inc()
	}()
}

// NewUpdate builds the ledger upload for a pass. The reported hash count is
// the job's running total, not the pass delta.
func NewUpdate(jobID string, cumulative uint64, results []types.ResultTriple) ledger.Update {
	if results == nil {
		results = []types.ResultTriple{}
	}
	return ledger.Update{
		Extra: ledger.UpdateExtra{
			JobID:          jobID,
			ReportedHashes: cumulative,
			ReportedCost:   0,
		},
		Data: results,
	}
}

// String describes the pass plan.
func (c Config) String() string {
	return fmt.Sprintf("%d x %s", c.PassCount, c.PassDuration)
}
