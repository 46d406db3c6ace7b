package cmd

import (
	"context"
	"errors"
	"time"

	"cosmossdk.io/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paw-chain/crunch/app"
	"github.com/paw-chain/crunch/app/health"
	"github.com/paw-chain/crunch/app/telemetry"
	"github.com/paw-chain/crunch/config"
	"github.com/paw-chain/crunch/ledger"
	"github.com/paw-chain/crunch/market/yagna"
	"github.com/paw-chain/crunch/metrics"
	"github.com/paw-chain/crunch/types"
)

const (
	flagPasses      = "passes"
	flagPassTime    = "pass-time"
	flagAllocation  = "allocation"
	flagMetricsPort = "metrics-port"
	flagYagnaURL    = "yagna-url"
	flagUploadURL   = "upload-url"

	shutdownTimeout = 10 * time.Second
)

// NewRunCmd returns the command that performs one full requestor run.
func NewRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Allocate funds, rent a GPU provider and run all passes",
		Long: `Run performs one requestor lifecycle: allocate CRUNCHER_ALLOCATION on the
payment platform, publish a demand for a GPU provider, sign the first draft
proposal, run NUMBER_OF_PASSES passes of ONE_PASS_TIME seconds each and upload
the results to the job ledger. Teardown always runs.

Examples:
  crunchd run
  crunchd run --passes 3 --pass-time 120
  crunchd run --metrics-port 9090 --log-format plain`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRequestor(cmd, v)
		},
	}

	cmd.Flags().Int(flagPasses, 10, "number of workload passes")
	cmd.Flags().Int(flagPassTime, 60, "duration of one pass in seconds")
	cmd.Flags().String(flagAllocation, "0.04", "budget to allocate for the run")
	cmd.Flags().Int(flagMetricsPort, 0, "port of the metrics and status server (0 disables it)")
	cmd.Flags().String(flagYagnaURL, "http://127.0.0.1:7465", "requestor daemon API url")
	cmd.Flags().String(flagUploadURL, "https://addressology.ovh", "job ledger base url")
	mustBind(v, cmd.Flags(), map[string]string{
		flagPasses:      config.KeyPassCount,
		flagPassTime:    config.KeyPassTime,
		flagAllocation:  config.KeyAllocation,
		flagMetricsPort: config.KeyMetricsPort,
		flagYagnaURL:    config.KeyYagnaAPIURL,
		flagUploadURL:   config.KeyUploadURLBase,
	})

	return cmd
}

func runRequestor(cmd *cobra.Command, v *viper.Viper) error {
	ctx := cmd.Context()

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	settings, err := app.SettingsFromConfig(cfg)
	if err != nil {
		return err
	}
	settings.RunID = uuid.NewString()

	deps, checks, cleanup, err := newDependencies(ctx, cfg, settings.RunID, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	controller, err := app.NewController(settings, deps, logger)
	if err != nil {
		return err
	}

	checker, err := health.NewChecker(logger, health.Config{
		Version:         cfg.CruncherVersion,
		MaxResponseTime: 5 * time.Second,
		CacheDuration:   5 * time.Second,
	}, checks.marketplace, checks.journal, func() (string, bool, string) {
		status := controller.Status()
		return status.State, status.State == app.StateFailed.String(), status.Error
	})
	if err != nil {
		return err
	}

	server := metrics.NewServer(cfg.MetricsPort, controller.StatusFunc(), checker)
	if server != nil {
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("metrics server stopped", "port", cfg.MetricsPort, "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := server.Stop(stopCtx); err != nil {
				logger.Error("failed to stop metrics server", "error", err)
			}
		}()
	}

	logger.Info("starting run",
		"run_id", controller.RunID(),
		"passes", settings.Passes.String(),
		"rental", settings.Plan.Rental().String(),
		"allocation", types.FormatAmount(cfg.Budget),
		"platform", cfg.PaymentPlatform)

	if err := controller.Run(ctx); err != nil {
		printHint(cmd, err)
		return err
	}
	return nil
}

// printHint prints the recovery suggestion registered for err, if any.
func printHint(cmd *cobra.Command, err error) {
	if suggestion := types.GetRecoverySuggestion(err); suggestion != types.NoRecoverySuggestion {
		cmd.PrintErrln("hint:", suggestion)
	}
}

type probes struct {
	marketplace health.Probe
	journal     health.Probe
}

// newDependencies builds the run collaborators. cleanup closes whatever was
// opened, in reverse order.
func newDependencies(ctx context.Context, cfg *config.Config, runID string, logger log.Logger) (app.Dependencies, probes, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Error("cleanup failed", "error", err)
			}
		}
	}

	marketCfg := yagna.DefaultConfig()
	marketCfg.BaseURL = cfg.YagnaAPIURL
	marketCfg.AppKey = cfg.YagnaAppKey
	marketCfg.AppSessionID = runID
	mkt, err := yagna.NewClient(marketCfg, logger)
	if err != nil {
		return app.Dependencies{}, probes{}, nil, err
	}

	p := probes{marketplace: mkt.Ping}

	var journal ledger.Journal = ledger.NopJournal{}
	if cfg.RedisURL != "" {
		rj, err := ledger.NewRedisJournal(ctx, cfg.RedisURL, "")
		if err != nil {
			return app.Dependencies{}, probes{}, nil, err
		}
		journal = rj
		p.journal = rj.Ping
		closers = append(closers, rj.Close)
	}

	tp, err := telemetry.NewProvider(telemetry.Config{
		OTLPEndpoint:      cfg.OTLPEndpoint,
		SampleRate:        1.0,
		CruncherVersion:   cfg.CruncherVersion,
		PrometheusEnabled: cfg.MetricsPort > 0,
	})
	if err != nil {
		cleanup()
		return app.Dependencies{}, probes{}, nil, err
	}
	closers = append(closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := tp.Shutdown(shutdownCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Info("telemetry flush timed out")
			return nil
		}
		return err
	})

	return app.Dependencies{
		Market:  mkt,
		Ledger:  ledger.NewClient(cfg.UploadURLBase, cfg.CruncherVersion, logger),
		Journal: journal,
		Tracer:  tp.Tracer(),
		Meter:   tp.Meter(),
	}, p, cleanup, nil
}
