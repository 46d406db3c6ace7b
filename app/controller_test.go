package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/paw-chain/crunch/app"
	"github.com/paw-chain/crunch/config"
	"github.com/paw-chain/crunch/crunch"
	"github.com/paw-chain/crunch/ledger"
	"github.com/paw-chain/crunch/market"
	"github.com/paw-chain/crunch/testutil/markettest"
	"github.com/paw-chain/crunch/types"
)

type fakeLedger struct {
	openErr  error
	closeErr error

	mu      sync.Mutex
	calls   []string
	miner   ledger.Miner
	reqID   string
	updates []ledger.Update
}

func (l *fakeLedger) OpenJob(_ context.Context, requestorID string, miner ledger.Miner) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "OpenJob")
	if l.openErr != nil {
		return "", l.openErr
	}
	l.reqID, l.miner = requestorID, miner
	return "job-1", nil
}

func (l *fakeLedger) UpdateJob(_ context.Context, u ledger.Update) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "UpdateJob")
	l.updates = append(l.updates, u)
	return nil
}

func (l *fakeLedger) CloseJob(_ context.Context, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "CloseJob")
	return l.closeErr
}

func (l *fakeLedger) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func draftEvent(id string) markettest.Scripted[types.ProposalEvent] {
	return markettest.Scripted[types.ProposalEvent]{Event: types.ProposalEvent{
		Proposal: types.Proposal{
			ID:    id,
			State: types.ProposalStateDraft,
			Provider: types.ProviderInfo{
				ID:            "0xnode",
				WalletAddress: "0xwallet",
				Name:          "gpu-provider",
			},
		},
		ReceivedAt: time.Now(),
	}}
}

func testSettings(t *testing.T, passes int) app.Settings {
	t.Helper()
	plan, err := config.NewRentalPlan(time.Second, passes)
	require.NoError(t, err)

	passCfg := crunch.DefaultConfig()
	passCfg.PassCount = passes
	passCfg.PassDuration = time.Second

	return app.Settings{
		Plan:               plan,
		Budget:             math.LegacyMustNewDecFromStr("0.04"),
		PaymentPlatform:    "erc20-polygon-glm",
		CruncherVersion:    "prod-12.4.1",
		Pricing:            types.PriceCeilings{MaxStartPrice: math.LegacyZeroDec(), MaxCPUPerHourPrice: math.LegacyZeroDec(), MaxEnvPerHourPrice: math.LegacyNewDec(2)},
		NegotiationTimeout: 200 * time.Millisecond,
		Negotiator:         market.NegotiatorConfig{PollInterval: 5 * time.Millisecond, RefreshInterval: time.Hour},
		Passes:             passCfg,
		ProviderExtraInfo:  "extra",
		TeardownTimeout:    time.Second,
	}
}

func scenarioUnit() *markettest.Unit {
	return &markettest.Unit{Passes: []types.CommandResult{
		{Stdout: "0x1,0x2,0x3", Stderr: "Total compute 0.000000001 GH"},
		{Stdout: "", Stderr: "Total compute 0.000000001 GH"},
	}}
}

func newController(t *testing.T, m *markettest.Marketplace, l app.JobLedger, passes int) *app.Controller {
	t.Helper()
	c, err := app.NewController(testSettings(t, passes), app.Dependencies{Market: m, Ledger: l}, log.NewNopLogger())
	require.NoError(t, err)
	return c
}

func TestRunSucceeds(t *testing.T) {
	m := markettest.New(scenarioUnit())
	m.Proposals = []markettest.Scripted[types.ProposalEvent]{draftEvent("p-1")}
	l := &fakeLedger{}
	c := newController(t, m, l, 2)

	var states []app.State
	c.OnTransition(func(_, to app.State) { states = append(states, to) })

	require.NoError(t, c.Run(t.Context()))

	require.Equal(t, []app.State{
		app.StateAllocationAcquired,
		app.StateNegotiating,
		app.StateAgreementSigned,
		app.StateProvisioning,
		app.StateRunning,
		app.StateFinalizing,
		app.StateSucceeded,
	}, states)

	require.Equal(t, []string{
		"Connect",
		"CreateAllocation",
		"PublishDemand",
		"ProposalEvents",
		"WithdrawDemand",
		"SignAgreement",
		"CostNotices",
		"FinalNotices",
		"CreateExecutionUnit",
		"DestroyExecutionUnit",
		"TerminateAgreement",
		"ReleaseAllocation",
		"Disconnect",
	}, m.Calls())

	require.Equal(t, []string{"OpenJob", "UpdateJob", "UpdateJob", "CloseJob"}, l.Calls())
	require.Equal(t, "0xrequestor", l.reqID)
	require.Equal(t, ledger.Miner{
		ProvNodeID:     "0xnode",
		ProvRewardAddr: "0xwallet",
		ProvName:       "gpu-provider",
		ProvExtraInfo:  "extra",
	}, l.miner)

	status := c.Status()
	require.Equal(t, "succeeded", status.State)
	require.Equal(t, "job-1", status.JobID)
	require.Equal(t, "agreement-p-1", status.AgreementID)
	require.Equal(t, uint64(2), status.ComputeUnits)
	require.Equal(t, c.RunID(), status.RunID)
}

func TestRunConnectFailureAcquiresNothing(t *testing.T) {
	m := markettest.New(nil)
	m.ConnectErr = errors.New("connection refused")
	l := &fakeLedger{}
	c := newController(t, m, l, 1)

	err := c.Run(t.Context())
	require.ErrorIs(t, err, types.ErrConnection)
	require.Equal(t, []string{"Connect"}, m.Calls())
	require.Empty(t, l.Calls())
	require.Equal(t, app.StateFailed, c.State())
}

func TestRunAllocationFailureStillDisconnects(t *testing.T) {
	m := markettest.New(nil)
	m.AllocationErr = errors.New("insufficient funds")
	c := newController(t, m, &fakeLedger{}, 1)

	err := c.Run(t.Context())
	require.ErrorIs(t, err, types.ErrAllocation)
	require.Equal(t, []string{"Connect", "CreateAllocation", "Disconnect"}, m.Calls())
}

func TestRunNegotiationTimeoutTearsDown(t *testing.T) {
	m := markettest.New(nil)
	l := &fakeLedger{}
	c := newController(t, m, l, 1)

	err := c.Run(t.Context())
	require.ErrorIs(t, err, types.ErrNegotiationTimeout)
	require.Equal(t, 1, m.Count("ReleaseAllocation"))
	require.Equal(t, 1, m.Count("Disconnect"))
	require.Zero(t, m.Count("CreateExecutionUnit"))
	require.Zero(t, m.Count("TerminateAgreement"))
	require.Empty(t, l.Calls())
	require.Equal(t, app.StateFailed, c.State())
}

func TestRunTeardownFailureDoesNotMaskOriginalError(t *testing.T) {
	m := markettest.New(nil)
	m.ReleaseErr = errors.New("allocation busy")
	m.DisconnectErr = errors.New("socket closed")
	c := newController(t, m, &fakeLedger{}, 1)

	err := c.Run(t.Context())
	require.ErrorIs(t, err, types.ErrNegotiationTimeout)
	require.NotErrorIs(t, err, types.ErrTeardown)
	require.Equal(t, 1, m.Count("ReleaseAllocation"))
	require.Equal(t, 1, m.Count("Disconnect"))
}

func TestRunPassFailureRunsEveryTeardownStepOnce(t *testing.T) {
	unit := scenarioUnit()
	unit.PassErrs = map[int]error{1: errors.New("activity lost")}
	m := markettest.New(unit)
	m.Proposals = []markettest.Scripted[types.ProposalEvent]{draftEvent("p-1")}
	m.DestroyUnitErr = errors.New("already gone")
	l := &fakeLedger{}
	c := newController(t, m, l, 2)

	err := c.Run(t.Context())
	require.ErrorIs(t, err, types.ErrPassExecution)

	for _, call := range []string{"DestroyExecutionUnit", "TerminateAgreement", "ReleaseAllocation", "Disconnect"} {
		require.Equal(t, 1, m.Count(call), call)
	}
	require.Equal(t, []string{"OpenJob", "UpdateJob", "CloseJob"}, l.Calls())
	require.Equal(t, "failed", c.Status().State)
}

func TestRunTeardownFailureOnSuccessIsSwallowed(t *testing.T) {
	m := markettest.New(scenarioUnit())
	m.Proposals = []markettest.Scripted[types.ProposalEvent]{draftEvent("p-1")}
	m.TerminateErr = errors.New("agreement already terminated")
	l := &fakeLedger{closeErr: errors.New("ledger down")}
	c := newController(t, m, l, 2)

	require.NoError(t, c.Run(t.Context()))
	require.Equal(t, 1, m.Count("ReleaseAllocation"))
	require.Equal(t, 1, m.Count("Disconnect"))
	require.Equal(t, app.StateSucceeded, c.State())
}

func TestRunCancelledDuringNegotiationStillTearsDown(t *testing.T) {
	m := markettest.New(nil)
	settings := testSettings(t, 1)
	settings.NegotiationTimeout = time.Minute
	c, err := app.NewController(settings, app.Dependencies{Market: m, Ledger: &fakeLedger{}}, log.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	err = c.Run(ctx)
	require.ErrorIs(t, err, types.ErrNegotiationTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, m.Count("WithdrawDemand"))
	require.Equal(t, 1, m.Count("ReleaseAllocation"))
	require.Equal(t, 1, m.Count("Disconnect"))
}

func TestRunAcceptsCostNotices(t *testing.T) {
	unit := scenarioUnit()
	unit.Delay = 50 * time.Millisecond
	m := markettest.New(unit)
	m.Proposals = []markettest.Scripted[types.ProposalEvent]{draftEvent("p-1")}
	m.CostNotes = []markettest.Scripted[types.CostNotice]{{Event: types.CostNotice{
		ID:          "dn-1",
		AgreementID: "agreement-p-1",
		AmountDue:   math.LegacyMustNewDecFromStr("0.001"),
		Kind:        types.NoticeInterim,
	}}}
	c := newController(t, m, &fakeLedger{}, 2)

	require.NoError(t, c.Run(t.Context()))
	accepted := m.Accepted()
	require.Len(t, accepted, 1)
	require.Equal(t, "alloc-1", accepted[0].AllocationID)
}

func TestNewControllerRejectsMismatchedPlan(t *testing.T) {
	settings := testSettings(t, 2)
	settings.Passes.PassCount = 3

	_, err := app.NewController(settings, app.Dependencies{Market: markettest.New(nil), Ledger: &fakeLedger{}}, log.NewNopLogger())
	require.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestRunEndToEndWithLedgerServer(t *testing.T) {
	var (
		mu      sync.Mutex
		updates []ledger.Update
		paths   []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/api/job/new":
			_, _ = w.Write([]byte(`{"uid":"job-e2e"}`))
		case "/api/fancy/new_many2":
			var u ledger.Update
			_ = json.Unmarshal(body, &u)
			updates = append(updates, u)
			_, _ = w.Write([]byte(`{}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	m := markettest.New(scenarioUnit())
	m.Proposals = []markettest.Scripted[types.ProposalEvent]{draftEvent("p-1")}
	c := newController(t, m, ledger.NewClient(srv.URL, "prod-12.4.1", log.NewNopLogger()), 2)

	require.NoError(t, c.Run(t.Context()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 2)
	byHashes := map[uint64]ledger.Update{}
	for _, u := range updates {
		byHashes[u.Extra.ReportedHashes] = u
	}
	require.Len(t, byHashes[1].Data, 1)
	require.Empty(t, byHashes[2].Data)
	require.Equal(t, "job-e2e", byHashes[2].Extra.JobID)
	require.Equal(t, "/api/job/new", paths[0])
	require.Equal(t, "/api/job/finish/job-e2e", paths[len(paths)-1])
}
