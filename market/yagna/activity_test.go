package yagna

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paw-chain/crunch/types"
)

func activityDaemon(t *testing.T, batches map[string][]execResult) *fakeDaemon {
	d := newFakeDaemon(t)
	var next atomic.Int32
	d.handle("POST /activity-api/v1/activity", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, activityCreated{ActivityID: "act-1"})
	})
	d.handle("POST /activity-api/v1/activity/act-1/exec", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, "batch-"+string(rune('0'+next.Add(1))))
	})
	d.handle("GET /activity-api/v1/activity/act-1/exec/{batch}", func(w http.ResponseWriter, r *http.Request) {
		results, ok := batches[r.PathValue("batch")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, results)
	})
	d.handle("DELETE /activity-api/v1/activity/act-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return d
}

func deployed() []execResult {
	return []execResult{
		{Index: 0, Result: "Ok"},
		{Index: 1, Result: "Ok", IsBatchFinished: true},
	}
}

func TestCreateExecutionUnitAndRun(t *testing.T) {
	d := activityDaemon(t, map[string][]execResult{
		"batch-1": deployed(),
		"batch-2": {{Index: 0, Result: "Ok", Stdout: "hello\n", IsBatchFinished: true}},
		"batch-3": {{Index: 0, Result: "Error", Stdout: "partial", Message: "ExeUnit exited with code 3", IsBatchFinished: true}},
	})
	c := d.client(t)

	unit, err := c.CreateExecutionUnit(context.Background(), types.Agreement{ID: "agr-1"})
	require.NoError(t, err)
	require.Equal(t, "act-1", unit.ID())
	require.JSONEq(t, `{"agreementId":"agr-1"}`, string(d.body("POST /activity-api/v1/activity")))

	res, err := unit.Run(context.Background(), "echo hello")
	require.NoError(t, err)
	require.Equal(t, types.CommandResult{Stdout: "hello\n"}, res)

	var req execRequest
	require.NoError(t, json.Unmarshal(d.body("POST /activity-api/v1/activity/act-1/exec"), &req))
	var script []map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.Text), &script))
	require.Len(t, script, 1)
	require.Equal(t, "/bin/sh", script[0]["run"]["entry_point"])
	require.Equal(t, []any{"-c", "echo hello"}, script[0]["run"]["args"])

	res, err = unit.Run(context.Background(), "false")
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "partial", res.Stdout)
	require.Equal(t, "ExeUnit exited with code 3", res.Stderr)

	require.NoError(t, c.DestroyExecutionUnit(context.Background(), unit))
	require.Equal(t, 1, d.count("DELETE /activity-api/v1/activity/act-1"))
}

func TestCreateExecutionUnitDeployFailure(t *testing.T) {
	d := activityDaemon(t, map[string][]execResult{
		"batch-1": {{Index: 0, Result: "Error", Message: "image download failed", IsBatchFinished: true}},
	})

	_, err := d.client(t).CreateExecutionUnit(context.Background(), types.Agreement{ID: "agr-1"})
	require.ErrorIs(t, err, types.ErrProvisioning)
	require.Contains(t, err.Error(), "image download failed")
	require.Equal(t, 1, d.count("DELETE /activity-api/v1/activity/act-1"), "half-deployed activity is destroyed")
}

func TestCreateExecutionUnitRejected(t *testing.T) {
	d := newFakeDaemon(t)
	d.handle("POST /activity-api/v1/activity", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agreement not approved", http.StatusBadRequest)
	})

	_, err := d.client(t).CreateExecutionUnit(context.Background(), types.Agreement{ID: "agr-1"})
	require.ErrorIs(t, err, types.ErrProvisioning)
}

func TestRunBatchPending(t *testing.T) {
	d := newFakeDaemon(t)
	var polls atomic.Int32
	d.handle("POST /activity-api/v1/activity/act-1/exec", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, "batch-1")
	})
	d.handle("GET /activity-api/v1/activity/act-1/exec/batch-1", func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			http.Error(w, "timeout", http.StatusRequestTimeout)
		case 2:
			writeJSON(w, []execResult{{Index: 0, Result: "Ok"}})
		default:
			writeJSON(w, []execResult{{Index: 0, Result: "Ok", Stdout: "done", IsBatchFinished: true}})
		}
	})
	unit := &activity{client: d.client(t), id: "act-1"}

	res, err := unit.Run(context.Background(), "sleep 1")
	require.NoError(t, err)
	require.Equal(t, "done", res.Stdout)
	require.EqualValues(t, 3, polls.Load())
}

func TestRunPacesPartialBatchPolls(t *testing.T) {
	d := newFakeDaemon(t)
	var polls atomic.Int32
	finishAt := time.Now().Add(1200 * time.Millisecond)
	d.handle("POST /activity-api/v1/activity/act-1/exec", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, "batch-1")
	})
	d.handle("GET /activity-api/v1/activity/act-1/exec/batch-1", func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		if time.Now().Before(finishAt) {
			writeJSON(w, []execResult{{Index: 0, Result: "Ok"}})
			return
		}
		writeJSON(w, []execResult{
			{Index: 0, Result: "Ok"},
			{Index: 1, Result: "Ok", Stdout: "started", IsBatchFinished: true},
		})
	})
	unit := &activity{client: d.client(t), id: "act-1"}

	res, err := unit.Run(context.Background(), "nvidia-smi")
	require.NoError(t, err)
	require.Equal(t, "started", res.Stdout)
	require.GreaterOrEqual(t, polls.Load(), int32(3))
	require.LessOrEqual(t, polls.Load(), int32(5), "unfinished batch is polled at most once per interval")
}

func TestRunCancelled(t *testing.T) {
	d := newFakeDaemon(t)
	unit := &activity{client: d.client(t), id: "act-1"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := unit.Run(ctx, "true")
	require.ErrorIs(t, err, context.Canceled)
}

func TestActivityID(t *testing.T) {
	id, err := activityID(json.RawMessage(`"act-1"`))
	require.NoError(t, err)
	require.Equal(t, "act-1", id)

	id, err = activityID(json.RawMessage(`{"activityId":"act-2"}`))
	require.NoError(t, err)
	require.Equal(t, "act-2", id)

	_, err = activityID(json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		message string
		want    int
	}{
		{"ExeUnit exited with code 3", 3},
		{"process exited with code 127 (not found)", 127},
		{"killed", 1},
		{"exited with code 0", 1},
		{"", 1},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, exitCode(tt.message), tt.message)
	}
}
