package yagna

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	sdkerrors "cosmossdk.io/errors"

	"github.com/paw-chain/crunch/market"
	"github.com/paw-chain/crunch/types"
)

const (
	pathActivity = "/activity-api/v1/activity"

	resultError = "Error"

	maxBatchPollFailures = 5
	batchPollInterval    = 500 * time.Millisecond
)

type exeCommand map[string]any

type execRequest struct {
	Text string `json:"text"`
}

type execResult struct {
	Index           int    `json:"index"`
	EventDate       string `json:"eventDate"`
	Result          string `json:"result"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	Message         string `json:"message"`
	IsBatchFinished bool   `json:"isBatchFinished"`
}

type activityCreated struct {
	ActivityID string `json:"activityId"`
}

// activity is an execution unit backed by a daemon activity.
type activity struct {
	client *Client
	id     string
}

var _ market.ExecutionUnit = (*activity)(nil)

func (a *activity) ID() string { return a.id }

// Run executes command through a shell and returns its captured output. A
// failed command is reported through the exit code, not the error.
func (a *activity) Run(ctx context.Context, command string) (types.CommandResult, error) {
	script := []exeCommand{runCommand(command)}
	results, err := a.client.execute(ctx, a.id, script)
	if err != nil {
		return types.CommandResult{}, err
	}
	if len(results) == 0 {
		return types.CommandResult{}, fmt.Errorf("activity %s returned no result for %q", a.id, command)
	}

	last := results[len(results)-1]
	res := types.CommandResult{Stdout: last.Stdout, Stderr: last.Stderr}
	if last.Result == resultError {
		res.ExitCode = exitCode(last.Message)
		if res.Stderr == "" {
			res.Stderr = last.Message
		}
	}
	return res, nil
}

func runCommand(command string) exeCommand {
	return exeCommand{
		"run": map[string]any{
			"entry_point": "/bin/sh",
			"args":        []string{"-c", command},
			"capture": map[string]any{
				"stdout": map[string]any{"atEnd": map[string]any{"format": "string"}},
				"stderr": map[string]any{"atEnd": map[string]any{"format": "string"}},
			},
		},
	}
}

// exitCode extracts N from "... exited with code N", defaulting to 1.
func exitCode(message string) int {
	const marker = "code "
	if i := strings.LastIndex(message, marker); i >= 0 {
		rest := strings.TrimSpace(message[i+len(marker):])
		if end := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' }); end >= 0 {
			rest = rest[:end]
		}
		if code, err := strconv.Atoi(rest); err == nil && code != 0 {
			return code
		}
	}
	return 1
}

// CreateExecutionUnit starts an activity on the agreement and deploys the image.
func (c *Client) CreateExecutionUnit(ctx context.Context, agreement types.Agreement) (market.ExecutionUnit, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, pathActivity, nil, map[string]string{"agreementId": agreement.ID}, &raw); err != nil {
		return nil, sdkerrors.Wrapf(types.ErrProvisioning, "create activity: %v", err)
	}
	id, err := activityID(raw)
	if err != nil {
		return nil, sdkerrors.Wrap(types.ErrProvisioning, err.Error())
	}

	unit := &activity{client: c, id: id}
	script := []exeCommand{{"deploy": map[string]any{}}, {"start": map[string]any{}}}
	results, err := c.execute(ctx, id, script)
	if err == nil {
		for _, r := range results {
			if r.Result == resultError {
				err = fmt.Errorf("step %d: %s", r.Index, r.Message)
				break
			}
		}
	}
	if err != nil {
		if dErr := c.DestroyExecutionUnit(context.WithoutCancel(ctx), unit); dErr != nil {
			c.logger.Error("failed to destroy activity", "activity_id", id, "error", dErr)
		}
		return nil, sdkerrors.Wrapf(types.ErrProvisioning, "deploy activity %s: %v", id, err)
	}

	c.logger.Info("activity deployed", "activity_id", id, "agreement_id", agreement.ID)
	return unit, nil
}

func activityID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil && id != "" {
		return id, nil
	}
	var created activityCreated
	if err := json.Unmarshal(raw, &created); err == nil && created.ActivityID != "" {
		return created.ActivityID, nil
	}
	return "", fmt.Errorf("daemon returned no activity id")
}

// DestroyExecutionUnit destroys the activity. Already destroyed activities
// are ignored.
func (c *Client) DestroyExecutionUnit(ctx context.Context, unit market.ExecutionUnit) error {
	err := c.do(ctx, http.MethodDelete, pathActivity+"/"+url.PathEscape(unit.ID()), nil, nil, nil)
	if IsStatus(err, http.StatusNotFound) || IsStatus(err, http.StatusGone) {
		return nil
	}
	return err
}

// execute submits script as one batch and collects results until the batch
// finishes.
func (c *Client) execute(ctx context.Context, activityID string, script []exeCommand) ([]execResult, error) {
	text, err := json.Marshal(script)
	if err != nil {
		return nil, fmt.Errorf("failed to encode script: %w", err)
	}

	base := pathActivity + "/" + url.PathEscape(activityID) + "/exec"
	var batchID string
	if err := c.do(ctx, http.MethodPost, base, nil, execRequest{Text: string(text)}, &batchID); err != nil {
		return nil, fmt.Errorf("exec on activity %s: %w", activityID, err)
	}

	q := url.Values{}
	q.Set("timeout", pollSeconds(c.config.PollTimeout))
	path := base + "/" + url.PathEscape(batchID)

	failures := 0
	for {
		var results []execResult
		err := c.do(ctx, http.MethodGet, path, q, nil, &results)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case IsStatus(err, http.StatusRequestTimeout):
			continue
		default:
			failures++
			if failures > maxBatchPollFailures {
				return nil, fmt.Errorf("batch %s: %w", batchID, err)
			}
			c.logger.Error("failed to poll batch", "batch_id", batchID, "attempt", failures, "error", err)
			if !sleep(ctx, backoff(failures)) {
				return nil, ctx.Err()
			}
			continue
		}

		if n := len(results); n > 0 && results[n-1].IsBatchFinished {
			return results, nil
		}
		// Partial results come back without long-polling.
		if !sleep(ctx, batchPollInterval) {
			return nil, ctx.Err()
		}
	}
}
