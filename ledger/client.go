// Package ledger talks to the external job ledger that tracks crunch jobs and
// the addresses they find.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/paw-chain/crunch/types"
)

const (
	pathNewJob     = "/api/job/new"
	pathFinishJob  = "/api/job/finish/"
	pathUploadMany = "/api/fancy/new_many2"

	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// Miner describes the provider a job runs on.
type Miner struct {
	ProvNodeID     string `json:"provNodeId"`
	ProvRewardAddr string `json:"provRewardAddr"`
	ProvName       string `json:"provName"`
	ProvExtraInfo  string `json:"provExtraInfo"`
}

// NewJobRequest is the body of POST /api/job/new.
type NewJobRequest struct {
	Miner       Miner  `json:"miner"`
	CruncherVer string `json:"cruncherVer"`
	RequestorID string `json:"requestorId"`
}

type newJobResponse struct {
	UID string `json:"uid"`
}

// UpdateExtra carries the progress counters of an upload.
type UpdateExtra struct {
	JobID          string  `json:"jobId"`
	ReportedHashes uint64  `json:"reportedHashes"`
	ReportedCost   float64 `json:"reportedCost"`
}

// Update is the body of POST /api/fancy/new_many2.
type Update struct {
	Extra UpdateExtra          `json:"extra"`
	Data  []types.ResultTriple `json:"data"`
}

// Client is the job ledger HTTP client. Uploads are not retried.
type Client struct {
	baseURL         string
	cruncherVersion string
	client          *http.Client
	logger          log.Logger
}

// NewClient creates a ledger client for baseURL.
func NewClient(baseURL, cruncherVersion string, logger log.Logger) *Client {
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		cruncherVersion: cruncherVersion,
		client:          &http.Client{Timeout: defaultTimeout},
		logger:          logger.With("module", "ledger"),
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// OpenJob registers a job for the given requestor and provider and returns the
// ledger-assigned job id.
func (c *Client) OpenJob(ctx context.Context, requestorID string, miner Miner) (string, error) {
	req := NewJobRequest{
		Miner:       miner,
		CruncherVer: c.cruncherVersion,
		RequestorID: requestorID,
	}

	var resp newJobResponse
	if err := c.post(ctx, pathNewJob, req, &resp); err != nil {
		return "", sdkerrors.Wrap(types.ErrLedger, err.Error())
	}
	if resp.UID == "" {
		return "", sdkerrors.Wrap(types.ErrLedger, "ledger returned an empty job id")
	}

	c.logger.Info("job opened", "job_id", resp.UID, "provider", miner.ProvName)
	return resp.UID, nil
}

// UpdateJob uploads one batch of results with the cumulative hash count.
func (c *Client) UpdateJob(ctx context.Context, update Update) error {
	if update.Data == nil {
		update.Data = []types.ResultTriple{}
	}

	var ack json.RawMessage
	if err := c.post(ctx, pathUploadMany, update, &ack); err != nil {
		return sdkerrors.Wrap(types.ErrUpload, err.Error())
	}

	c.logger.Info("results uploaded",
		"job_id", update.Extra.JobID,
		"results", len(update.Data),
		"reported_hashes", update.Extra.ReportedHashes,
		"ack", string(ack))
	return nil
}

// CloseJob marks the job finished.
func (c *Client) CloseJob(ctx context.Context, jobID string) error {
	var ack json.RawMessage
	if err := c.post(ctx, pathFinishJob+url.PathEscape(jobID), struct{}{}, &ack); err != nil {
		return sdkerrors.Wrap(types.ErrLedger, err.Error())
	}
	c.logger.Info("job closed", "job_id", jobID, "ack", string(ack))
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("POST %s: status %d, body: %s", path, resp.StatusCode, string(data))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
