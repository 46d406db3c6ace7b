package yagna

import (
	"context"
	"fmt"
	"net/http"
	"time"

	sdkerrors "cosmossdk.io/errors"

	"github.com/paw-chain/crunch/market"
	"github.com/paw-chain/crunch/types"
)

const (
	pathMe          = "/me"
	pathAllocations = "/payment-api/v1/allocations"
)

var _ market.Marketplace = (*Client)(nil)

type meResponse struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

// Connect checks the daemon is reachable with the configured app key and
// records the requestor identity.
func (c *Client) Connect(ctx context.Context) (types.Identity, error) {
	var me meResponse
	if err := c.do(ctx, http.MethodGet, pathMe, nil, nil, &me); err != nil {
		return types.Identity{}, err
	}
	if me.Identity == "" {
		return types.Identity{}, fmt.Errorf("daemon returned an empty identity")
	}

	identity := types.Identity{NodeID: me.Identity, Name: me.Name}
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()

	c.logger.Info("connected", "identity", me.Identity, "name", me.Name, "role", me.Role)
	return identity, nil
}

// Ping checks the daemon answers without touching the recorded identity.
func (c *Client) Ping(ctx context.Context) error {
	var me meResponse
	return c.do(ctx, http.MethodGet, pathMe, nil, nil, &me)
}

// Disconnect drops pooled connections. The daemon keeps no session state.
func (c *Client) Disconnect(_ context.Context) error {
	c.http.CloseIdleConnections()
	c.logger.Info("disconnected")
	return nil
}

type allocationBody struct {
	AllocationID    string `json:"allocationId,omitempty"`
	Address         string `json:"address,omitempty"`
	PaymentPlatform string `json:"paymentPlatform"`
	TotalAmount     string `json:"totalAmount"`
	Timeout         string `json:"timeout,omitempty"`
	MakeDeposit     bool   `json:"makeDeposit"`
}

// CreateAllocation reserves req.Budget on the requestor's payment platform
// account for req.Expiration.
func (c *Client) CreateAllocation(ctx context.Context, req market.AllocationRequest) (types.Allocation, error) {
	if req.Budget.IsNil() || !req.Budget.IsPositive() {
		return types.Allocation{}, sdkerrors.Wrap(types.ErrAllocation, "budget must be positive")
	}

	expiresAt := time.Now().Add(req.Expiration).UTC()
	body := allocationBody{
		Address:         c.Identity().NodeID,
		PaymentPlatform: req.PaymentPlatform,
		TotalAmount:     types.FormatAmount(req.Budget),
		Timeout:         expiresAt.Format(time.RFC3339),
	}

	var resp allocationBody
	if err := c.do(ctx, http.MethodPost, pathAllocations, nil, body, &resp); err != nil {
		return types.Allocation{}, err
	}
	if resp.AllocationID == "" {
		return types.Allocation{}, fmt.Errorf("daemon returned an allocation without id")
	}

	budget, err := types.ParseAmount(resp.TotalAmount)
	if err != nil {
		budget = req.Budget
	}
	if t, err := time.Parse(time.RFC3339, resp.Timeout); err == nil {
		expiresAt = t
	}
	address := resp.Address
	if address == "" {
		address = body.Address
	}
	platform := resp.PaymentPlatform
	if platform == "" {
		platform = req.PaymentPlatform
	}

	return types.Allocation{
		ID:              resp.AllocationID,
		Address:         address,
		Budget:          budget,
		ExpiresAt:       expiresAt,
		PaymentPlatform: platform,
	}, nil
}

// ReleaseAllocation returns the unspent budget.
func (c *Client) ReleaseAllocation(ctx context.Context, alloc types.Allocation) error {
	err := c.do(ctx, http.MethodDelete, pathAllocations+"/"+alloc.ID, nil, nil, nil)
	if IsStatus(err, http.StatusNotFound) {
		c.logger.Info("allocation already released", "allocation_id", alloc.ID)
		return nil
	}
	return err
}
