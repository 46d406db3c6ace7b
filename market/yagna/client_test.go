package yagna

import (
	"context"
	"net/http"
	"testing"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/paw-chain/crunch/market"
	"github.com/paw-chain/crunch/types"
)

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Config{}, log.NewNopLogger())
	require.ErrorIs(t, err, types.ErrInvalidConfig)

	c, err := NewClient(Config{BaseURL: "http://127.0.0.1:7465/"}, log.NewNopLogger())
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:7465", c.baseURL)
	require.Equal(t, DefaultConfig().Subnet, c.config.Subnet)
	require.Equal(t, DefaultRegistryURL, c.config.RegistryURL)
}

func TestConnect(t *testing.T) {
	d := newFakeDaemon(t)
	d.handle("GET /me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, meResponse{Identity: "0xrequestor", Name: "crunch", Role: "manager"})
	})
	c := d.client(t)

	identity, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.Identity{NodeID: "0xrequestor", Name: "crunch"}, identity)
	require.Equal(t, identity, c.Identity())
	require.Equal(t, []string{"Bearer " + testAppKey}, d.authHeaders())

	require.NoError(t, c.Disconnect(context.Background()))
}

func TestConnectUnauthorized(t *testing.T) {
	d := newFakeDaemon(t)
	d.handle("GET /me", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid app key", http.StatusUnauthorized)
	})

	_, err := d.client(t).Connect(context.Background())
	require.Error(t, err)
	require.True(t, IsStatus(err, http.StatusUnauthorized))
	require.Contains(t, err.Error(), "invalid app key")
}

func TestAllocationLifecycle(t *testing.T) {
	d := newFakeDaemon(t)
	d.handle("POST /payment-api/v1/allocations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, allocationBody{
			AllocationID:    "alloc-1",
			Address:         "0xrequestor",
			PaymentPlatform: "erc20-polygon-glm",
			TotalAmount:     "0.04",
			Timeout:         "2026-01-01T00:00:00Z",
		})
	})
	d.handle("DELETE /payment-api/v1/allocations/alloc-1", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	c := d.client(t)

	alloc, err := c.CreateAllocation(context.Background(), market.AllocationRequest{
		Budget:          math.LegacyMustNewDecFromStr("0.04"),
		Expiration:      22 * time.Minute,
		PaymentPlatform: "erc20-polygon-glm",
	})
	require.NoError(t, err)
	require.Equal(t, "alloc-1", alloc.ID)
	require.Equal(t, "0xrequestor", alloc.Address)
	require.True(t, alloc.Budget.Equal(math.LegacyMustNewDecFromStr("0.04")))
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), alloc.ExpiresAt)

	require.Contains(t, string(d.body("POST /payment-api/v1/allocations")), `"totalAmount":"0.04"`)

	// Already released allocations are not an error.
	require.NoError(t, c.ReleaseAllocation(context.Background(), alloc))
}

func TestCreateAllocationRejectsEmptyBudget(t *testing.T) {
	d := newFakeDaemon(t)
	_, err := d.client(t).CreateAllocation(context.Background(), market.AllocationRequest{Budget: math.LegacyZeroDec()})
	require.ErrorIs(t, err, types.ErrAllocation)
	require.Zero(t, d.count("POST /payment-api/v1/allocations"))
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, sleep(ctx, time.Hour))
	require.True(t, sleep(context.Background(), time.Millisecond))
}

func TestPollSeconds(t *testing.T) {
	require.Equal(t, "5", pollSeconds(5*time.Second))
	require.Equal(t, "1", pollSeconds(100*time.Millisecond))
	require.Equal(t, "2.5", pollSeconds(2500*time.Millisecond))
}

func TestPing(t *testing.T) {
	d := newFakeDaemon(t)
	d.handle("GET /me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, meResponse{Identity: "0xrequestor"})
	})
	c := d.client(t)

	require.NoError(t, c.Ping(context.Background()))
	require.Empty(t, c.Identity().NodeID, "ping does not record the identity")
}
