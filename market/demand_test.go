package market

import (
	"testing"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/paw-chain/crunch/types"
)

func testProposal(id string) types.Proposal {
	return types.Proposal{ID: id, State: types.ProposalStateDraft}
}

func TestBuildDemand(t *testing.T) {
	order := Order{
		CruncherVersion: "prod-12.4.1",
		RentHours:       0.2666,
		Pricing: types.PriceCeilings{
			MaxStartPrice:      math.LegacyZeroDec(),
			MaxCPUPerHourPrice: math.LegacyZeroDec(),
			MaxEnvPerHourPrice: math.LegacyMustNewDecFromStr("2"),
		},
		Allocation: types.Allocation{ID: "alloc", Address: "0xabc", PaymentPlatform: "erc20-polygon-glm"},
	}

	spec, err := BuildDemand(order)
	require.NoError(t, err)
	require.Equal(t, "nvidia/cuda-x-crunch:prod-12.4.1", spec.ImageTag)
	require.Equal(t, []string{"!exp:gpu"}, spec.Capabilities)
	require.Equal(t, "vm-nvidia", spec.Engine)
	require.Equal(t, "alloc", spec.AllocationID)
	require.Equal(t, "0xabc", spec.RequestorAddr)
}

func TestBuildDemandValidation(t *testing.T) {
	tests := []struct {
		name  string
		order Order
		err   error
	}{
		{"missing version", Order{RentHours: 1, Allocation: types.Allocation{ID: "a"}}, types.ErrInvalidConfig},
		{"zero rent", Order{CruncherVersion: "v", Allocation: types.Allocation{ID: "a"}}, types.ErrInvalidConfig},
		{"no allocation", Order{CruncherVersion: "v", RentHours: 1}, types.ErrAllocation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildDemand(tt.order)
			require.ErrorIs(t, err, tt.err)
		})
	}
}
