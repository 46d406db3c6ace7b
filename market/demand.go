package market

import (
	"fmt"

	"github.com/paw-chain/crunch/types"
)

const (
	// WorkloadImageRepo is the image repository of the cruncher workload.
	WorkloadImageRepo = "nvidia/cuda-x-crunch"
	// GPUCapability requests providers exposing an experimental GPU.
	GPUCapability = "!exp:gpu"
	// NvidiaEngine is the runtime that passes the GPU through to the VM.
	NvidiaEngine = "vm-nvidia"
)

// Order is the human-readable rental order a demand is built from.
type Order struct {
	CruncherVersion string
	RentHours       float64
	Pricing         types.PriceCeilings
	Allocation      types.Allocation
}

// BuildDemand converts an order into the specification published on the market.
func BuildDemand(o Order) (types.DemandSpecification, error) {
	if o.CruncherVersion == "" {
		return types.DemandSpecification{}, fmt.Errorf("%w: cruncher version is required", types.ErrInvalidConfig)
	}
	if o.RentHours <= 0 {
		return types.DemandSpecification{}, fmt.Errorf("%w: rent hours must be positive", types.ErrInvalidConfig)
	}
	if o.Allocation.ID == "" {
		return types.DemandSpecification{}, fmt.Errorf("%w: demand requires an allocation", types.ErrAllocation)
	}

	return types.DemandSpecification{
		ImageTag:        fmt.Sprintf("%s:%s", WorkloadImageRepo, o.CruncherVersion),
		Capabilities:    []string{GPUCapability},
		Engine:          NvidiaEngine,
		Pricing:         o.Pricing,
		RentHours:       o.RentHours,
		AllocationID:    o.Allocation.ID,
		PaymentPlatform: o.Allocation.PaymentPlatform,
		RequestorAddr:   o.Allocation.Address,
	}, nil
}
