package types

const (
	// ModuleName is the codespace used for registered errors and metric namespaces.
	ModuleName = "crunch"

	// ComputeUnitsPerGiga converts the workload's giga-hash figures into hashes.
	ComputeUnitsPerGiga int64 = 1_000_000_000
)
