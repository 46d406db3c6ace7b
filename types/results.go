package types

// ResultTriple is one vanity address found by the workload. Field names are part
// of the ledger wire format.
type ResultTriple struct {
	Salt    string `json:"salt"`
	Address string `json:"address"`
	Factory string `json:"factory"`
}

// PassResult is the parsed outcome of one timed workload pass.
type PassResult struct {
	Index            int
	Results          []ResultTriple
	ComputeUnits     uint64
	HasComputeSample bool
	CumulativeUnits  uint64
}
