// Package crunch drives the profanity_cuda workload on a rented unit and turns
// its output into ledger uploads.
package crunch

import (
	"fmt"
	"strings"

	"cosmossdk.io/math"

	"github.com/paw-chain/crunch/types"
)

const (
	// ComputeMarker prefixes the running hash total the workload prints to stderr.
	ComputeMarker = "Total compute "
	// ComputeSuffix is the unit of the marker value.
	ComputeSuffix = " GH"
	// ResultPrefix starts every result line on stdout.
	ResultPrefix = "0x"
	// ResultDelimiter separates salt, address and factory.
	ResultDelimiter = ","

	resultFields = 3
)

// PassOutput is the parsed form of one pass's buffered output.
type PassOutput struct {
	Results          []types.ResultTriple
	ComputeUnits     uint64
	HasComputeSample bool
	// Failures lists lines that looked like markers or results but did not parse.
	Failures []error
}

// ParseComputeMarker extracts the compute units from a stderr line. ok is false
// when the line carries no marker; err is set when it does but the value is unusable.
func ParseComputeMarker(line string) (units uint64, ok bool, err error) {
	idx := strings.Index(line, ComputeMarker)
	if idx < 0 {
		return 0, false, nil
	}

	value := strings.TrimSpace(line[idx+len(ComputeMarker):])
	if cut := strings.Index(value, ComputeSuffix); cut >= 0 {
		value = value[:cut]
	} else {
		value = strings.TrimSuffix(value, strings.TrimSpace(ComputeSuffix))
	}
	value = strings.TrimSpace(value)

	giga, err := math.LegacyNewDecFromStr(value)
	if err != nil {
		return 0, true, fmt.Errorf("%w: compute marker %q: %v", types.ErrPassParse, value, err)
	}
	if giga.IsNegative() {
		return 0, true, fmt.Errorf("%w: negative compute marker %q", types.ErrPassParse, value)
	}

	total := giga.MulInt64(types.ComputeUnitsPerGiga).TruncateInt()
	if !total.IsUint64() {
		return 0, true, fmt.Errorf("%w: compute marker %q overflows", types.ErrPassParse, value)
	}
	return total.Uint64(), true, nil
}

// ParseResultLine extracts a result triple from a stdout line. ok is false for
// lines that are not results; err is set for prefixed lines of the wrong shape.
func ParseResultLine(line string) (triple types.ResultTriple, ok bool, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, ResultPrefix) {
		return types.ResultTriple{}, false, nil
	}

	fields := strings.Split(line, ResultDelimiter)
	if len(fields) != resultFields {
		return types.ResultTriple{}, false, fmt.Errorf("%w: expected %d fields, got %d in %q",
			types.ErrPassParse, resultFields, len(fields), line)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
		if fields[i] == "" {
			return types.ResultTriple{}, false, fmt.Errorf("%w: empty field %d in %q", types.ErrPassParse, i, line)
		}
	}

	return types.ResultTriple{Salt: fields[0], Address: fields[1], Factory: fields[2]}, true, nil
}

// ParsePassOutput parses a whole pass. The last parseable compute marker wins:
// the workload prints a growing running total, so only the final one is the
// pass total.
func ParsePassOutput(stdout, stderr string) PassOutput {
	var out PassOutput

	for _, line := range splitLines(stderr) {
		units, ok, err := ParseComputeMarker(line)
		if err != nil {
			out.Failures = append(out.Failures, err)
			continue
		}
		if ok {
			out.ComputeUnits = units
			out.HasComputeSample = true
		}
	}

	for _, line := range splitLines(stdout) {
		triple, ok, err := ParseResultLine(line)
		if err != nil {
			out.Failures = append(out.Failures, err)
			continue
		}
		if ok {
			out.Results = append(out.Results, triple)
		}
	}

	return out
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
