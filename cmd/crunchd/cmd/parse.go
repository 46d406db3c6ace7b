package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/paw-chain/crunch/crunch"
)

const (
	flagStdout = "stdout"
	flagStderr = "stderr"
	flagJobID  = "job-id"
)

// NewParseCmd returns the offline parser: captured workload output in, the
// ledger upload it would produce out.
func NewParseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Parse captured workload output into a ledger upload",
		Long: `Parse reads the stdout and stderr captured from one profanity_cuda pass and
prints the JSON body that would be uploaded to the job ledger. Malformed lines
are reported on stderr and skipped. Use "-" to read a stream from stdin.

Examples:
  crunchd parse --stdout pass.out --stderr pass.err
  profanity_cuda -b 60 2>pass.err | crunchd parse --stdout - --stderr pass.err --job-id job-42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stdoutPath, _ := cmd.Flags().GetString(flagStdout)
			stderrPath, _ := cmd.Flags().GetString(flagStderr)
			jobID, _ := cmd.Flags().GetString(flagJobID)

			if stdoutPath == "" && stderrPath == "" {
				return fmt.Errorf("at least one of --%s or --%s is required", flagStdout, flagStderr)
			}
			if stdoutPath == "-" && stderrPath == "-" {
				return fmt.Errorf("only one stream can be read from stdin")
			}

			stdout, err := readCapture(cmd, stdoutPath)
			if err != nil {
				return err
			}
			stderr, err := readCapture(cmd, stderrPath)
			if err != nil {
				return err
			}

			out := crunch.ParsePassOutput(stdout, stderr)
			for _, failure := range out.Failures {
				cmd.PrintErrln("skipped:", failure)
			}
			if !out.HasComputeSample {
				cmd.PrintErrln("no compute marker found")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(crunch.NewUpdate(jobID, out.ComputeUnits, out.Results))
		},
	}

	cmd.Flags().String(flagStdout, "", "file holding the captured stdout (result lines)")
	cmd.Flags().String(flagStderr, "", "file holding the captured stderr (compute markers)")
	cmd.Flags().String(flagJobID, "", "job id to put in the upload")

	return cmd
}

func readCapture(cmd *cobra.Command, path string) (string, error) {
	switch path {
	case "":
		return "", nil
	case "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}
