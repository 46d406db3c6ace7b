package types

import (
	"errors"

	sdkerrors "cosmossdk.io/errors"
)

// Requestor sentinel errors with recovery suggestions

var (
	// Configuration and connectivity errors
	ErrInvalidConfig = sdkerrors.Register(ModuleName, 2, "invalid configuration")
	ErrConnection    = sdkerrors.Register(ModuleName, 3, "marketplace unreachable")

	// Funding errors
	ErrAllocation = sdkerrors.Register(ModuleName, 10, "allocation failure")
	ErrPayment    = sdkerrors.Register(ModuleName, 11, "cost notice acceptance failed")

	// Negotiation errors
	ErrNegotiationTimeout = sdkerrors.Register(ModuleName, 20, "no draft proposal before negotiation timeout")
	ErrAgreementRejected  = sdkerrors.Register(ModuleName, 21, "agreement rejected by provider")
	ErrDemand             = sdkerrors.Register(ModuleName, 22, "demand publication failed")

	// Execution errors
	ErrProvisioning  = sdkerrors.Register(ModuleName, 30, "execution unit provisioning failed")
	ErrPassExecution = sdkerrors.Register(ModuleName, 31, "workload pass failed")
	ErrPassParse     = sdkerrors.Register(ModuleName, 32, "malformed workload output")

	// Ledger errors
	ErrLedger = sdkerrors.Register(ModuleName, 40, "ledger request failed")
	ErrUpload = sdkerrors.Register(ModuleName, 41, "result upload failed")

	// Lifecycle errors
	ErrTeardown          = sdkerrors.Register(ModuleName, 50, "teardown step failed")
	ErrInvalidTransition = sdkerrors.Register(ModuleName, 51, "invalid run state transition")
)

// ErrorWithRecovery wraps an error with recovery suggestions
type ErrorWithRecovery struct {
	Err      error
	Recovery string
}

func (e *ErrorWithRecovery) Error() string {
	return e.Err.Error()
}

func (e *ErrorWithRecovery) Unwrap() error {
	return e.Err
}

// RecoverySuggestions provides actionable recovery steps for each error type
var RecoverySuggestions = map[error]string{
	ErrInvalidConfig: "Check ONE_PASS_TIME, NUMBER_OF_PASSES and CRUNCHER_ALLOCATION. Durations must be positive and the budget a non-negative decimal.",
	ErrConnection:    "Verify the requestor daemon is running and YAGNA_API_URL/YAGNA_APPKEY are correct. Nothing was allocated.",

	ErrAllocation: "Ensure the requestor wallet holds enough funds on the selected payment platform. Lower CRUNCHER_ALLOCATION if needed.",
	ErrPayment:    "A debit note or invoice was not accepted. The provider may terminate the agreement; check allocation remaining amount.",

	ErrNegotiationTimeout: "No provider returned a draft proposal in time. Retry later, raise MAX_ENV_PER_HOUR_PRICE, or extend NEGOTIATION_TIMEOUT.",
	ErrAgreementRejected:  "The selected provider refused to sign. Run again; another provider may be selected.",
	ErrDemand:             "The demand could not be published or withdrawn. Check market API availability and demand properties.",

	ErrProvisioning:  "The provider failed to deploy the image. Check the image tag in CRUNCHER_VERSION and provider GPU capability.",
	ErrPassExecution: "The remote workload command failed. Partial results already uploaded remain on the ledger.",
	ErrPassParse:     "A workload output line did not match the expected grammar. The line was skipped.",

	ErrLedger: "The job ledger did not acknowledge the request. Check UPLOAD_URL_BASE and ledger availability.",
	ErrUpload: "A result batch was dropped. Inspect the upload journal to reconcile the gap.",

	ErrTeardown:          "A cleanup step failed. Check the marketplace for a dangling agreement or allocation.",
	ErrInvalidTransition: "The run controller attempted an illegal state change. This indicates a bug.",
}

// WrapWithRecovery wraps an error with recovery suggestion
func WrapWithRecovery(err error, msg string, args ...interface{}) error {
	wrapped := sdkerrors.Wrapf(err, msg, args...)

	if suggestion, ok := RecoverySuggestions[err]; ok {
		return &ErrorWithRecovery{
			Err:      wrapped,
			Recovery: suggestion,
		}
	}

	return wrapped
}

// NoRecoverySuggestion is returned by GetRecoverySuggestion for errors
// without a registered suggestion.
const NoRecoverySuggestion = "No recovery suggestion available. Check error message for details."

// GetRecoverySuggestion returns the recovery suggestion for an error
func GetRecoverySuggestion(err error) string {
	var withRecovery *ErrorWithRecovery
	if errors.As(err, &withRecovery) && withRecovery.Recovery != "" {
		return withRecovery.Recovery
	}

	for sentinel, suggestion := range RecoverySuggestions {
		if errors.Is(err, sentinel) {
			return suggestion
		}
	}

	return NoRecoverySuggestion
}
