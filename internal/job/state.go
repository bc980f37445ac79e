// Package job implements the Processor (C9): the orchestrator that drives
// one aggregation job end to end, from shard discovery through result
// writing, and the return-code taxonomy that describes its outcome.
package job

// State is one stage of the job state machine (spec §4.9). FAILED is
// absorbing and reachable from any other state.
type State string

const (
	StateInit         State = "INIT"
	StateReading      State = "READING"
	StateAggregating  State = "AGGREGATING"
	StateDomainJoin   State = "DOMAIN_JOIN"
	StateNoising      State = "NOISING"
	StateBudgeting    State = "BUDGETING"
	StateWriting      State = "WRITING"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
)

// ReturnCode is the exhaustive outcome taxonomy of spec §4.9.
type ReturnCode string

const (
	Success                                   ReturnCode = "SUCCESS"
	SuccessWithErrors                         ReturnCode = "SUCCESS_WITH_ERRORS"
	ReportsWithErrorsExceededThreshold        ReturnCode = "REPORTS_WITH_ERRORS_EXCEEDED_THRESHOLD"
	InputDataReadFailed                       ReturnCode = "INPUT_DATA_READ_FAILED"
	UnsupportedReportVersion                  ReturnCode = "UNSUPPORTED_REPORT_VERSION"
	InvalidJob                                ReturnCode = "INVALID_JOB"
	PermissionErrorCode                       ReturnCode = "PERMISSION_ERROR"
	InternalErrorCode                         ReturnCode = "INTERNAL_ERROR"
	PrivacyBudgetExhausted                    ReturnCode = "PRIVACY_BUDGET_EXHAUSTED"
	PrivacyBudgetAuthenticationError          ReturnCode = "PRIVACY_BUDGET_AUTHENTICATION_ERROR"
	PrivacyBudgetAuthorizationError           ReturnCode = "PRIVACY_BUDGET_AUTHORIZATION_ERROR"
	ResultWriteError                          ReturnCode = "RESULT_WRITE_ERROR"
	DebugSuccessWithPrivacyBudgetError        ReturnCode = "DEBUG_SUCCESS_WITH_PRIVACY_BUDGET_ERROR"
	DebugSuccessWithPrivacyBudgetExhausted    ReturnCode = "DEBUG_SUCCESS_WITH_PRIVACY_BUDGET_EXHAUSTED"
)
