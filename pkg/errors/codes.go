package errors

// ErrorCode represents a classified client error.
type ErrorCode string

const (
	CodeNetwork         ErrorCode = "network_unreachable"
	CodeTimeout         ErrorCode = "timeout"
	CodeCancelled       ErrorCode = "cancelled"
	CodeUnauthorized    ErrorCode = "unauthorized"
	CodeNotFound        ErrorCode = "not_found"
	CodeUpload          ErrorCode = "upload_failed"
	CodeInvalidRecord   ErrorCode = "invalid_record"
	CodeServerError     ErrorCode = "server_error"
	CodeRequestRejected ErrorCode = "request_rejected"
	CodeUnknown         ErrorCode = "unknown"
)

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Description     string
	SuggestedAction string
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	CodeNetwork: {
		Code:            CodeNetwork,
		Retryable:       true,
		Description:     "Transcription service is unreachable",
		SuggestedAction: "Check the server_url setting and your network, then retry: scribe meeting list",
	},
	CodeTimeout: {
		Code:            CodeTimeout,
		Retryable:       true,
		Description:     "Request exceeded time limit",
		SuggestedAction: "Raise the timeout with --timeout or SCRIBE_TIMEOUT and retry",
	},
	CodeCancelled: {
		Code:            CodeCancelled,
		Retryable:       false,
		Description:     "Operation cancelled",
		SuggestedAction: "Re-run the command when ready; nothing was changed on the server",
	},
	CodeUnauthorized: {
		Code:            CodeUnauthorized,
		Retryable:       false,
		Description:     "Session expired or not logged in",
		SuggestedAction: "Log in again: scribe auth login",
	},
	CodeNotFound: {
		Code:            CodeNotFound,
		Retryable:       false,
		Description:     "Meeting no longer exists on the server",
		SuggestedAction: "Prune stale local entries: scribe meeting sync",
	},
	CodeUpload: {
		Code:            CodeUpload,
		Retryable:       false,
		Description:     "Upload was not accepted by the server",
		SuggestedAction: "Check the audio file format and upload again: scribe meeting upload <file>",
	},
	CodeInvalidRecord: {
		Code:            CodeInvalidRecord,
		Retryable:       false,
		Description:     "Server returned a malformed meeting record",
		SuggestedAction: "Run with --debug to log the raw response and report it",
	},
	CodeServerError: {
		Code:            CodeServerError,
		Retryable:       true,
		Description:     "Transcription service returned an internal error",
		SuggestedAction: "Wait a moment and retry the command",
	},
	CodeRequestRejected: {
		Code:            CodeRequestRejected,
		Retryable:       false,
		Description:     "Request was rejected by the server",
		SuggestedAction: "Check the command arguments; run with --debug for the server response",
	},
	CodeUnknown: {
		Code:            CodeUnknown,
		Retryable:       false,
		Description:     "Unexpected error",
		SuggestedAction: "Run the command again with --debug for details",
	},
}

// IsRetryable returns true if the given error code represents a transient, retryable error.
func IsRetryable(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Retryable
	}
	return false
}

// GetSuggestedAction returns the suggested action for the given error code.
func GetSuggestedAction(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.SuggestedAction
	}
	return "Run the command again with --debug and check the logs"
}

// GetDescription returns the human-readable description for the given error code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return "Unknown error"
}
