package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13999: Execution errors
const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheSetFailed ErrorCode = 10202

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303
	SourceTooLarge     ErrorCode = 10304
	StdinTooLarge      ErrorCode = 10305

	// Queue errors (10400-10499)
	QueueError       ErrorCode = 10400
	QueuePublishFail ErrorCode = 10401

	// ========== Execution Errors (13000-13999) ==========

	// Job intake (13000-13099)
	JobNotFound          ErrorCode = 13000
	DuplicateJob         ErrorCode = 13001
	LanguageNotSupported ErrorCode = 13003

	// Engine (13100-13199)
	ExecQueueFull      ErrorCode = 13100
	SandboxSystemError ErrorCode = 13101
	ProvisionFailed    ErrorCode = 13102
	IdentityExhausted  ErrorCode = 13103
	ExecutionCancelled ErrorCode = 13104
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Cache
	CacheError:     "Cache operation failed",
	CacheSetFailed: "Failed to set cache",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",
	SourceTooLarge:     "Source code is too large",
	StdinTooLarge:      "Stdin is too large",

	// Queue
	QueueError:       "Message queue operation failed",
	QueuePublishFail: "Failed to publish message",

	// Job intake
	JobNotFound:          "Job not found",
	DuplicateJob:         "Job has already been accepted",
	LanguageNotSupported: "Programming language not supported",

	// Engine
	ExecQueueFull:      "Execution queue is full, please try again later",
	SandboxSystemError: "Sandbox system error",
	ProvisionFailed:    "Failed to provision sandbox",
	IdentityExhausted:  "No sandbox identity available",
	ExecutionCancelled: "Execution cancelled",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == JobNotFound:
		return 404
	case c == DuplicateJob:
		return 409
	case c == TooManyRequests, c == ExecQueueFull:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LanguageNotSupported:
		return 400
	default:
		return 500
	}
}
