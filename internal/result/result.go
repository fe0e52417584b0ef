// Package result defines the uniform outcome envelope returned by every
// tool-service call. Failures propagate as values carrying a stable
// error code, never as Go errors or panics: everything above the
// transport engines branches on Result, and nothing above them raises.
package result

import "time"

// Code is a stable error-taxonomy key. Callers branch on codes, not on
// message text, so codes never change once shipped.
type Code string

const (
	// CodeServiceNotFound means no configured service matched the
	// requested name and no default was available. Configuration
	// fault: never retried.
	CodeServiceNotFound Code = "SERVICE_NOT_FOUND"

	// CodeMissingURL means a network transport was configured without
	// an endpoint URL.
	CodeMissingURL Code = "MISSING_URL"

	// CodeMissingCommand means a stdio transport was configured
	// without an executable.
	CodeMissingCommand Code = "MISSING_COMMAND"

	// CodeTransportUnsupported means the service declares a transport
	// kind no engine handles.
	CodeTransportUnsupported Code = "TRANSPORT_UNSUPPORTED"

	// CodeRequestFailed is a connection-level failure: dial error,
	// write error, broken pipe.
	CodeRequestFailed Code = "REQUEST_FAILED"

	// CodeBadStatus is a non-2xx HTTP response.
	CodeBadStatus Code = "BAD_STATUS"

	// CodeStreamInitFailed means the SSE stream could not be opened
	// or did not identify as an event stream.
	CodeStreamInitFailed Code = "STREAM_INIT_FAILED"

	// CodeResponseTooLarge means an event payload exceeded the size
	// cap before any parse was attempted.
	CodeResponseTooLarge Code = "RESPONSE_TOO_LARGE"

	// CodeBinaryUnsupported means the stream delivered binary content
	// this client does not handle.
	CodeBinaryUnsupported Code = "BINARY_UNSUPPORTED"

	// CodeRemoteError is a valid JSON-RPC error object from the
	// service. It is the service's considered answer: never retried.
	CodeRemoteError Code = "REMOTE_ERROR"

	// CodeSchemaInvalid means the reply was well-formed JSON but
	// carried neither result nor error.
	CodeSchemaInvalid Code = "SCHEMA_INVALID"

	// CodeInvalidPayload means the reply was not parseable JSON at all.
	CodeInvalidPayload Code = "INVALID_PAYLOAD"

	// CodeProcessFailed means a stdio subprocess exited non-zero with
	// error output.
	CodeProcessFailed Code = "PROCESS_FAILED"

	// CodeNoOutput means a stdio subprocess produced no stdout.
	CodeNoOutput Code = "NO_OUTPUT"

	// CodeTimeout covers both idle and total timeout expiry.
	CodeTimeout Code = "TIMEOUT"

	// CodeCancelled means the caller cancelled the in-flight call.
	CodeCancelled Code = "CANCELLED"

	// CodeUnknown is the fallback for faults with no better
	// classification. Seeing it usually indicates a bug here.
	CodeUnknown Code = "UNKNOWN"
)

// Result is the envelope every call returns. Success carries Data;
// failure carries Error text and a Code. Service and Transport record
// which configured endpoint handled (or failed) the call.
type Result struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Code      Code      `json:"errorCode,omitempty"`
	Service   string    `json:"service"`
	Transport string    `json:"transport"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OK builds a success result.
func OK(service, transport string, data any) Result {
	return Result{
		Success:   true,
		Service:   service,
		Transport: transport,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Fail builds a failure result.
func Fail(service, transport string, code Code, msg string) Result {
	return Result{
		Service:   service,
		Transport: transport,
		Code:      code,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	}
}

// IsTerminal reports whether the failure should stop retrying: a
// configuration fault, a definitive remote answer, or a cancellation
// is never transient.
func (r Result) IsTerminal() bool {
	if r.Success {
		return true
	}
	switch r.Code {
	case CodeServiceNotFound, CodeMissingURL, CodeMissingCommand,
		CodeTransportUnsupported, CodeRemoteError, CodeCancelled:
		return true
	}
	return false
}
