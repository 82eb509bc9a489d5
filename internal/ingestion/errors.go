package ingestion

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/lvonguyen/guardduty-sentinel/internal/transform"
)

// Error codes used by *Error. They are matched by retry policies.
const (
	CodePartialIngestion     = "PartialIngestion"
	CodeIngestionFailed      = "IngestionFailed"
	CodeRateLimited          = "RateLimited"
	CodeServiceUnavailable   = "ServiceUnavailable"
	CodeAuthenticationFailed = "AuthenticationFailed"
	CodePayloadTooLarge      = "PayloadTooLarge"
	CodeBadRequest           = "BadRequest"
	CodeTimeout              = "Timeout"
	CodeNetworkError         = "NetworkError"
	// CodeInvalidRecord marks a request whose every record can never be
	// submitted (unencodable or over the payload limit).
	CodeInvalidRecord = "InvalidRecord"
)

// Error is returned for rejected submissions.
type Error struct {
	Code       string
	StatusCode int
	Message    string
	Response   *Response
	Err        error

	// Rejected are the records of failed or unsent chunks.
	Rejected []transform.Record
	// Invalid are records no retry can deliver.
	Invalid []InvalidRecord
}

// InvalidRecord is a record the destination can never accept.
type InvalidRecord struct {
	Record transform.Record
	Err    error
}

// Narrowed reports whether the error accounts for its request record by
// record, so that only Rejected needs another attempt.
func (e *Error) Narrowed() bool {
	return e.Response != nil && e.Response.AcceptedRecords+len(e.Invalid) > 0
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ingestion %s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("ingestion %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the machine-readable code.
func (e *Error) ErrorCode() string { return e.Code }

// classify maps an upload error onto an *Error.
func classify(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		msg := respErr.ErrorCode
		if msg == "" {
			msg = http.StatusText(respErr.StatusCode)
		}
		return &Error{
			Code:       codeForStatus(respErr.StatusCode),
			StatusCode: respErr.StatusCode,
			Message:    msg,
			Err:        err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: "upload timed out", Err: err}
	}
	return &Error{Code: CodeNetworkError, Message: err.Error(), Err: err}
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuthenticationFailed
	case status == http.StatusRequestEntityTooLarge:
		return CodePayloadTooLarge
	case status >= 500:
		return CodeServiceUnavailable
	default:
		return CodeBadRequest
	}
}

func codeOf(err error) string {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code
	}
	return CodeIngestionFailed
}

// failedCode is the code of a fully rejected request: the shared chunk code
// when every chunk failed the same way, otherwise IngestionFailed.
func failedCode(codes []string) string {
	if len(codes) == 0 {
		return CodeIngestionFailed
	}
	for _, c := range codes[1:] {
		if c != codes[0] {
			return CodeIngestionFailed
		}
	}
	return codes[0]
}
