/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package errors

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// Code identifies a failure kind. Codes are stable strings surfaced on
// command rejections, server launches, and wave/execution failure reasons.
type Code string

const (
	// Validation
	CodeMissingField          Code = "MISSING_FIELD"
	CodeInvalidName           Code = "INVALID_NAME"
	CodeInvalidRequest        Code = "INVALID_REQUEST"
	CodeWaveSizeLimitExceeded Code = "WAVE_SIZE_LIMIT_EXCEEDED"
	CodeCircularDependency    Code = "CIRCULAR_DEPENDENCY"
	CodeInvalidServerIDs      Code = "INVALID_SERVER_IDS"
	CodeNoMatchingServers     Code = "NO_MATCHING_SERVERS"

	// Conflict
	CodePlanAlreadyExecuting Code = "PLAN_ALREADY_EXECUTING"
	CodeVersionConflict      Code = "VERSION_CONFLICT"
	CodeExecutionNotFound    Code = "EXECUTION_NOT_FOUND"
	CodeNotPausable          Code = "EXECUTION_NOT_IN_PAUSABLE_STATE"
	CodeInvalidState         Code = "INVALID_STATE"

	// Capacity
	CodeConcurrentJobsLimitExceeded Code = "CONCURRENT_JOBS_LIMIT_EXCEEDED"
	CodeQuotaExceeded               Code = "QUOTA_EXCEEDED"

	// Auth
	CodeAccessDenied       Code = "ACCESS_DENIED"
	CodeCredentialsExpired Code = "CREDENTIALS_EXPIRED"
	CodeAuthFailed         Code = "AUTH_FAILED"

	// Transient
	CodeThrottling         Code = "THROTTLING"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeNetworkError       Code = "NETWORK_ERROR"

	// DRS job failure
	CodeLaunchFailed Code = "LAUNCH_FAILED"
	CodePollTimeout  Code = "POLL_TIMEOUT"

	// Fatal
	CodeInternalError Code = "INTERNAL_ERROR"
)

// Error is a coded engine error. Per-server and per-job errors are recovered
// locally and recorded; only the code and message travel upward.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Is and As re-export the standard library's matchers so callers don't need
// a second errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

// CodeOf extracts the Code from err, classifying raw AWS errors when err is
// not already coded. Unknown errors map to INTERNAL_ERROR.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch {
	case IsThrottling(err):
		return CodeThrottling
	case IsAccessDenied(err):
		return CodeAccessDenied
	case IsCredentialsExpired(err):
		return CodeCredentialsExpired
	case IsServiceUnavailable(err):
		return CodeServiceUnavailable
	default:
		return CodeInternalError
	}
}

// This is not an exhaustive list, add to it as needed
var (
	throttlingErrorCodes = map[string]struct{}{
		"ThrottlingException":                    {},
		"Throttling":                             {},
		"TooManyRequestsException":               {},
		"RequestLimitExceeded":                   {},
		"ProvisionedThroughputExceededException": {},
	}
	accessDeniedErrorCodes = map[string]struct{}{
		"AccessDenied":                  {},
		"AccessDeniedException":         {},
		"UnauthorizedOperation":         {},
		"UninitializedAccountException": {},
	}
	expiredCredentialErrorCodes = map[string]struct{}{
		"ExpiredToken":          {},
		"ExpiredTokenException": {},
		"InvalidClientTokenId":  {},
	}
	unavailableErrorCodes = map[string]struct{}{
		"ServiceUnavailable":          {},
		"ServiceUnavailableException": {},
		"InternalServerError":         {},
		"InternalFailure":             {},
		"InternalServerException":     {},
	}
	notFoundErrorCodes = map[string]struct{}{
		"ResourceNotFoundException":       {},
		"ConditionalCheckFailedException": {},
	}
)

func apiErrorCode(err error) (string, bool) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode(), true
	}
	return "", false
}

// IsThrottling returns true if the err is an AWS error (even if it's wrapped)
// known to mean the request was rate limited.
func IsThrottling(err error) bool {
	if code, ok := apiErrorCode(err); ok {
		_, has := throttlingErrorCodes[code]
		return has
	}
	return false
}

// IsAccessDenied returns true if the err is an AWS error known to mean
// "access denied" (as opposed to a more serious or unexpected error).
func IsAccessDenied(err error) bool {
	if code, ok := apiErrorCode(err); ok {
		_, has := accessDeniedErrorCodes[code]
		return has
	}
	return false
}

// IsCredentialsExpired returns true if the err indicates the assumed-role
// session is no longer valid and must be refreshed through the broker.
func IsCredentialsExpired(err error) bool {
	if code, ok := apiErrorCode(err); ok {
		_, has := expiredCredentialErrorCodes[code]
		return has
	}
	return false
}

// IsAuthError returns true for the auth class: access denied or expired
// credentials.
func IsAuthError(err error) bool {
	return IsAccessDenied(err) || IsCredentialsExpired(err)
}

// IsServiceUnavailable returns true for 5xx-class AWS failures.
func IsServiceUnavailable(err error) bool {
	if code, ok := apiErrorCode(err); ok {
		_, has := unavailableErrorCodes[code]
		return has
	}
	return false
}

// IsNotFound returns true if the err is an AWS error known to mean the
// resource does not exist.
func IsNotFound(err error) bool {
	if code, ok := apiErrorCode(err); ok {
		_, has := notFoundErrorCodes[code]
		return has
	}
	return false
}

// IsTransient reports whether the error should be retried rather than
// recorded: throttling, 5xx, and network-level failures. Auth errors are not
// transient; they go through the credential refresh path instead.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsAuthError(err) {
		return false
	}
	if IsThrottling(err) || IsServiceUnavailable(err) {
		return true
	}
	if _, ok := apiErrorCode(err); ok {
		return false
	}
	// No API error code means the failure happened below the service layer.
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code == CodeThrottling || coded.Code == CodeServiceUnavailable || coded.Code == CodeNetworkError
	}
	return true
}
