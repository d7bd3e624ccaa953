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

// Package errors defines the broker's error taxonomy. Every failure that crosses a
// package boundary is a *Error with a Kind; retry policy and host-factory status
// mapping key off the Kind, never off provider error strings.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Kind partitions failures by how callers should react to them.
type Kind string

const (
	KindValidation          Kind = "Validation"
	KindQuota               Kind = "Quota"
	KindResourceInUse       Kind = "ResourceInUse"
	KindAuthorization       Kind = "Authorization"
	KindRateLimit           Kind = "RateLimit"
	KindNotFound            Kind = "NotFound"
	KindNetwork             Kind = "Network"
	KindInternal            Kind = "Internal"
	KindCircuitOpen         Kind = "CircuitOpen"
	KindInvalidState        Kind = "InvalidState"
	KindConfiguration       Kind = "Configuration"
	KindPartialProvisioning Kind = "PartialProvisioning"
)

// retryableKinds are transient by nature. Everything else fails fast: retrying a
// validation or authorization failure only burns API quota.
var retryableKinds = sets.New(KindRateLimit, KindNetwork, KindInternal)

// Error is the broker's typed error. Service and Operation identify the cloud call
// that produced it when one did.
type Error struct {
	Kind      Kind
	Service   string
	Operation string
	Code      string
	message   string
	cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Service != "" {
		fmt.Fprintf(&b, " (%s/%s)", e.Service, e.Operation)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.message != "" {
		b.WriteString(": ")
		b.WriteString(e.message)
	}
	if e.cause != nil && e.message == "" {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the retry policy may re-attempt the operation.
func (e *Error) Retryable() bool { return retryableKinds.Has(e.Kind) }

// New returns an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error without losing the chain.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, message: fmt.Sprintf(format, args...), cause: err}
}

func Validationf(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func Configurationf(format string, args ...interface{}) *Error {
	return New(KindConfiguration, format, args...)
}

func InvalidStatef(format string, args ...interface{}) *Error {
	return New(KindInvalidState, format, args...)
}

func NotFoundf(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func CircuitOpenf(format string, args ...interface{}) *Error {
	return New(KindCircuitOpen, format, args...)
}

// PartialProvisioningError reports that a provisioning call landed some capacity
// but not all of it. Reasons carry the provider-reported launch failures.
type PartialProvisioningError struct {
	Requested   int
	Provisioned int
	Reasons     []string
}

func (e *PartialProvisioningError) Error() string {
	return fmt.Sprintf("provisioned %d of %d requested instances: %s",
		e.Provisioned, e.Requested, strings.Join(e.Reasons, "; "))
}

// This is not an exhaustive list, add to it as needed
var (
	throttlingCodes = sets.New(
		"Throttling",
		"ThrottlingException",
		"RequestLimitExceeded",
		"RequestThrottled",
		"RequestThrottledException",
		"TooManyRequestsException",
		"EC2ThrottledException",
	)
	authorizationCodes = sets.New(
		"UnauthorizedOperation",
		"AccessDenied",
		"AccessDeniedException",
		"AuthFailure",
		"UnrecognizedClientException",
		"InvalidClientTokenId",
		"OptInRequired",
	)
	quotaCodes = sets.New(
		"InsufficientInstanceCapacity",
		"MaxSpotInstanceCountExceeded",
		"VcpuLimitExceeded",
		"InstanceLimitExceeded",
		"UnfulfillableCapacity",
	)
	validationCodes = sets.New(
		"ValidationError",
		"ValidationException",
		"MissingParameter",
		"InvalidAMIID.Malformed",
		"InvalidLaunchTemplateName.MalformedException",
	)
	inUseCodes = sets.New(
		"DependencyViolation",
		"ResourceInUse",
		"ResourceInUseException",
		"ScalingActivityInProgress",
		"ResourceContention",
	)
	alreadyExistsCodes = sets.New(
		"InvalidLaunchTemplateName.AlreadyExistsException",
		"AlreadyExists",
	)
	// IAM spells not-found differently from EC2.
	notFoundCodes = sets.New(
		"NoSuchEntity",
		"NoSuchEntityException",
	)
)

// Classify maps an arbitrary failure from the named cloud call onto the taxonomy.
// Already classified errors pass through with call coordinates filled in.
func Classify(service, operation string, err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		if typed.Service == "" {
			typed.Service, typed.Operation = service, operation
		}
		return typed
	}
	if apiErr, ok := lo.ErrorsAs[smithy.APIError](err); ok {
		return &Error{
			Kind:      kindForCode(apiErr.ErrorCode()),
			Service:   service,
			Operation: operation,
			Code:      apiErr.ErrorCode(),
			message:   apiErr.ErrorMessage(),
			cause:     err,
		}
	}
	if isNetworkError(err) {
		return &Error{Kind: KindNetwork, Service: service, Operation: operation, cause: err}
	}
	return &Error{Kind: KindInternal, Service: service, Operation: operation, cause: err}
}

// KindForCode maps a bare AWS error code onto the taxonomy, for callers that
// receive codes outside an API error shape (fleet error lists).
func KindForCode(code string) Kind {
	return kindForCode(code)
}

func kindForCode(code string) Kind {
	switch {
	case throttlingCodes.Has(code):
		return KindRateLimit
	case strings.Contains(code, "NotFound") || notFoundCodes.Has(code):
		return KindNotFound
	case authorizationCodes.Has(code):
		return KindAuthorization
	case quotaCodes.Has(code) || strings.HasSuffix(code, "LimitExceeded"):
		return KindQuota
	case validationCodes.Has(code) || strings.HasPrefix(code, "InvalidParameter") || strings.HasPrefix(code, "Malformed"):
		return KindValidation
	case inUseCodes.Has(code) || strings.HasSuffix(code, ".InUse"):
		return KindResourceInUse
	case alreadyExistsCodes.Has(code):
		return KindResourceInUse
	default:
		return KindInternal
	}
}

func isNetworkError(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr)
}

// IsRetryable returns true if the err maps to a kind the retry policy may re-attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Retryable()
	}
	return Classify("", "", err).Retryable()
}

func isKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Kind == kind
	}
	return false
}

// IsNotFound returns true if the err is known to mean "not found" (as opposed to a
// more serious or unexpected error), even if it's wrapped.
func IsNotFound(err error) bool {
	if isKind(err, KindNotFound) {
		return true
	}
	if apiErr, ok := lo.ErrorsAs[smithy.APIError](err); ok {
		code := apiErr.ErrorCode()
		if strings.Contains(code, "NotFound") || notFoundCodes.Has(code) {
			return true
		}
		// The autoscaling API reports missing groups and instances as
		// ValidationError rather than a dedicated code.
		return code == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "not found")
	}
	return false
}

// IsAlreadyExists returns true if the err means the named resource was created by a
// concurrent caller, even if it's wrapped.
func IsAlreadyExists(err error) bool {
	if apiErr, ok := lo.ErrorsAs[smithy.APIError](err); ok {
		return alreadyExistsCodes.Has(apiErr.ErrorCode())
	}
	return false
}

func IsRateLimited(err error) bool   { return isKind(err, KindRateLimit) }
func IsValidation(err error) bool    { return isKind(err, KindValidation) }
func IsAuthorization(err error) bool { return isKind(err, KindAuthorization) }
func IsQuotaExceeded(err error) bool { return isKind(err, KindQuota) }
func IsCircuitOpen(err error) bool   { return isKind(err, KindCircuitOpen) }
func IsInvalidState(err error) bool  { return isKind(err, KindInvalidState) }
func IsConfiguration(err error) bool { return isKind(err, KindConfiguration) }

// KindOf extracts the kind for metadata and metrics labels.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Kind
	}
	var partial *PartialProvisioningError
	if stderrors.As(err, &partial) {
		return KindPartialProvisioning
	}
	return KindInternal
}
