package errors

import (
	"context"
	"errors"
	"net/http"
)

// KindOf maps an error to its taxonomy kind. Unrecognized errors map to
// KindNetwork when they look transport-shaped is not attempted here; the
// httpclient wraps transport failures in NetworkError before they reach
// callers, so anything else is reported as "store" by the store layer or
// falls back to "network".
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCrash):
		return KindCrash
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return KindCanceled
	}

	var (
		validation *ValidationError
		plan       *PlanError
		resolve    *ResolveError
		policy     *PolicyError
		network    *NetworkError
		timeout    *TimeoutError
		status     *HTTPStatusError
		criterion  *CriterionError
		expr       *ExpressionError
		secret     *SecretError
		store      *StoreError
	)
	switch {
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &plan):
		return KindPlan
	case errors.As(err, &resolve):
		return KindResolve
	case errors.As(err, &policy):
		return KindPolicy
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &status):
		return KindHTTPStatus
	case errors.As(err, &criterion):
		return KindCriterion
	case errors.As(err, &expr):
		return KindExpression
	case errors.As(err, &secret):
		return KindSecret
	case errors.As(err, &store):
		return KindStore
	case errors.As(err, &network):
		return KindNetwork
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindNetwork
	}
}

// Retryable reports whether the retry controller may schedule another
// attempt for this error. Policy violations, criterion failures, and
// client errors other than 408/429 are terminal.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout:
		return true
	case KindHTTPStatus:
		var status *HTTPStatusError
		if errors.As(err, &status) {
			return RetryableStatus(status.Status)
		}
		return false
	default:
		return false
	}
}

// RetryableStatus reports whether an HTTP status code is retryable:
// any 5xx, plus 408 and 429.
func RetryableStatus(code int) bool {
	switch {
	case code >= 500 && code < 600:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Canceled reports whether the error represents cancellation, either via
// the taxonomy sentinel or the context package.
func Canceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}
