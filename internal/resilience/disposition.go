package resilience

import (
	"errors"
	"net/http"
	"strings"
)

// Disposition is the retry/fatal classification of a failed external call.
type Disposition int

const (
	// TransientFailure covers timeouts, 5xx and anything unrecognized.
	TransientFailure Disposition = iota
	// RateLimited is an HTTP 429 from the provider.
	RateLimited
	// ProviderFailure is an error reported by the provider in its own error envelope.
	ProviderFailure
	// PermanentFailure means credentials were rejected or the input is unusable.
	PermanentFailure
)

func (d Disposition) String() string {
	switch d {
	case RateLimited:
		return "rate_limited"
	case ProviderFailure:
		return "provider_error"
	case PermanentFailure:
		return "permanent_error"
	default:
		return "transient_error"
	}
}

// Retryable reports whether the disposition resolves to "retry later".
func (d Disposition) Retryable() bool {
	return d != PermanentFailure
}

// ProviderErrorMarker is the substring the profile provider puts in error
// messages it generates itself. Only used for errors that lost their type.
const ProviderErrorMarker = "provider_error"

// StatusCoder is implemented by HTTP client errors that carry a status code.
type StatusCoder interface {
	HTTPStatus() int
}

// ProviderCoder is implemented by errors that carry a provider error code.
type ProviderCoder interface {
	ProviderErrorCode() string
}

// Classify maps a failure from the scraping capability to a Disposition.
// Precedence: 429, provider error code/marker, 401/403, everything else.
// Validation failures are permanent.
func Classify(err error) Disposition {
	if err == nil {
		return TransientFailure
	}

	status := 0
	var sc StatusCoder
	if errors.As(err, &sc) {
		status = sc.HTTPStatus()
	} else {
		var te *TransientError
		if errors.As(err, &te) {
			status = te.StatusCode
		}
	}

	if status == http.StatusTooManyRequests {
		return RateLimited
	}

	var pc ProviderCoder
	if errors.As(err, &pc) && pc.ProviderErrorCode() != "" {
		return ProviderFailure
	}
	if strings.Contains(err.Error(), ProviderErrorMarker) {
		return ProviderFailure
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return PermanentFailure
	}
	if IsValidation(err) {
		return PermanentFailure
	}
	return TransientFailure
}

// IsRetryable reports whether the orchestrator should schedule another
// attempt for err.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}
