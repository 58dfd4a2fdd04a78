package ratelimit

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest signals misuse of the admission API, as opposed to throttling.
	ErrInvalidRequest = errors.New("invalid admission request")

	// ErrUnknownEndpoint is returned for endpoints absent from the tier table.
	ErrUnknownEndpoint = fmt.Errorf("%w: unknown endpoint", ErrInvalidRequest)

	// ErrInvalidTierTable is returned when the static quota table is misconfigured.
	ErrInvalidTierTable = errors.New("invalid tier table")

	// ErrLimiterUnavailable wraps failures of a limiter backend.
	ErrLimiterUnavailable = errors.New("rate limiter unavailable")
)
