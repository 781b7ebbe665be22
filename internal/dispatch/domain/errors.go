package domain

import (
	"errors"

	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	// ErrDispatchRetryable marks provider failures worth another attempt.
	// The task stays without an external id and the recovery job retries.
	ErrDispatchRetryable = errors.New("dispatch_retryable")
	// ErrDispatchTerminal marks failures that must be compensated.
	ErrDispatchTerminal = errors.New("dispatch_terminal")
	ErrDeadlineExceeded = errors.New(generationdomain.TaskErrDispatchDeadline)
)
