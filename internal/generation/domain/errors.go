package domain

import "errors"

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidInput        = errors.New("invalid_input")
	ErrInvalidRequest      = errors.New("invalid_request")
	ErrDonationTooSmall    = errors.New("donation_below_minimum")
	ErrRequestNotFound     = errors.New("request_not_found")
	ErrCheckoutUnavailable = errors.New("checkout_unavailable")
	ErrRequestInFlight     = errors.New("request_in_flight")
	ErrRateLimited         = errors.New("rate_limited")
)
