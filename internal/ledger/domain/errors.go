package domain

import "errors"

var (
	ErrInvalidUser        = errors.New("invalid_user")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidSource      = errors.New("invalid_source")
	ErrUserNotFound       = errors.New("user_not_found")
	ErrInsufficientCredit = errors.New("insufficient_credit")
)
