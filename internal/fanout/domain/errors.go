package domain

import "errors"

var (
	ErrInvalidSong   = errors.New("invalid_song")
	ErrInvalidPeriod = errors.New("invalid_period")
	ErrInvalidStat   = errors.New("invalid_stat")
)
