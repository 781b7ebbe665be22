package domain

import "errors"

var (
	ErrInvalidTask  = errors.New("invalid_task")
	ErrTaskNotFound = errors.New("task_not_found")
	// ErrMissingArtifacts is a completed status that carries no tracks.
	ErrMissingArtifacts = errors.New("completed_without_artifacts")
	ErrNotDispatched    = errors.New("task_not_dispatched")
)
