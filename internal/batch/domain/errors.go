package domain

import "errors"

var (
	ErrNotFound        = errors.New("batch_not_found")
	ErrAlreadyFinished = errors.New("batch_already_finished")
	ErrInvalidID       = errors.New("invalid_batch_id")
	ErrRunFailed       = errors.New("batch_run_failed")
	ErrInvalidStatus   = errors.New("invalid_batch_status")
)
