package domain

import "errors"

var (
	ErrInvalidName = errors.New("invalid_cursor_name")
	ErrInvalidDate = errors.New("invalid_cursor_date")
	ErrNotFound    = errors.New("cursor_not_found")
)
