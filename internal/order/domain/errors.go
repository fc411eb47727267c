package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransport = errors.New("transport_error")
	ErrAuth      = errors.New("auth_error")
	ErrRejected  = errors.New("mutation_rejected")
)

// FieldError is one field-level complaint from the remote service.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// MutationError reports that the remote service refused a mutation.
type MutationError struct {
	OrderID string
	Errors  []FieldError
}

func (e *MutationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		if fe.Field != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
			continue
		}
		parts = append(parts, fe.Message)
	}
	return fmt.Sprintf("mutation rejected for order %s: %s", e.OrderID, strings.Join(parts, "; "))
}

func (e *MutationError) Unwrap() error { return ErrRejected }

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrAuth)
}
