package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchFailed marks any failure to retrieve the full product list.
	ErrFetchFailed = errors.New("remote fetch failed")

	// ErrMutationFailed marks a create, update or delete the server did not accept.
	ErrMutationFailed = errors.New("remote mutation failed")

	// ErrNotFound is returned when the server has no product with the id.
	ErrNotFound = errors.New("product not found on server")
)

// Op names a write operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// MutationError describes a failed write. It matches ErrMutationFailed.
type MutationError struct {
	Op         Op
	ID         string
	StatusCode int // 0 when no response was received
	Message    string
	Err        error
}

func (e *MutationError) Error() string {
	target := "product"
	if e.ID != "" {
		target = "product " + e.ID
	}

	msg := fmt.Sprintf("failed to %s %s", e.Op, target)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrMutationFailed) hold for every MutationError.
func (e *MutationError) Is(target error) bool {
	return target == ErrMutationFailed
}

func (e *MutationError) Unwrap() error {
	return e.Err
}
