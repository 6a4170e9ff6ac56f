package idempotency

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyRequired is returned when a marked route is called without the key header.
	ErrKeyRequired = errors.New("idempotency key required and the required header is '" + KeyHeader + "'")
	// ErrAlreadyReserved is returned to the losing side of a reservation race and to
	// duplicates that arrive while the first request is still in flight.
	ErrAlreadyReserved = errors.New("idempotency key already exists")
)

type UnsupportedMethodError struct {
	Method string
}

func (e *UnsupportedMethodError) Error() string {
	return "idempotency key is not supported for this method: " + e.Method
}

// StoreUnavailableError wraps a transport or backend failure of a Store call.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("idempotency %s: store unavailable: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

func unavailable(op string, err error) error {
	return &StoreUnavailableError{Op: op, Err: err}
}
