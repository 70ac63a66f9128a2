package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// SlippageError is a business-rule rejection from the executor: the realized
// price moved outside the order's tolerance. Retriable, since re-quoting may
// yield an acceptable price.
type SlippageError struct {
	Expected    decimal.Decimal
	Executed    decimal.Decimal
	RealizedBps decimal.Decimal
	LimitBps    int64
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("slippage exceeded: realized %s bps > limit %d bps (expected %s, executed %s)",
		e.RealizedBps.StringFixed(2), e.LimitBps, e.Expected.String(), e.Executed.String())
}

func (e *SlippageError) IsRetriable() bool {
	return true
}

// InfraError represents a persistence or transport hiccup that may be retriable
type InfraError struct {
	Op        string // Operation that failed (e.g., "upsert_order", "broadcast")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *InfraError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *InfraError) IsRetriable() bool {
	return e.Retriable
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// NewInfraError creates a new retriable infrastructure error
func NewInfraError(op string, err error) *InfraError {
	return &InfraError{Op: op, Err: err, Retriable: true}
}

// NewFatalInfraError creates a non-retriable infrastructure error
func NewFatalInfraError(op string, err error) *InfraError {
	return &InfraError{Op: op, Err: err, Retriable: false}
}

var (
	// ErrOrderNotFound is returned when a dispatched job references a missing
	// order record. Fatal for the attempt, but still counted against the
	// retry ceiling by the queue.
	ErrOrderNotFound = errors.New("order not found")

	// ErrRetriesExhausted is the queue's terminal signal once the attempt
	// ceiling is reached.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrUnknownVenue is returned when execution targets a venue that is not
	// configured. Not retriable.
	ErrUnknownVenue = errors.New("unknown venue")
)
