// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds. Every typed error below unwraps to exactly one of these so
// callers can branch with errors.Is at the per-ticker boundary.
var (
	ErrDataUnavailable    = errors.New("data unavailable")
	ErrComputationFailure = errors.New("computation failure")
	ErrExecution          = errors.New("execution error")
	ErrAdvisory           = errors.New("advisory error")
	ErrPersistence        = errors.New("persistence error")
)

// Standard sentinel errors
var (
	ErrPositionNotFound = errors.New("position not found")
	ErrDuplicateTicker  = errors.New("position already open for ticker")
	ErrMarketClosed     = errors.New("market is closed")
	ErrOrderRejected    = errors.New("order rejected")
	ErrTimeout          = errors.New("operation timed out")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrNoAPIKey         = errors.New("api key not configured")
)

// DataError represents missing or empty market data.
type DataError struct {
	DataType string
	Ticker   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Ticker, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Ticker, e.Message)
}

func (e *DataError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDataUnavailable, e.Err}
	}
	return []error{ErrDataUnavailable}
}

// NewDataError creates a new DataError.
func NewDataError(dataType, ticker, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Ticker:   ticker,
		Message:  message,
		Err:      err,
	}
}

// ComputationError represents a numerical routine that produced no usable result.
type ComputationError struct {
	Operation string
	Message   string
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("computation failure [%s]: %s", e.Operation, e.Message)
}

func (e *ComputationError) Unwrap() error {
	return ErrComputationFailure
}

// NewComputationError creates a new ComputationError.
func NewComputationError(operation, message string) *ComputationError {
	return &ComputationError{
		Operation: operation,
		Message:   message,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrExecution, e.Err}
	}
	return []error{ErrExecution}
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// AdvisoryError represents an unreachable or unparsable advisory service.
type AdvisoryError struct {
	Ticker    string
	Operation string
	Err       error
}

func (e *AdvisoryError) Error() string {
	return fmt.Sprintf("advisory error [%s] %s: %v", e.Operation, e.Ticker, e.Err)
}

func (e *AdvisoryError) Unwrap() []error {
	return []error{ErrAdvisory, e.Err}
}

// NewAdvisoryError creates a new AdvisoryError.
func NewAdvisoryError(ticker, operation string, err error) *AdvisoryError {
	return &AdvisoryError{
		Ticker:    ticker,
		Operation: operation,
		Err:       err,
	}
}

// PersistenceError represents a failed ledger write or read.
type PersistenceError struct {
	Operation string
	Key       string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error [%s] %s: %v", e.Operation, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// NewPersistenceError creates a new PersistenceError.
func NewPersistenceError(operation, key string, err error) *PersistenceError {
	return &PersistenceError{
		Operation: operation,
		Key:       key,
		Err:       err,
	}
}

// RiskError represents a risk management rejection.
type RiskError struct {
	Rule    string
	Current float64
	Limit   float64
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk violation [%s]: %s (current: %.2f, limit: %.2f)", e.Rule, e.Message, e.Current, e.Limit)
}

// NewRiskError creates a new RiskError.
func NewRiskError(rule string, current, limit float64, message string) *RiskError {
	return &RiskError{
		Rule:    rule,
		Current: current,
		Limit:   limit,
		Message: message,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
