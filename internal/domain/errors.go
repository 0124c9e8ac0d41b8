package domain

import "fmt"

// Error types for consistent error handling across the reconciliation engine.

// ErrNotFound indicates a resource was not found (batch, item, payment).
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrInvalidTransition indicates an illegal batch or item status change.
type ErrInvalidTransition struct {
	Entity string
	From   string
	To     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// ErrBatchClosed indicates a mutation was attempted on a CLOSED or CANCELED batch.
type ErrBatchClosed struct {
	BatchID string
	Status  BatchStatus
}

func (e *ErrBatchClosed) Error() string {
	return fmt.Sprintf("batch %s is %s and can no longer be modified", e.BatchID, e.Status)
}

// ErrPaymentAlreadyLinked indicates the payment is already the match of another item in the batch.
type ErrPaymentAlreadyLinked struct {
	PaymentID string
	ItemID    string
}

func (e *ErrPaymentAlreadyLinked) Error() string {
	return fmt.Sprintf("payment %s is already linked to item %s", e.PaymentID, e.ItemID)
}

// ErrInvalidResolutionType indicates a missing or unknown resolution type.
type ErrInvalidResolutionType struct {
	Value string
}

func (e *ErrInvalidResolutionType) Error() string {
	if e.Value == "" {
		return "resolution type is required"
	}
	return fmt.Sprintf("invalid resolution type: %s", e.Value)
}

// ErrConcurrentModification indicates a lost optimistic-lock race.
type ErrConcurrentModification struct {
	Resource string
	ID       string
}

func (e *ErrConcurrentModification) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently", e.Resource, e.ID)
}

// ErrMalformedImportRow describes a single rejected import row. It is collected,
// never returned as the error of the whole import.
type ErrMalformedImportRow struct {
	Row    int    `json:"row"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ErrMalformedImportRow) Error() string {
	return fmt.Sprintf("row %d: invalid %s: %s", e.Row, e.Field, e.Reason)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}
