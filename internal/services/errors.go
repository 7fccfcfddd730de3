// Package services defines the business logic for transaction intake,
// lookup, re-dispatch and account balances. This file centralizes the
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// Translation into HTTP status codes is performed at the handler layer.
package services

import "errors"

// Transaction-related errors.
var (
	// ErrInvalidAmount is returned when a new transaction's amount is zero,
	// negative, or finer than the stores can hold (domain.AmountFits).
	// Nothing is persisted.
	ErrInvalidAmount = errors.New("amount must be greater than zero with at most 4 decimal places and 16 integer digits")

	// ErrInvalidKind is returned when the kind is neither CREDIT nor DEBIT.
	ErrInvalidKind = errors.New("kind must be CREDIT or DEBIT")

	// ErrInvalidInput is returned when a required field is missing or malformed.
	ErrInvalidInput = errors.New("invalid transaction input")

	// ErrTransactionNotFound indicates that no record exists for the id.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDispatchUnavailable is returned when the record was stored but could
	// not be handed to the dispatch queue. The record stays pending.
	ErrDispatchUnavailable = errors.New("dispatch queue unavailable")

	// ErrNotDispatchable is returned when re-dispatch is requested for a
	// record that is not pending.
	ErrNotDispatchable = errors.New("transaction is not pending")
)

// Account-related errors.
var (
	// ErrAccountNotFound indicates that no transaction of any status
	// references the account.
	ErrAccountNotFound = errors.New("account not found")
)
