// Package domain defines the persistence model for settlement transactions
// and the lifecycle state machine that governs their status. The Transaction
// type is mapped with GORM and is shared by both record store backends.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Kind is the direction of a transaction relative to its account.
type Kind string

const (
	KindCredit Kind = "CREDIT"
	KindDebit  Kind = "DEBIT"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindCredit || k == KindDebit
}

var upper = cases.Upper(language.Und)

// ParseKind accepts "credit"/"debit" in any letter case and returns the
// canonical Kind. The second result is false for anything else.
func ParseKind(s string) (Kind, bool) {
	k := Kind(upper.String(strings.TrimSpace(s)))
	return k, k.Valid()
}

// Status is the settlement lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// transitions lists the permitted next states for each state.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusPending, StatusFailed},
}

// ErrIllegalTransition is returned when a status change is not permitted by
// the lifecycle.
var ErrIllegalTransition = errors.New("illegal status transition")

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether s -> next is an allowed lifecycle edge.
func (s Status) CanTransitionTo(next Status) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Transaction is a single settlement request for an account.
//
// Fields:
//   - ID: store-assigned primary key, immutable once created.
//   - ExternalID: caller-supplied idempotency key; globally unique.
//   - AccountID: opaque account key; indexed for balance and listing queries.
//   - Amount: strictly positive decimal amount within AmountFits; kept as
//     text in SQLite so it reads back exactly.
//   - Kind: CREDIT or DEBIT.
//   - Status: lifecycle state, see Status.
//   - PartnerReference: set by the partner on completion; nil otherwise.
//   - Attempts: number of settlement attempts that claimed the record.
//   - LastError: description of the most recent failed attempt.
//   - CreatedAt / UpdatedAt: timestamps; UpdatedAt also dates the current claim.
type Transaction struct {
	ID               int64           `json:"id"                          gorm:"primaryKey;autoIncrement"`
	ExternalID       string          `json:"external_id"                 gorm:"type:varchar(64);not null;uniqueIndex:ux_transactions_external_id"`
	AccountID        string          `json:"account_id"                  gorm:"type:varchar(128);not null;index:idx_transactions_account"`
	Amount           decimal.Decimal `json:"amount"                      gorm:"type:text;not null"`
	Kind             Kind            `json:"kind"                        gorm:"type:varchar(8);not null;check:kind IN ('CREDIT','DEBIT')"`
	Status           Status          `json:"status"                      gorm:"type:varchar(16);not null;index:idx_transactions_status;check:status IN ('pending','processing','completed','failed')"`
	PartnerReference *string         `json:"partner_reference,omitempty" gorm:"type:varchar(64)"`
	Attempts         int             `json:"attempts"                    gorm:"not null;default:0"`
	LastError        string          `json:"last_error,omitempty"        gorm:"type:text"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TableName returns the database table name for Transaction.
func (Transaction) TableName() string { return "transactions" }

// transition moves t to next, or returns ErrIllegalTransition.
func (t *Transaction) transition(next Status) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, next)
	}
	t.Status = next
	return nil
}

// Claim marks a pending transaction as processing.
func (t *Transaction) Claim() error {
	if err := t.transition(StatusProcessing); err != nil {
		return err
	}
	t.Attempts++
	return nil
}

// Complete records a successful settlement with the partner's reference.
func (t *Transaction) Complete(ref string) error {
	if err := t.transition(StatusCompleted); err != nil {
		return err
	}
	t.PartnerReference = &ref
	t.LastError = ""
	return nil
}

// Release returns a processing transaction to pending after a failed
// attempt that will be retried.
func (t *Transaction) Release(reason string) error {
	if err := t.transition(StatusPending); err != nil {
		return err
	}
	t.LastError = reason
	return nil
}

// Fail marks a processing transaction as permanently failed.
func (t *Transaction) Fail(reason string) error {
	if err := t.transition(StatusFailed); err != nil {
		return err
	}
	t.LastError = reason
	return nil
}

// Amount bounds shared by both record stores: at most AmountScale
// fractional digits and AmountIntDigits integer digits (NUMERIC(20,4)).
const (
	AmountScale     = 4
	AmountIntDigits = 16
)

var amountCeiling = decimal.New(1, AmountIntDigits)

// AmountFits reports whether d is stored exactly by either backend.
// Trailing fractional zeros do not count against the scale.
func AmountFits(d decimal.Decimal) bool {
	if !d.Equal(d.Truncate(AmountScale)) {
		return false
	}
	return d.Abs().LessThan(amountCeiling)
}

// Signed returns the amount as it contributes to a balance: positive for
// credits, negative for debits.
func (t *Transaction) Signed() decimal.Decimal {
	if t.Kind == KindDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}
