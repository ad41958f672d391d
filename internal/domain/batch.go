package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReconciliationStatus string

const (
	StatusPending     ReconciliationStatus = "PENDING"
	StatusMatched     ReconciliationStatus = "MATCHED"
	StatusDiscrepancy ReconciliationStatus = "DISCREPANCY"
)

func (s ReconciliationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusMatched, StatusDiscrepancy:
		return true
	}
	return false
}

// Batch is a settlement batch reported by the payment processor (MSC).
type Batch struct {
	ID                string               `json:"id"`
	ExternalID        string               `json:"external_id,omitempty"`
	BatchDate         time.Time            `json:"batch_date"`
	TotalAmount       decimal.Decimal      `json:"total_amount"`
	Status            ReconciliationStatus `json:"reconciliation_status"`
	ReconciledAt      *time.Time           `json:"reconciled_at,omitempty"`
	DiscrepancyReason string               `json:"discrepancy_reason,omitempty"`
	Version           int64                `json:"-"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// RawBatch is a batch as reported by the processor feed, before persistence.
// Malformed is non-empty when the source row could not be parsed.
type RawBatch struct {
	ExternalID  string          `json:"external_id" validate:"required,max=128"`
	BatchDate   time.Time       `json:"batch_date" validate:"nonzerodate"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Description string          `json:"description,omitempty" validate:"max=1024"`
	Malformed   string          `json:"-" validate:"-"`
}

// DateOnly truncates t to midnight UTC of its calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the absolute number of calendar days between a and b.
func DaysBetween(a, b time.Time) int {
	n := int(DateOnly(a).Sub(DateOnly(b)).Hours() / 24)
	if n < 0 {
		return -n
	}
	return n
}
