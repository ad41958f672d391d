package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deposit is a bank deposit recorded in the accounting system (QBO).
type Deposit struct {
	ID          string          `json:"id"`
	ExternalID  string          `json:"external_id"`
	DepositDate time.Time       `json:"deposit_date"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	BatchID     string          `json:"batch_id,omitempty"`
	Version     int64           `json:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type RawDeposit struct {
	ExternalID  string          `json:"external_id" validate:"required,max=128"`
	DepositDate time.Time       `json:"deposit_date" validate:"nonzerodate"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Malformed   string          `json:"-" validate:"-"`
}
