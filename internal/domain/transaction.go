package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderMSC       Provider = "MSC"
	ProviderQBO       Provider = "QBO"
	ProviderBlueprint Provider = "BLUEPRINT"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderMSC, ProviderQBO, ProviderBlueprint:
		return true
	}
	return false
}

// Transaction is an internal ledger entry from Blueprint.
type Transaction struct {
	ID              string          `json:"id"`
	ExternalID      string          `json:"external_id"`
	TransactionDate time.Time       `json:"transaction_date"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
	BatchID         string          `json:"batch_id,omitempty"`
	Version         int64           `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type RawTransaction struct {
	ExternalID      string          `json:"external_id" validate:"required,max=128"`
	TransactionDate time.Time       `json:"transaction_date" validate:"nonzerodate"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description" validate:"max=1024"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	Clinic          string          `json:"clinic,omitempty"`
	Malformed       string          `json:"-" validate:"-"`
}
