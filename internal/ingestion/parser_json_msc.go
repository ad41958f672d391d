package ingestion

import (
	"github.com/shopspring/decimal"

	"github.com/settleup/reconciler/internal/domain"
)

// MSCBatch is a settlement batch as returned by the processor API.
type MSCBatch struct {
	ID          string          `json:"id"`
	BatchDate   string          `json:"batch_date"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Description string          `json:"description,omitempty"`
}

func (b MSCBatch) Raw() domain.RawBatch {
	raw := domain.RawBatch{ExternalID: b.ID, TotalAmount: b.TotalAmount, Description: b.Description}
	date, err := parseDate(b.BatchDate)
	if err != nil {
		raw.Malformed = "batch_date: " + err.Error()
	}
	raw.BatchDate = date
	return raw
}
