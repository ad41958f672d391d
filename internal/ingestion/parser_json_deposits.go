package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/settleup/reconciler/internal/domain"
)

// QBODeposit is a Deposit entity as returned by the QuickBooks query API.
type QBODeposit struct {
	ID          string          `json:"Id"`
	TxnDate     string          `json:"TxnDate"`
	TotalAmt    decimal.Decimal `json:"TotalAmt"`
	PrivateNote string          `json:"PrivateNote,omitempty"`
}

// Raw converts the entity into an ingestion record. Date problems are
// reported through Malformed.
func (d QBODeposit) Raw() domain.RawDeposit {
	raw := domain.RawDeposit{ExternalID: d.ID, TotalAmount: d.TotalAmt}
	date, err := parseDate(d.TxnDate)
	if err != nil {
		raw.Malformed = "TxnDate: " + err.Error()
	}
	raw.DepositDate = date
	return raw
}

type qboQueryFile struct {
	QueryResponse struct {
		Deposit []QBODeposit `json:"Deposit"`
	} `json:"QueryResponse"`
}

// ParseDepositsJSON parses deposits exported from QuickBooks, either as a
// query response document or as a bare array of Deposit entities.
func ParseDepositsJSON(data []byte) ([]domain.RawDeposit, error) {
	data = bytes.TrimSpace(data)
	var entries []QBODeposit
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
	} else {
		var file qboQueryFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		entries = file.QueryResponse.Deposit
	}

	deposits := make([]domain.RawDeposit, 0, len(entries))
	for _, e := range entries {
		deposits = append(deposits, e.Raw())
	}
	return deposits, nil
}
