package ingestion

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/settleup/reconciler/internal/currency"
	"github.com/settleup/reconciler/internal/domain"
)

// ParseMSCBatchesCSV parses an MSC settlement batch export.
//
// Columns are located by name; a typical header is:
//
//	Batch ID,Batch Date,Total Amount,Description
//
// Rows whose date or amount cannot be read are returned with Malformed set
// so ingestion rejects them individually.
func ParseMSCBatchesCSV(r io.Reader) ([]domain.RawBatch, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	first, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	h := newHeader(first)
	idCol := h.find([]string{"batch id", "batch_id", "external_id", "id", "batch"}, "date", "amount", "total")
	dateCol := h.find([]string{"batch date", "batch_date", "date"})
	amountCol := h.find([]string{"total amount", "total_amount", "amount", "total"})
	descCol := h.find([]string{"description", "desc"})
	if idCol < 0 || dateCol < 0 || amountCol < 0 {
		return nil, errors.New("header must name batch id, date and amount columns")
	}

	var batches []domain.RawBatch
	lineNum := 1
	for {
		lineNum++
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if blankRow(row) {
			continue
		}

		b := domain.RawBatch{
			ExternalID:  cell(row, idCol),
			Description: cell(row, descCol),
		}
		var problems []string
		if b.BatchDate, err = parseDate(cell(row, dateCol)); err != nil {
			problems = append(problems, "date: "+err.Error())
		}
		if b.TotalAmount, err = currency.Parse(cell(row, amountCol)); err != nil {
			problems = append(problems, "amount: "+err.Error())
		}
		if len(problems) > 0 {
			b.Malformed = fmt.Sprintf("line %d: %s", lineNum, strings.Join(problems, "; "))
		}
		batches = append(batches, b)
	}

	if len(batches) == 0 {
		return nil, errors.New("no data rows")
	}
	return batches, nil
}
