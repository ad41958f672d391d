package ingestion

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/settleup/reconciler/internal/currency"
	"github.com/settleup/reconciler/internal/domain"
)

// ParseBlueprintCSV parses a Blueprint cashflow report exported as CSV.
// Column names vary between report versions; they are matched by keyword,
// e.g. "Transaction ID", "Date", "Amount", "Payment Method", "Notes",
// "Clinic".
func ParseBlueprintCSV(r io.Reader) ([]domain.RawTransaction, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return blueprintRows(rows)
}

// ParseBlueprintXLSX parses the same report downloaded as a workbook. The
// first sheet is read; dates may be stored as Excel serial numbers.
func ParseBlueprintXLSX(r io.Reader) ([]domain.RawTransaction, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return blueprintRows(rows)
}

func blueprintRows(rows [][]string) ([]domain.RawTransaction, error) {
	// Report exports may carry title lines above the header.
	start := -1
	for i, row := range rows {
		h := newHeader(row)
		if h.find([]string{"date"}) >= 0 && h.find([]string{"amount", "total"}) >= 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, errors.New("report must have date and amount columns")
	}

	h := newHeader(rows[start])
	dateCol := h.find([]string{"transaction date", "date"})
	amountCol := h.find([]string{"amount", "total", "payment amount"}, "method", "type")
	idCol := h.find([]string{"transaction id", "id", "reference", "ref", "transaction"}, "date", "amount", "clinic")
	descCol := h.find([]string{"description", "desc", "notes", "note", "memo"})
	methodCol := h.find([]string{"payment method", "method", "type"})
	clinicCol := h.find([]string{"clinic", "location", "site"})

	var txns []domain.RawTransaction
	var err error
	for i, row := range rows[start+1:] {
		lineNum := start + i + 2
		if blankRow(row) {
			continue
		}
		// Footer totals repeat the amount column without a date.
		if cell(row, dateCol) == "" && strings.Contains(strings.ToLower(strings.Join(row, " ")), "total") {
			continue
		}

		t := domain.RawTransaction{
			ExternalID:    cell(row, idCol),
			Description:   cell(row, descCol),
			PaymentMethod: cell(row, methodCol),
			Clinic:        cell(row, clinicCol),
		}
		var problems []string
		if t.TransactionDate, err = parseDate(cell(row, dateCol)); err != nil {
			problems = append(problems, "date: "+err.Error())
		}
		if t.Amount, err = currency.Parse(cell(row, amountCol)); err != nil {
			problems = append(problems, "amount: "+err.Error())
		}
		if t.ExternalID == "" && len(problems) == 0 {
			// Reports without an id column get a stable positional id.
			t.ExternalID = fmt.Sprintf("BP-%s-%d", t.TransactionDate.Format("2006-01-02"), lineNum)
		}
		if len(problems) > 0 {
			t.Malformed = fmt.Sprintf("line %d: %s", lineNum, strings.Join(problems, "; "))
		}
		txns = append(txns, t)
	}
	return txns, nil
}
