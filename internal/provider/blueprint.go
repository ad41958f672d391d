package provider

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/settleup/reconciler/internal/domain"
	"github.com/settleup/reconciler/internal/ingestion"
)

const blueprintReportName = "Payments and Refunds (Cash Flow)"

// Blueprint downloads the ledger cash flow report. The report service
// answers with either a workbook or CSV; the whole period is one download.
type Blueprint struct {
	http      *resty.Client
	reportURL string
}

// NewBlueprint takes the full report endpoint URL.
func NewBlueprint(reportURL, apiKey string, timeout time.Duration, log logrus.FieldLogger) *Blueprint {
	c := newHTTPClient("", timeout, log.WithField("module", "provider.blueprint")).
		SetHeader("Accept", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet, text/csv")
	if apiKey != "" {
		c.SetHeader("X-API-Key", apiKey)
	}
	return &Blueprint{http: c, reportURL: reportURL}
}

func (b *Blueprint) Tag() domain.Provider { return domain.ProviderBlueprint }

func (b *Blueprint) RequiresAuth() bool { return false }

func (b *Blueprint) FetchTransactions(ctx context.Context, req Request) (*Result[domain.RawTransaction], error) {
	until := req.Until
	if until.IsZero() {
		until = time.Now().UTC()
	}
	res, err := b.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"name":          blueprintReportName,
			"periodStart":   req.Since.Format(dateLayout),
			"periodEnd":     until.Format(dateLayout),
			"showDetails":   "Yes",
			"reportVersion": "XLS",
		}).
		Get(b.reportURL)
	if err != nil {
		return nil, transportError(domain.ProviderBlueprint, domain.OpFetchTransactions, err)
	}
	if res.IsError() {
		return nil, statusError(domain.ProviderBlueprint, domain.OpFetchTransactions, res)
	}

	body := res.Body()
	var txns []domain.RawTransaction
	if isWorkbook(res.Header().Get("Content-Type"), body) {
		txns, err = ingestion.ParseBlueprintXLSX(bytes.NewReader(body))
	} else {
		txns, err = ingestion.ParseBlueprintCSV(bytes.NewReader(body))
	}
	if err != nil {
		return nil, &domain.ProviderError{
			Provider:   domain.ProviderBlueprint,
			Operation:  domain.OpFetchTransactions,
			HTTPStatus: res.StatusCode(),
			Err:        fmt.Errorf("parse report: %w", err),
		}
	}
	return &Result[domain.RawTransaction]{Records: txns, Pages: 1, HTTPStatus: res.StatusCode()}, nil
}

// isWorkbook sniffs the zip signature when the content type is generic.
func isWorkbook(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "spreadsheet") || strings.Contains(ct, "excel") {
		return true
	}
	return bytes.HasPrefix(body, []byte("PK\x03\x04"))
}
