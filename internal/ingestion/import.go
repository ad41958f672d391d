package ingestion

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/settleup/reconciler/internal/domain"
	"github.com/settleup/reconciler/internal/reconciliation"
	"github.com/settleup/reconciler/internal/synclog"
)

// Recorder audits an import as a sync log.
type Recorder interface {
	Record(ctx context.Context, c synclog.Call, fn func(ctx context.Context) (synclog.Result, error)) error
}

// Reconciler runs a matching pass after an import.
type Reconciler interface {
	RunPass(ctx context.Context) (*reconciliation.PassResult, error)
}

// Format names a supported upload format.
type Format string

const (
	FormatMSCCSV        Format = "msc_csv"
	FormatBlueprintCSV  Format = "blueprint_csv"
	FormatBlueprintXLSX Format = "blueprint_xlsx"
	FormatDepositsJSON  Format = "deposits_json"
)

func (f Format) provider() (domain.Provider, bool) {
	switch f {
	case FormatMSCCSV:
		return domain.ProviderMSC, true
	case FormatBlueprintCSV, FormatBlueprintXLSX:
		return domain.ProviderBlueprint, true
	case FormatDepositsJSON:
		return domain.ProviderQBO, true
	}
	return "", false
}

// ImportResult is returned from Import.
type ImportResult struct {
	Format Format                     `json:"format"`
	Upsert *Result                    `json:"upsert"`
	Pass   *reconciliation.PassResult `json:"reconciliation,omitempty"`
}

var ErrImportsDisabled = errors.New("imports are not configured")

// Import parses an uploaded file, upserts its records and, if configured,
// runs a reconciliation pass. The whole import is recorded as one IMPORT
// sync log.
func (s *Service) Import(ctx context.Context, format Format, data []byte) (*ImportResult, error) {
	if s.recorder == nil {
		return nil, ErrImportsDisabled
	}
	provider, ok := format.provider()
	if !ok {
		return nil, &domain.ValidationError{Entity: "import", Field: "format", Reason: fmt.Sprintf("unsupported format %q", format)}
	}

	out := &ImportResult{Format: format}
	call := synclog.Call{
		Provider:  provider,
		Operation: domain.OpImport,
		Request: map[string]any{
			"format": format,
			"bytes":  len(data),
			"sha256": fmt.Sprintf("%x", sha256.Sum256(data)),
		},
	}
	err := s.recorder.Record(ctx, call, func(ctx context.Context) (synclog.Result, error) {
		res, err := s.importRecords(ctx, format, data)
		if err != nil {
			return synclog.Result{}, err
		}
		out.Upsert = res
		return synclog.Result{Response: res}, nil
	})
	if err != nil {
		return nil, err
	}

	if s.reconciler != nil {
		pass, err := s.reconciler.RunPass(ctx)
		if err != nil {
			// The import itself succeeded; matching runs again next cycle.
			s.log.WithError(err).Warn("reconciliation after import failed")
		}
		out.Pass = pass
	}
	return out, nil
}

func (s *Service) importRecords(ctx context.Context, format Format, data []byte) (*Result, error) {
	switch format {
	case FormatMSCCSV:
		raws, err := ParseMSCBatchesCSV(bytes.NewReader(data))
		if err != nil {
			return nil, parseError(format, err)
		}
		return s.UpsertBatches(ctx, raws)
	case FormatBlueprintCSV:
		raws, err := ParseBlueprintCSV(bytes.NewReader(data))
		if err != nil {
			return nil, parseError(format, err)
		}
		return s.UpsertTransactions(ctx, raws)
	case FormatBlueprintXLSX:
		raws, err := ParseBlueprintXLSX(bytes.NewReader(data))
		if err != nil {
			return nil, parseError(format, err)
		}
		return s.UpsertTransactions(ctx, raws)
	case FormatDepositsJSON:
		raws, err := ParseDepositsJSON(data)
		if err != nil {
			return nil, parseError(format, err)
		}
		return s.UpsertDeposits(ctx, raws)
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

func parseError(format Format, err error) error {
	return &domain.ValidationError{Entity: "import", Field: string(format), Reason: err.Error()}
}
