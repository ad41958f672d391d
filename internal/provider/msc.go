package provider

import (
	"context"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/settleup/reconciler/internal/domain"
	"github.com/settleup/reconciler/internal/ingestion"
)

// MSC fetches settlement batches from the payment processor.
type MSC struct {
	http     *resty.Client
	maxPages int
}

func NewMSC(baseURL, apiKey string, timeout time.Duration, log logrus.FieldLogger) *MSC {
	c := newHTTPClient(baseURL, timeout, log.WithField("module", "provider.msc"))
	if apiKey != "" {
		c.SetHeader("X-API-Key", apiKey)
	}
	return &MSC{http: c, maxPages: 1000}
}

func (m *MSC) Tag() domain.Provider { return domain.ProviderMSC }

func (m *MSC) RequiresAuth() bool { return false }

type mscBatchPage struct {
	Batches  []ingestion.MSCBatch `json:"batches"`
	NextPage *int                 `json:"next_page"`
}

// FetchBatches follows next_page until the processor stops returning one.
func (m *MSC) FetchBatches(ctx context.Context, req Request) (*Result[domain.RawBatch], error) {
	out := &Result[domain.RawBatch]{}
	page := 1
	for {
		var body mscBatchPage
		r := m.http.R().
			SetContext(ctx).
			SetResult(&body).
			ForceContentType("application/json").
			SetQueryParam("since", req.Since.Format(dateLayout)).
			SetQueryParam("page", strconv.Itoa(page))
		if !req.Until.IsZero() {
			r.SetQueryParam("until", req.Until.Format(dateLayout))
		}
		res, err := r.Get("/v1/batches")
		if err != nil {
			return nil, transportError(domain.ProviderMSC, domain.OpFetchBatches, err)
		}
		if res.IsError() {
			return nil, statusError(domain.ProviderMSC, domain.OpFetchBatches, res)
		}

		out.Pages++
		out.HTTPStatus = res.StatusCode()
		for _, b := range body.Batches {
			out.Records = append(out.Records, b.Raw())
		}
		if body.NextPage == nil || *body.NextPage <= page || out.Pages >= m.maxPages {
			return out, nil
		}
		page = *body.NextPage
	}
}
