package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/settleup/reconciler/internal/domain"
	"github.com/settleup/reconciler/internal/ingestion"
)

const (
	qboMinorVersion = "65"
	qboPageSize     = 500
)

// QBO fetches deposits from QuickBooks Online with a bearer token.
type QBO struct {
	http     *resty.Client
	pageSize int
}

func NewQBO(baseURL string, timeout time.Duration, log logrus.FieldLogger) *QBO {
	return &QBO{
		http:     newHTTPClient(baseURL, timeout, log.WithField("module", "provider.qbo")),
		pageSize: qboPageSize,
	}
}

func (q *QBO) Tag() domain.Provider { return domain.ProviderQBO }

func (q *QBO) RequiresAuth() bool { return true }

type qboQueryResponse struct {
	QueryResponse struct {
		Deposit       []ingestion.QBODeposit `json:"Deposit"`
		StartPosition int                    `json:"startPosition"`
		MaxResults    int                    `json:"maxResults"`
	} `json:"QueryResponse"`
}

// FetchDeposits pages through the query API with STARTPOSITION and
// MAXRESULTS until a short page comes back.
func (q *QBO) FetchDeposits(ctx context.Context, req Request) (*Result[domain.RawDeposit], error) {
	if req.RealmID == "" || req.AccessToken == "" {
		return nil, &domain.AuthExpiredError{RealmID: req.RealmID, Err: errors.New("no access token")}
	}

	until := req.Until
	if until.IsZero() {
		until = time.Now().UTC()
	}
	out := &Result[domain.RawDeposit]{}
	for start := 1; ; start += q.pageSize {
		query := fmt.Sprintf("SELECT * FROM Deposit WHERE TxnDate >= '%s' AND TxnDate <= '%s' ORDERBY TxnDate STARTPOSITION %d MAXRESULTS %d",
			req.Since.Format(dateLayout), until.Format(dateLayout), start, q.pageSize)

		var body qboQueryResponse
		res, err := q.http.R().
			SetContext(ctx).
			SetAuthToken(req.AccessToken).
			SetResult(&body).
			ForceContentType("application/json").
			SetPathParam("realm", req.RealmID).
			SetQueryParam("query", query).
			SetQueryParam("minorversion", qboMinorVersion).
			Get("/v3/company/{realm}/query")
		if err != nil {
			return nil, transportError(domain.ProviderQBO, domain.OpFetchDeposits, err)
		}
		if res.StatusCode() == http.StatusUnauthorized {
			return nil, &domain.AuthExpiredError{RealmID: req.RealmID, Err: statusError(domain.ProviderQBO, domain.OpFetchDeposits, res)}
		}
		if res.IsError() {
			return nil, statusError(domain.ProviderQBO, domain.OpFetchDeposits, res)
		}

		out.Pages++
		out.HTTPStatus = res.StatusCode()
		deposits := body.QueryResponse.Deposit
		for _, d := range deposits {
			out.Records = append(out.Records, d.Raw())
		}
		if len(deposits) < q.pageSize {
			return out, nil
		}
	}
}
