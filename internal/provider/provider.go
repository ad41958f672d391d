// Package provider holds one client per external system. Each client
// exposes only the fetches its system supplies and hides pagination
// behind a single call. Clients never retry.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/settleup/reconciler/internal/domain"
)

// Request bounds one fetch. AccessToken is only read by clients that
// require auth.
type Request struct {
	Since       time.Time
	Until       time.Time
	RealmID     string
	AccessToken string
}

// Result is one logical fetch, possibly spanning several pages.
type Result[T any] struct {
	Records    []T
	Pages      int
	HTTPStatus int
}

type Client interface {
	Tag() domain.Provider
	RequiresAuth() bool
}

type BatchFetcher interface {
	Client
	FetchBatches(ctx context.Context, req Request) (*Result[domain.RawBatch], error)
}

type DepositFetcher interface {
	Client
	FetchDeposits(ctx context.Context, req Request) (*Result[domain.RawDeposit], error)
}

type TransactionFetcher interface {
	Client
	FetchTransactions(ctx context.Context, req Request) (*Result[domain.RawTransaction], error)
}

const (
	defaultTimeout = 60 * time.Second
	dateLayout     = "2006-01-02"
	maxErrorBody   = 512
)

func newHTTPClient(baseURL string, timeout time.Duration, log logrus.FieldLogger) *resty.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "settleup-reconciler").
		SetLogger(log)
	if baseURL != "" {
		c.SetBaseURL(baseURL)
	}
	return c
}

// transportError wraps a failure to get any response at all.
func transportError(p domain.Provider, op string, err error) error {
	return &domain.ProviderError{Provider: p, Operation: op, Err: err}
}

// statusError turns a non-2xx response into a ProviderError.
func statusError(p domain.Provider, op string, res *resty.Response) error {
	body := res.String()
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	return &domain.ProviderError{
		Provider:   p,
		Operation:  op,
		HTTPStatus: res.StatusCode(),
		Err:        fmt.Errorf("unexpected response %s: %s", http.StatusText(res.StatusCode()), body),
	}
}
