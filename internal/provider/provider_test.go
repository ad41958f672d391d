package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/settleup/reconciler/internal/config"
	"github.com/settleup/reconciler/internal/domain"
)

var since = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func TestMSCFollowsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/batches" || r.Header.Get("X-API-Key") != "k" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("since") != "2024-03-01" {
			http.Error(w, "since", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `{"batches":[{"id":"MSC-1","batch_date":"2024-03-02","total_amount":"10.50"}],"next_page":2}`)
		case "2":
			fmt.Fprint(w, `{"batches":[{"id":"MSC-2","batch_date":"03/03/2024","total_amount":7}],"next_page":null}`)
		}
	}))
	defer srv.Close()

	c := NewMSC(srv.URL, "k", time.Second, config.NewDiscardLogger())
	res, err := c.FetchBatches(context.Background(), Request{Since: since})
	if err != nil {
		t.Fatalf("FetchBatches: %v", err)
	}
	if res.Pages != 2 || len(res.Records) != 2 || res.HTTPStatus != http.StatusOK {
		t.Fatalf("result = %+v", res)
	}
	if res.Records[1].ExternalID != "MSC-2" || res.Records[1].BatchDate.Day() != 3 {
		t.Fatalf("record = %+v", res.Records[1])
	}
}

func TestMSCServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewMSC(srv.URL, "", time.Second, config.NewDiscardLogger()).FetchBatches(context.Background(), Request{Since: since})
	var perr *domain.ProviderError
	if !errors.As(err, &perr) || perr.HTTPStatus != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
}

func TestQBOPagesAndAuth(t *testing.T) {
	var starts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/company/realm-1/query" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"Fault":{"type":"AUTHENTICATION"}}`)
			return
		}
		q := r.URL.Query().Get("query")
		if !strings.Contains(q, "TxnDate >= '2024-03-01'") {
			http.Error(w, "query", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(q, "STARTPOSITION 1 "):
			starts = append(starts, "1")
			fmt.Fprint(w, `{"QueryResponse":{"Deposit":[{"Id":"1","TxnDate":"2024-03-02","TotalAmt":10},{"Id":"2","TxnDate":"2024-03-02","TotalAmt":20}]}}`)
		case strings.Contains(q, "STARTPOSITION 3 "):
			starts = append(starts, "3")
			fmt.Fprint(w, `{"QueryResponse":{"Deposit":[{"Id":"3","TxnDate":"2024-03-03","TotalAmt":30}]}}`)
		default:
			fmt.Fprint(w, `{"QueryResponse":{}}`)
		}
	}))
	defer srv.Close()

	c := NewQBO(srv.URL, time.Second, config.NewDiscardLogger())
	c.pageSize = 2
	res, err := c.FetchDeposits(context.Background(), Request{Since: since, RealmID: "realm-1", AccessToken: "good"})
	if err != nil {
		t.Fatalf("FetchDeposits: %v", err)
	}
	if len(res.Records) != 3 || res.Pages != 2 || strings.Join(starts, ",") != "1,3" {
		t.Fatalf("result = %+v starts = %v", res, starts)
	}

	_, err = c.FetchDeposits(context.Background(), Request{Since: since, RealmID: "realm-1", AccessToken: "stale"})
	if !errors.Is(err, domain.ErrAuthExpired) {
		t.Fatalf("401: err = %v", err)
	}
	if !c.RequiresAuth() {
		t.Fatal("QBO must require auth")
	}
}

func TestBlueprintCSVReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("periodStart") != "2024-03-01" || r.URL.Query().Get("reportVersion") != "XLS" {
			http.Error(w, "params", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		fmt.Fprint(w, "Transaction ID,Date,Amount\nBP-1,2024-03-02,5.00\nBP-2,2024-03-02,6.00\n")
	}))
	defer srv.Close()

	c := NewBlueprint(srv.URL+"/report", "", time.Second, config.NewDiscardLogger())
	res, err := c.FetchTransactions(context.Background(), Request{Since: since, Until: since.AddDate(0, 0, 7)})
	if err != nil {
		t.Fatalf("FetchTransactions: %v", err)
	}
	if len(res.Records) != 2 || res.Records[0].ExternalID != "BP-1" {
		t.Fatalf("result = %+v", res)
	}
}

func TestBlueprintUnparseableReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>login</html>")
	}))
	defer srv.Close()

	_, err := NewBlueprint(srv.URL, "", time.Second, config.NewDiscardLogger()).FetchTransactions(context.Background(), Request{Since: since})
	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v", err)
	}
}

func TestIsWorkbook(t *testing.T) {
	if !isWorkbook("application/vnd.ms-excel", nil) {
		t.Error("excel content type")
	}
	if !isWorkbook("application/octet-stream", []byte("PK\x03\x04rest")) {
		t.Error("zip signature")
	}
	if isWorkbook("text/csv", []byte("a,b")) {
		t.Error("csv")
	}
}
