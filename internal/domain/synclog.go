package domain

import (
	"encoding/json"
	"time"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "PENDING"
	SyncSuccess SyncStatus = "SUCCESS"
	SyncFailure SyncStatus = "FAILURE"
)

// Operation names recorded on sync logs.
const (
	OpFetchBatches      = "FETCH_BATCHES"
	OpFetchDeposits     = "FETCH_DEPOSITS"
	OpFetchTransactions = "FETCH_TRANSACTIONS"
	OpRefreshToken      = "REFRESH_TOKEN"
	OpConnect           = "CONNECT"
	OpImport            = "IMPORT"
)

// SyncLog is the audit record of one external call. It is written PENDING
// before the call and completed exactly once afterwards.
type SyncLog struct {
	ID           string          `json:"id"`
	Provider     Provider        `json:"provider"`
	Operation    string          `json:"operation"`
	Status       SyncStatus      `json:"status"`
	HTTPStatus   *int            `json:"http_status,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	BatchID      string          `json:"batch_id,omitempty"`
}

// Token is the OAuth credential pair for one connected QBO realm.
type Token struct {
	ID           string    `json:"id"`
	RealmID      string    `json:"realm_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ValidFor reports whether the access token is still valid d after now.
func (t *Token) ValidFor(now time.Time, d time.Duration) bool {
	return t.AccessToken != "" && t.ExpiresAt.After(now.Add(d))
}
