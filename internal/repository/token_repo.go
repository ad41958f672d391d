package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/settleup/reconciler/internal/domain"
)

type TokenRepo struct {
	db DBTX
}

const tokenColumns = `id, realm_id, access_token, refresh_token, expires_at, created_at, updated_at`

func (r *TokenRepo) GetByRealm(ctx context.Context, realmID string) (*domain.Token, error) {
	var t domain.Token
	var expiresAt, createdAt, updatedAt string
	err := r.db.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM tokens WHERE realm_id = ?", realmID,
	).Scan(&t.ID, &t.RealmID, &t.AccessToken, &t.RefreshToken, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	t.ExpiresAt = parseTS(expiresAt)
	t.CreatedAt = parseTS(createdAt)
	t.UpdatedAt = parseTS(updatedAt)
	return &t, nil
}

// Upsert stores the credentials of a newly connected realm, replacing any
// previous pair.
func (r *TokenRepo) Upsert(ctx context.Context, t *domain.Token) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tokens (`+tokenColumns+`) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(realm_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		t.ID, t.RealmID, t.AccessToken, t.RefreshToken,
		formatTS(t.ExpiresAt), formatTS(t.CreatedAt), formatTS(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

// UpdateCredentials replaces access token, refresh token and expiry in one
// statement so readers never see a mixed pair.
func (r *TokenRepo) UpdateCredentials(ctx context.Context, realmID, access, refresh string,
	expiresAt, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tokens SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		WHERE realm_id = ?`,
		access, refresh, formatTS(expiresAt), formatTS(now), realmID,
	)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.ErrNotFound
	}
	return nil
}
