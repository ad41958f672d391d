package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// OAuthRefresher implements Refresher against an OAuth2 token endpoint with
// client credentials sent in a Basic header, as Intuit expects.
type OAuthRefresher struct {
	cfg    *oauth2.Config
	client *http.Client
}

func NewOAuthRefresher(clientID, clientSecret, authURL, tokenURL, redirectURL string) *OAuthRefresher {
	return &OAuthRefresher{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"com.intuit.quickbooks.accounting"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// AuthCodeURL is the consent URL a user opens to connect a company.
func (r *OAuthRefresher) AuthCodeURL(state string) string {
	return r.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	if refreshToken == "" {
		return nil, errors.New("no refresh token stored")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	// An expired access token forces the source to hit the token endpoint.
	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return credentials(tok), nil
}

func (r *OAuthRefresher) Exchange(ctx context.Context, code string) (*Credentials, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	tok, err := r.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return credentials(tok), nil
}

func credentials(tok *oauth2.Token) *Credentials {
	exp := tok.Expiry
	if exp.IsZero() {
		// Intuit access tokens live one hour.
		exp = time.Now().Add(time.Hour)
	}
	return &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    exp,
	}
}
