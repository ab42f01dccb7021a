// Package auth supplies bearer tokens for calls to the remote meeting platform.
package auth

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	pferrors "github.com/otherjamesbrown/penf-transcripts/pkg/errors"
)

// DefaultScope requests every application permission granted to the app.
const DefaultScope = "https://graph.microsoft.com/.default"

// DefaultAuthority is the token endpoint host.
const DefaultAuthority = "https://login.microsoftonline.com"

// TokenProvider returns a valid bearer token on demand.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for a token obtained elsewhere, such as a
// delegated user token.
type StaticToken string

// Token returns the token, or ErrUnauthorized when it is empty.
func (s StaticToken) Token(ctx context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", fmt.Errorf("%w: no bearer token", pferrors.ErrUnauthorized)
	}
	return string(s), nil
}

// ClientCredentialsConfig configures application-level token acquisition.
type ClientCredentialsConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Authority overrides DefaultAuthority; TokenURL overrides both.
	Authority string
	TokenURL  string
	Scopes    []string
}

// ClientCredentials acquires and caches application tokens using the OAuth2
// client credentials grant. Tokens are refreshed shortly before expiry.
type ClientCredentials struct {
	source oauth2.TokenSource
}

// NewClientCredentials creates an application TokenProvider.
func NewClientCredentials(cfg ClientCredentialsConfig) (*ClientCredentials, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: client id and client secret are required", pferrors.ErrValidation)
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		if cfg.TenantID == "" {
			return nil, fmt.Errorf("%w: tenant id is required", pferrors.ErrValidation)
		}
		authority := strings.TrimRight(cfg.Authority, "/")
		if authority == "" {
			authority = DefaultAuthority
		}
		tokenURL = fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, cfg.TenantID)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	// Token refresh is not tied to any single request's context.
	return &ClientCredentials{source: cc.TokenSource(context.Background())}, nil
}

// Token returns a cached token, fetching a new one when needed.
func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := c.source.Token()
	if err != nil {
		return "", fmt.Errorf("%w: acquiring application token: %v", pferrors.ErrUnauthorized, err)
	}
	return tok.AccessToken, nil
}
