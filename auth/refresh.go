package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/http"
)

// RefreshTokenProvider exchanges a refresh token at the identity provider's
// token endpoint: POST {authURL}/token?grant_type=refresh_token with an apikey header.
// Rotated refresh tokens returned by the provider replace the stored one.
type RefreshTokenProvider struct {
	client  http.Client
	authURL string
	anonKey string

	mu           sync.Mutex
	refreshToken string
	now          func() time.Time
}

// NewRefreshTokenProvider creates a provider seeded with refreshToken.
// client must not itself attach bearer tokens.
func NewRefreshTokenProvider(client http.Client, authURL, anonKey, refreshToken string) *RefreshTokenProvider {
	return &RefreshTokenProvider{
		client:       client,
		authURL:      strings.TrimRight(authURL, "/"),
		anonKey:      anonKey,
		refreshToken: refreshToken,
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Token implements TokenProvider.
func (p *RefreshTokenProvider) Token(ctx context.Context, _ Principal) (Token, error) {
	p.mu.Lock()
	refresh := p.refreshToken
	p.mu.Unlock()
	if refresh == "" {
		return Token{}, ErrNoSession
	}

	resp, err := p.client.Post(ctx, &http.Request{
		URL: p.authURL + "/token?grant_type=refresh_token",
		Headers: map[string]string{
			"apikey": p.anonKey,
		},
		JSON: map[string]string{"refresh_token": refresh},
	})
	if err != nil {
		return Token{}, err
	}

	var out tokenResponse
	if err := resp.Decode(&out); err != nil {
		return Token{}, errs.New(errs.KindAuth, "auth.refresh", "invalid token response", err)
	}
	if out.AccessToken == "" {
		return Token{}, errs.Auth("auth.refresh", "token response has no access token")
	}

	if out.RefreshToken != "" {
		p.mu.Lock()
		p.refreshToken = out.RefreshToken
		p.mu.Unlock()
	}

	tok := Token{Value: out.AccessToken}
	if out.ExpiresIn > 0 {
		tok.ExpiresAt = p.now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return tok, nil
}
