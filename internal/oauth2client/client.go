// Package oauth2client exchanges and refreshes OAuth2 access tokens
// against a provider's token endpoint, and resolves an access token for
// a session from the token cache, refreshing it when the cached one has
// expired.
package oauth2client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/legionus/oauth2imap/internal/provider"
	"github.com/legionus/oauth2imap/internal/tokenstore"
)

var tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oauth2imap_token_refresh_total",
	Help: "Token refresh attempts by outcome.",
}, []string{"outcome"})

// Errors returned by this package.
var (
	ErrProviderError     = errors.New("oauth2 provider error")
	ErrNoRefreshToken    = errors.New("no refresh token available")
	ErrRefreshFailed     = errors.New("token refresh failed")
	ErrAuthorizationCode = errors.New("authorization code grant failed")
)

// Client exchanges authorization codes and refresh tokens for access
// tokens, and keeps a token cache populated.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client. timeout bounds every HTTP round trip to the
// provider's token endpoint.
func New(logger *zap.Logger, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logger.Named("oauth2"),
	}
}

// tokenResponse is the JSON body returned by every provider's token
// endpoint for both authorization_code and refresh_token grants.
type tokenResponse struct {
	AccessToken      string      `json:"access_token"`
	RefreshToken     string      `json:"refresh_token"`
	ExpiresIn        json.Number `json:"expires_in"`
	Error            string      `json:"error"`
	ErrorDescription string      `json:"error_description"`
}

// ExchangeCode trades an authorization code (plus PKCE verifier) for an
// access token. redirectURI must be the exact value used in the
// authorization request; providers reject the grant on any mismatch.
func (c *Client) ExchangeCode(ctx context.Context, p provider.Provider, code, verifier, redirectURI string) (tokenstore.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p[provider.KeyClientID])
	form.Set("redirect_uri", redirectURI)
	if secret := p[provider.KeyClientSecret]; secret != "" {
		form.Set("client_secret", secret)
	}
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}
	if scope := p[provider.KeyScope]; scope != "" {
		form.Set("scope", scope)
	}

	return c.post(ctx, p[provider.KeyTokenEndpoint], form)
}

// Refresh trades a refresh token for a new access token. Providers that
// omit refresh_token from the response (rotation-less providers) keep
// the original refresh token in the returned Token.
func (c *Client) Refresh(ctx context.Context, p provider.Provider, refreshToken string) (tokenstore.Token, error) {
	if refreshToken == "" {
		return tokenstore.Token{}, ErrNoRefreshToken
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", p[provider.KeyClientID])
	if tenant := p[provider.KeyTenant]; tenant != "" {
		form.Set("tenant", tenant)
	}

	tok, err := c.post(ctx, p[provider.KeyTokenEndpoint], form)
	if err != nil {
		return tokenstore.Token{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) (tokenstore.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenstore.Token{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return tokenstore.Token{}, fmt.Errorf("%w: %w", ErrProviderError, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tokenstore.Token{}, fmt.Errorf("read token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return tokenstore.Token{}, fmt.Errorf("decode token response: %w", err)
	}

	if tr.Error != "" {
		msg := tr.Error
		if tr.ErrorDescription != "" {
			msg = fmt.Sprintf("%s: %s", tr.Error, tr.ErrorDescription)
		}
		return tokenstore.Token{}, fmt.Errorf("%w: %s", ErrProviderError, msg)
	}

	if resp.StatusCode != http.StatusOK {
		return tokenstore.Token{}, fmt.Errorf("%w: status %d", ErrProviderError, resp.StatusCode)
	}

	if tr.AccessToken == "" {
		return tokenstore.Token{}, fmt.Errorf("%w: response had no access_token", ErrProviderError)
	}

	expiresIn := 3600 * time.Second
	if tr.ExpiresIn != "" {
		if secs, err := strconv.ParseFloat(tr.ExpiresIn.String(), 64); err == nil && secs > 0 {
			expiresIn = time.Duration(secs) * time.Second
		}
	}

	return tokenstore.NewToken(tr.AccessToken, tr.RefreshToken, expiresIn), nil
}

// ObtainAccessToken resolves a usable access token for p: it returns a
// cached token if still valid, otherwise refreshes using the cached
// refresh token and writes the refreshed token back to store. It never
// performs an interactive authorization-code flow; a provider with no
// cached entry and no refresh token is an error here.
func ObtainAccessToken(ctx context.Context, c *Client, store *tokenstore.Store, p provider.Provider) (string, error) {
	key := tokenstore.Key(p)

	cached, ok := store.Get(key)
	if ok && cached.Valid() {
		return cached.AccessToken, nil
	}

	refreshToken := cached.RefreshToken
	if refreshToken == "" {
		return "", fmt.Errorf("obtain access token: %w: run the authorize command first", ErrNoRefreshToken)
	}

	refreshed, err := c.Refresh(ctx, p, refreshToken)
	if err != nil {
		tokenRefreshes.WithLabelValues("failure").Inc()
		c.logger.Warn("token refresh failed", zap.Error(err))
		return "", err
	}
	tokenRefreshes.WithLabelValues("success").Inc()

	if err := store.Put(key, refreshed); err != nil {
		c.logger.Warn("failed to persist refreshed token", zap.Error(err))
	}

	return refreshed.AccessToken, nil
}
