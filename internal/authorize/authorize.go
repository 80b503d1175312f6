// Package authorize implements the one-shot authorization bootstrap:
// build a PKCE-protected authorization URL, collect the resulting
// authorization code, exchange it for a token, and write the token
// into the cache.
package authorize

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/legionus/oauth2imap/internal/oauth2client"
	"github.com/legionus/oauth2imap/internal/provider"
	"github.com/legionus/oauth2imap/internal/tokenstore"
)

// AuthCodeSource collects the authorization code produced by the
// provider's consent redirect. Two implementations exist: a one-shot
// loopback HTTP listener and an interactive stdin prompt.
type AuthCodeSource interface {
	// Get blocks until an authorization code is available, returning it.
	Get(ctx context.Context) (string, error)
}

// PKCE holds a generated verifier and its S256 challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE generates a fresh URL-safe verifier and its S256 challenge
// (base64url of SHA-256 of the verifier, trailing '=' stripped).
func NewPKCE() (PKCE, error) {
	raw := make([]byte, 68)
	if _, err := rand.Read(raw); err != nil {
		return PKCE{}, fmt.Errorf("generate pkce verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	return PKCE{Verifier: verifier, Challenge: challenge}, nil
}

// AuthorizationURL assembles the authorization request URL for p, using
// redirectURI as the override (the loopback flow picks an ephemeral
// port; the stdin flow uses the provider's configured redirect-uri).
func AuthorizationURL(p provider.Provider, pkce PKCE, redirectURI string) string {
	q := url.Values{}
	q.Set("client_id", p[provider.KeyClientID])
	q.Set("scope", p[provider.KeyScope])
	q.Set("login_hint", p[provider.KeyUsername])
	q.Set("redirect_uri", redirectURI)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("response_type", "code")
	if tenant := p[provider.KeyTenant]; tenant != "" {
		q.Set("tenant", tenant)
	}

	return p[provider.KeyAuthorizeEndpoint] + "?" + q.Encode()
}

// Run executes the full bootstrap: print the authorization URL, collect
// the code via source, exchange it, and persist the resulting token.
func Run(ctx context.Context, p provider.Provider, redirectURI string, source AuthCodeSource, client *oauth2client.Client, store *tokenstore.Store, logger *zap.Logger, printf func(format string, args ...any)) error {
	pkce, err := NewPKCE()
	if err != nil {
		return err
	}

	authURL := AuthorizationURL(p, pkce, redirectURI)
	printf("URL: %s\n", authURL)
	printf("Visit the displayed URL to authorize this application. Waiting...\n")

	code, err := source.Get(ctx)
	if err != nil {
		return fmt.Errorf("obtain authorization code: %w", err)
	}
	if code == "" {
		return fmt.Errorf("did not obtain an authorization code")
	}

	logger.Debug("exchanging authorization code for an access token")

	tok, err := client.ExchangeCode(ctx, p, code, pkce.Verifier, redirectURI)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	key := tokenstore.Key(p)
	if err := store.Put(key, tok); err != nil {
		return fmt.Errorf("write token cache: %w", err)
	}

	return nil
}

// LoopbackAuthCodeSource runs a one-shot HTTP server on 127.0.0.1 that
// reads the "code" query parameter from the provider's redirect and
// returns it; NewLoopbackAuthCodeSource picks the port before the
// redirect_uri override is built.
type LoopbackAuthCodeSource struct {
	Addr string // set by NewLoopbackAuthCodeSource
	code chan string
	errs chan error
}

// NewLoopbackAuthCodeSource binds an ephemeral localhost port and
// returns a source ready to serve one request; the caller reads Addr
// to build redirect_uri before calling Get.
func NewLoopbackAuthCodeSource() (*LoopbackAuthCodeSource, *http.Server, error) {
	listener, err := newLoopbackListener()
	if err != nil {
		return nil, nil, err
	}

	s := &LoopbackAuthCodeSource{
		Addr: listener.Addr().String(),
		code: make(chan string, 1),
		errs: make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "<html><head><title>Authorization result</title></head>"+
			"<body><p>Authorization redirect completed. You may close this window.</p></body></html>")
		s.code <- code
	})

	httpServer := &http.Server{Handler: mux}
	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.errs <- err
		}
	}()

	return s, httpServer, nil
}

// Get blocks for the single redirect request (or ctx cancellation).
func (s *LoopbackAuthCodeSource) Get(ctx context.Context) (string, error) {
	select {
	case code := <-s.code:
		return code, nil
	case err := <-s.errs:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// StdinAuthCodeSource prompts the user to paste the authorization code.
type StdinAuthCodeSource struct {
	Prompt func(prompt string) (string, error)
}

// Get invokes Prompt and returns whatever the user typed.
func (s StdinAuthCodeSource) Get(ctx context.Context) (string, error) {
	return s.Prompt("Visit displayed URL to retrieve authorization code. Enter code from server (might be in browser address bar): ")
}
