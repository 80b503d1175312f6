package oauth2client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/legionus/oauth2imap/internal/provider"
	"github.com/legionus/oauth2imap/internal/tokenstore"
)

func testLogger() *zap.Logger { return zap.NewNop() }

func TestExchangeCodeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.FormValue("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.FormValue("grant_type"))
		}
		if r.FormValue("code_verifier") != "verifier123" {
			t.Errorf("code_verifier = %q", r.FormValue("code_verifier"))
		}
		if r.FormValue("redirect_uri") != "http://127.0.0.1:9999/" {
			t.Errorf("redirect_uri = %q", r.FormValue("redirect_uri"))
		}
		fmt.Fprint(w, `{"access_token":"tok1","refresh_token":"ref1","expires_in":3600}`)
	}))
	defer srv.Close()

	c := New(testLogger(), time.Second)
	p := provider.Provider{provider.KeyTokenEndpoint: srv.URL, provider.KeyClientID: "cid"}

	tok, err := c.ExchangeCode(context.Background(), p, "authcode", "verifier123", "http://127.0.0.1:9999/")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tok.AccessToken != "tok1" || tok.RefreshToken != "ref1" {
		t.Errorf("got %+v", tok)
	}
	if !tok.Valid() {
		t.Error("expected valid token")
	}
}

func TestExchangeCodeProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"code expired"}`)
	}))
	defer srv.Close()

	c := New(testLogger(), time.Second)
	p := provider.Provider{provider.KeyTokenEndpoint: srv.URL}

	_, err := c.ExchangeCode(context.Background(), p, "stale", "v", "http://127.0.0.1:9999/")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRefreshNoTokenFailsFast(t *testing.T) {
	c := New(testLogger(), time.Second)
	_, err := c.Refresh(context.Background(), provider.Provider{}, "")
	if err == nil {
		t.Fatal("expected error for empty refresh token")
	}
}

func TestRefreshKeepsOriginalTokenWhenNotRotated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"newaccess","expires_in":1800}`)
	}))
	defer srv.Close()

	c := New(testLogger(), time.Second)
	p := provider.Provider{provider.KeyTokenEndpoint: srv.URL}

	tok, err := c.Refresh(context.Background(), p, "original-refresh")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok.RefreshToken != "original-refresh" {
		t.Errorf("expected refresh token preserved, got %q", tok.RefreshToken)
	}
}

func TestObtainAccessTokenReturnsCachedWhenValid(t *testing.T) {
	dir := t.TempDir()
	store, _ := tokenstore.Open(dir + "/tokens.json")
	p := provider.Provider{provider.KeyClientID: "cid", provider.KeyUsername: "alice"}
	key := tokenstore.Key(p)
	if err := store.Put(key, tokenstore.NewToken("cached-tok", "r", time.Hour)); err != nil {
		t.Fatal(err)
	}

	c := New(testLogger(), time.Second)
	got, err := ObtainAccessToken(context.Background(), c, store, p)
	if err != nil {
		t.Fatalf("ObtainAccessToken: %v", err)
	}
	if got != "cached-tok" {
		t.Errorf("got %q, want cached-tok", got)
	}
}

func TestObtainAccessTokenRefreshesExpiredAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"refreshed-tok","refresh_token":"r2","expires_in":3600}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, _ := tokenstore.Open(dir + "/tokens.json")
	p := provider.Provider{
		provider.KeyClientID:      "cid",
		provider.KeyUsername:      "alice",
		provider.KeyTokenEndpoint: srv.URL,
	}
	key := tokenstore.Key(p)
	if err := store.Put(key, tokenstore.NewToken("stale", "refresh-tok", -time.Minute)); err != nil {
		t.Fatal(err)
	}

	c := New(testLogger(), time.Second)
	got, err := ObtainAccessToken(context.Background(), c, store, p)
	if err != nil {
		t.Fatalf("ObtainAccessToken: %v", err)
	}
	if got != "refreshed-tok" {
		t.Errorf("got %q", got)
	}

	reopened, _ := tokenstore.Open(dir + "/tokens.json")
	persisted, ok := reopened.Get(key)
	if !ok || persisted.AccessToken != "refreshed-tok" {
		t.Error("expected refreshed token persisted to cache")
	}
}

func TestObtainAccessTokenNoCacheNoRefreshFails(t *testing.T) {
	dir := t.TempDir()
	store, _ := tokenstore.Open(dir + "/tokens.json")
	c := New(testLogger(), time.Second)

	_, err := ObtainAccessToken(context.Background(), c, store, provider.Provider{})
	if err == nil {
		t.Fatal("expected error when no cache and no refresh token")
	}
}
