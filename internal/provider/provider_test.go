package provider

import "testing"

func TestResolveGoogleDefaults(t *testing.T) {
	p, err := Resolve("google", map[string]string{
		KeyUsername:     "alice@gmail.com",
		KeyClientID:     "cid",
		KeyClientSecret: "secret",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := p[KeyAuthorizeEndpoint]; got != "https://accounts.google.com/o/oauth2/auth" {
		t.Errorf("authorize-endpoint = %q", got)
	}
	if got := p[KeyTokenEndpoint]; got != "https://accounts.google.com/o/oauth2/token" {
		t.Errorf("token-endpoint = %q", got)
	}
	if got := p[KeySASLMethod]; got != SASLOAuthBearer {
		t.Errorf("sasl-method = %q", got)
	}
}

func TestResolveMicrosoftTenantOverride(t *testing.T) {
	p, err := Resolve("microsoft", map[string]string{
		KeyTenant: "contoso",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := "https://login.microsoftonline.com/contoso"
	if got := p[KeyAuthority]; got != want {
		t.Errorf("authority = %q, want %q", got, want)
	}
	want = "https://login.microsoftonline.com/contoso/oauth2/v2.0/authorize"
	if got := p[KeyAuthorizeEndpoint]; got != want {
		t.Errorf("authorize-endpoint = %q, want %q", got, want)
	}
}

func TestResolveUnknownProvider(t *testing.T) {
	if _, err := Resolve("yahoo", nil); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestTemplateIdempotence(t *testing.T) {
	p := Provider{"a": "no placeholders here"}
	if got := substitute(p["a"], p); got != p["a"] {
		t.Errorf("substitute changed a value with no placeholders: %q", got)
	}
}

func TestSubstituteMissingKeyLeavesLiteral(t *testing.T) {
	p := Provider{"a": "${missing}/x"}
	if got := substitute(p["a"], p); got != "${missing}/x" {
		t.Errorf("substitute = %q, want literal placeholder preserved", got)
	}
}

func TestResolveDoesNotMutateRegistry(t *testing.T) {
	if _, err := Resolve("google", map[string]string{KeyTenant: "corrupt"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	again, err := Resolve("google", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := again[KeyTenant]; ok {
		t.Error("registry was mutated by a prior Resolve call's overrides")
	}
}
