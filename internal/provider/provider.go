// Package provider holds the static catalog of known OAuth2 providers and
// merges it with user configuration overrides.
package provider

import (
	"fmt"
	"strings"
)

// Provider is a mapping of string keys to string values describing one
// upstream OAuth2/IMAP endpoint. Values may embed ${name} placeholders that
// reference other keys of the same Provider.
type Provider map[string]string

// Known provider option keys.
const (
	KeySASLMethod        = "sasl-method"
	KeyIMAPEndpoint      = "imap-endpoint"
	KeyClientID          = "client-id"
	KeyClientSecret      = "client-secret"
	KeyUsername          = "username"
	KeyScope             = "scope"
	KeyTenant            = "tenant"
	KeyAuthority         = "authority"
	KeyAuthorizeEndpoint = "authorize-endpoint"
	KeyTokenEndpoint     = "token-endpoint"
	KeyRedirectURI       = "redirect-uri"
)

// SASL mechanism values recognized in the sasl-method key.
const (
	SASLXOAuth2     = "XOAUTH2"
	SASLOAuthBearer = "OAUTHBEARER"
)

// registry is the immutable table of built-in providers, built once at
// package init. It is never mutated after construction — callers always
// receive a fresh copy via lookup/Resolve.
var registry = map[string]Provider{
	"google": {
		KeySASLMethod:        SASLOAuthBearer,
		KeyIMAPEndpoint:      "imap.gmail.com",
		KeyAuthority:         "https://accounts.google.com/o/oauth2",
		KeyAuthorizeEndpoint: "${authority}/auth",
		KeyTokenEndpoint:     "${authority}/token",
		KeyRedirectURI:       "urn:ietf:wg:oauth:2.0:oob",
		KeyScope:             "https://mail.google.com/",
	},
	"microsoft": {
		KeySASLMethod:        SASLXOAuth2,
		KeyIMAPEndpoint:      "outlook.office365.com",
		KeyTenant:            "common",
		KeyAuthority:         "https://login.microsoftonline.com/${tenant}",
		KeyAuthorizeEndpoint: "${authority}/oauth2/v2.0/authorize",
		KeyTokenEndpoint:     "${authority}/oauth2/v2.0/token",
		KeyRedirectURI:       "https://login.microsoftonline.com/common/oauth2/nativeclient",
		KeyScope:             "https://outlook.office365.com/.default offline_access",
	},
}

// ErrUnknownProvider is returned when a named provider is not in the
// built-in registry.
var ErrUnknownProvider = fmt.Errorf("unknown provider")

// lookup returns a defensive copy of the named built-in provider.
func lookup(name string) (Provider, bool) {
	p, ok := registry[name]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

func (p Provider) clone() Provider {
	cp := make(Provider, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// Resolve builds a fresh Provider for the named built-in, overridden by any
// matching key present in overrides, then template-substitutes every value
// against the merged result so that placeholders like ${tenant} expand
// after overrides apply.
func Resolve(name string, overrides map[string]string) (Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("resolve provider: %w: no provider selected", ErrUnknownProvider)
	}

	base, ok := lookup(name)
	if !ok {
		return nil, fmt.Errorf("resolve provider %q: %w", name, ErrUnknownProvider)
	}

	for k, v := range overrides {
		base[k] = v
	}

	resolved := make(Provider, len(base))
	for k, v := range base {
		resolved[k] = substitute(v, base)
	}

	return resolved, nil
}

// maxSubstituteDepth bounds nested placeholder expansion so a
// self-referential override cannot loop.
const maxSubstituteDepth = 8

// substitute performs a safe substitution of ${name} placeholders in s
// against the values of src. Missing keys leave the literal placeholder
// untouched. Substituted values are themselves expanded, so
// ${authority} containing ${tenant} resolves fully.
func substitute(s string, src Provider) string {
	return substituteDepth(s, src, 0)
}

func substituteDepth(s string, src Provider, depth int) string {
	if depth > maxSubstituteDepth {
		return s
	}

	var out strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			out.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			out.WriteString(s)
			break
		}
		end += start

		out.WriteString(s[:start])
		name := s[start+2 : end]
		if v, ok := src[name]; ok {
			out.WriteString(substituteDepth(v, src, depth+1))
		} else {
			out.WriteString(s[start : end+1])
		}
		s = s[end+1:]
	}
	return out.String()
}
