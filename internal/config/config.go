// Package config loads the gateway's configuration file: the
// downstream listener settings and the upstream provider selection, in
// the TOML shape documented for ~/.oauth2imaprc.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Downstream holds the listening server's bind address and optional
// shared credentials. Username/Password, when both set, enable
// AUTH=CRAM-MD5/PLAIN on the downstream side.
type Downstream struct {
	Server   string `toml:"server"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Upstream holds the provider selection and any Provider key overrides.
// Overrides is populated from every TOML key under [upstream] that is
// not one of the named fields below, so a user can override any
// Provider key (client-id, authorize-endpoint, ...) without the config
// schema needing to enumerate them.
type Upstream struct {
	Provider     string            `toml:"provider"`
	Username     string            `toml:"username"`
	ClientID     string            `toml:"client-id"`
	ClientSecret string            `toml:"client-secret"`
	Tenant       string            `toml:"tenant"`
	TokensFile   string            `toml:"tokens-file"`
	Overrides    map[string]string `toml:"-"`
}

// Config is the top-level ~/.oauth2imaprc shape.
type Config struct {
	Downstream Downstream `toml:"downstream"`
	Upstream   Upstream   `toml:"upstream"`
}

// rawConfig captures the full upstream table so arbitrary extra keys
// can be collected into Upstream.Overrides.
type rawConfig struct {
	Downstream Downstream     `toml:"downstream"`
	Upstream   map[string]any `toml:"upstream"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{
		Downstream: raw.Downstream,
		Upstream: Upstream{
			Overrides: map[string]string{},
		},
	}

	for k, v := range raw.Upstream {
		s := fmt.Sprintf("%v", v)
		switch k {
		case "provider":
			cfg.Upstream.Provider = s
		case "username":
			cfg.Upstream.Username = s
		case "client-id":
			cfg.Upstream.ClientID = s
		case "client-secret":
			cfg.Upstream.ClientSecret = s
		case "tenant":
			cfg.Upstream.Tenant = s
		case "tokens-file":
			cfg.Upstream.TokensFile = s
		default:
			cfg.Upstream.Overrides[k] = s
		}
	}

	applyDefaults(cfg)

	return cfg, nil
}

// ProviderOverrides returns the full set of Provider-key overrides this
// config contributes: the named upstream fields plus any extra keys,
// ready to hand to provider.Resolve.
func (c *Config) ProviderOverrides() map[string]string {
	out := make(map[string]string, len(c.Upstream.Overrides)+4)
	for k, v := range c.Upstream.Overrides {
		out[k] = v
	}
	if c.Upstream.Username != "" {
		out["username"] = c.Upstream.Username
	}
	if c.Upstream.ClientID != "" {
		out["client-id"] = c.Upstream.ClientID
	}
	if c.Upstream.ClientSecret != "" {
		out["client-secret"] = c.Upstream.ClientSecret
	}
	if c.Upstream.Tenant != "" {
		out["tenant"] = c.Upstream.Tenant
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Downstream.Server == "" {
		cfg.Downstream.Server = "127.0.0.1"
	}
	if cfg.Downstream.Port == 0 {
		cfg.Downstream.Port = 143
	}
	if cfg.Upstream.TokensFile == "" {
		cfg.Upstream.TokensFile = "~/.oauth2imap.tokens"
	}
}

// ExpandTokensPath resolves a leading "~" in the configured tokens-file
// path against the user's home directory.
func ExpandTokensPath(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}
