// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// AdmissionMode selects how the host decides on incoming peers.
type AdmissionMode string

const (
	// AdmissionPrompt asks the local user for every verified peer.
	AdmissionPrompt AdmissionMode = "prompt"
	// AdmissionAccept admits every verified peer.
	AdmissionAccept AdmissionMode = "accept"
	// AdmissionDeny refuses every peer.
	AdmissionDeny AdmissionMode = "deny"
	// AdmissionAllowList admits peers whose email is listed in Allow.
	AdmissionAllowList AdmissionMode = "allowlist"
)

// Config is the master configuration for pqchat.
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Identity  IdentityConfig  `yaml:"identity"`
	ICE       ICEConfig       `yaml:"ice"`
	Session   SessionConfig   `yaml:"session"`
	Admission AdmissionConfig `yaml:"admission"`
	Client    ClientConfig    `yaml:"client"`
}

// RelayConfig configures the signaling relay.
type RelayConfig struct {
	// URL is the ws:// or wss:// endpoint clients connect to.
	URL string `yaml:"url"`

	// ListenAddress is where pqchat-relay accepts connections.
	// Default: 127.0.0.1:8787
	ListenAddress string `yaml:"listen_address"`

	// AllowedOrigins restricts browser origins accepted by the relay.
	// Empty means any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// IdentityConfig configures id token verification.
type IdentityConfig struct {
	// Issuer is the expected "iss" claim.
	Issuer string `yaml:"issuer"`

	// Audience is the expected "aud" claim.
	Audience string `yaml:"audience"`

	// JWKSURL is where the issuer publishes its signing keys.
	JWKSURL string `yaml:"jwks_url"`

	// FreshnessWindow bounds how old a token's issued-at may be.
	// Default: 1h
	FreshnessWindow string `yaml:"freshness_window"`

	// Leeway is the clock skew tolerance for exp/iat checks.
	// Default: 30s
	Leeway string `yaml:"leeway"`

	// JWKSRefresh is how long a fetched key set is cached.
	// Default: 10m
	JWKSRefresh string `yaml:"jwks_refresh"`
}

// ICEConfig configures STUN/TURN servers for connectivity negotiation.
type ICEConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// SessionConfig configures handshake timeouts and failure limits.
type SessionConfig struct {
	// HandshakeTimeout bounds data channel open to key derived.
	// Default: 60s
	HandshakeTimeout string `yaml:"handshake_timeout"`

	// TransportTimeout bounds descriptor published to data channel open.
	// Default: 90s
	TransportTimeout string `yaml:"transport_timeout"`

	// VerifyTimeout bounds a single id token verification.
	// Default: 15s
	VerifyTimeout string `yaml:"verify_timeout"`

	// MaxCryptoFailures is the number of undecryptable messages after
	// which the key exchange restarts.
	// Default: 3
	MaxCryptoFailures int `yaml:"max_crypto_failures"`

	// ShareBaseURL is the prefix of the link a host hands out.
	// Default: pqchat://join
	ShareBaseURL string `yaml:"share_base_url"`
}

// AdmissionConfig configures the host-side admission gate.
type AdmissionConfig struct {
	Mode  AdmissionMode `yaml:"mode"`
	Allow []string      `yaml:"allow"`
}

// ClientConfig configures the terminal client.
type ClientConfig struct {
	// TokenFile holds the id token ("-" for stdin).
	TokenFile string `yaml:"token_file"`

	// Avatar is the picture URL attached to outgoing messages.
	Avatar string `yaml:"avatar"`

	// LogOutput is where the client writes its JSON log.
	// Default: ${HOME}/.cache/pqchat/pqchat.log
	LogOutput string `yaml:"log_output"`
}

// DefaultICEURLs is the public STUN list used when none is configured.
var DefaultICEURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// Default returns the default configuration. Identity issuer and
// audience have no defaults; Validate reports them missing.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			URL:           "ws://127.0.0.1:8787/relay",
			ListenAddress: "127.0.0.1:8787",
		},
		Identity: IdentityConfig{
			FreshnessWindow: "1h",
			Leeway:          "30s",
			JWKSRefresh:     "10m",
		},
		ICE: ICEConfig{
			URLs: append([]string(nil), DefaultICEURLs...),
		},
		Session: SessionConfig{
			HandshakeTimeout:  "60s",
			TransportTimeout:  "90s",
			VerifyTimeout:     "15s",
			MaxCryptoFailures: 3,
			ShareBaseURL:      "pqchat://join",
		},
		Admission: AdmissionConfig{
			Mode: AdmissionPrompt,
		},
		Client: ClientConfig{
			LogOutput: "${HOME}/.cache/pqchat/pqchat.log",
		},
	}
}

// Load loads configuration from the PQCHAT_CONFIG environment variable.
// There are no fallbacks: if PQCHAT_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("PQCHAT_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PQCHAT_CONFIG environment variable not set; " +
			"set it to the path of your pqchat.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, layered over
// Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Client.TokenFile = expandVars(c.Client.TokenFile, vars)
	c.Client.LogOutput = expandVars(c.Client.LogOutput, vars)
}

// ExpandDefaults expands path variables in a config that was not loaded
// from a file.
func (c *Config) ExpandDefaults() {
	c.expandVariables()
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Relay.URL != "" {
		parsed, err := url.Parse(c.Relay.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("relay.url: %w", err))
		} else if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("relay.url must use ws or wss, got %q", parsed.Scheme))
		}
	}

	if c.Identity.Issuer == "" {
		errs = append(errs, fmt.Errorf("identity.issuer is required"))
	}
	if c.Identity.Audience == "" {
		errs = append(errs, fmt.Errorf("identity.audience is required"))
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, fmt.Errorf("identity.jwks_url is required"))
	}

	durations := []struct {
		field string
		value string
	}{
		{"identity.freshness_window", c.Identity.FreshnessWindow},
		{"identity.leeway", c.Identity.Leeway},
		{"identity.jwks_refresh", c.Identity.JWKSRefresh},
		{"session.handshake_timeout", c.Session.HandshakeTimeout},
		{"session.transport_timeout", c.Session.TransportTimeout},
		{"session.verify_timeout", c.Session.VerifyTimeout},
	}
	for _, duration := range durations {
		parsed, err := time.ParseDuration(duration.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", duration.field, err))
			continue
		}
		if parsed < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", duration.field, duration.value))
		}
	}

	if c.Session.MaxCryptoFailures < 1 {
		errs = append(errs, fmt.Errorf("session.max_crypto_failures must be at least 1, got %d", c.Session.MaxCryptoFailures))
	}

	switch c.Admission.Mode {
	case AdmissionPrompt, AdmissionAccept, AdmissionDeny:
	case AdmissionAllowList:
		if len(c.Admission.Allow) == 0 {
			errs = append(errs, fmt.Errorf("admission.allow must list at least one email when mode is allowlist"))
		}
	default:
		errs = append(errs, fmt.Errorf("admission.mode must be one of: prompt, accept, deny, allowlist; got %q", c.Admission.Mode))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// mustDuration parses a duration already checked by Validate, returning
// zero for malformed input.
func mustDuration(value string) time.Duration {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return parsed
}

// FreshnessWindowDuration returns the parsed freshness window.
func (c IdentityConfig) FreshnessWindowDuration() time.Duration {
	return mustDuration(c.FreshnessWindow)
}

// LeewayDuration returns the parsed clock skew tolerance.
func (c IdentityConfig) LeewayDuration() time.Duration { return mustDuration(c.Leeway) }

// JWKSRefreshDuration returns the parsed key set cache lifetime.
func (c IdentityConfig) JWKSRefreshDuration() time.Duration { return mustDuration(c.JWKSRefresh) }

// HandshakeTimeoutDuration returns the parsed handshake timeout.
func (c SessionConfig) HandshakeTimeoutDuration() time.Duration {
	return mustDuration(c.HandshakeTimeout)
}

// TransportTimeoutDuration returns the parsed transport timeout.
func (c SessionConfig) TransportTimeoutDuration() time.Duration {
	return mustDuration(c.TransportTimeout)
}

// VerifyTimeoutDuration returns the parsed verification timeout.
func (c SessionConfig) VerifyTimeoutDuration() time.Duration {
	return mustDuration(c.VerifyTimeout)
}
