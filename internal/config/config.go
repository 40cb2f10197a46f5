// Copyright 2021 Herman Slatman
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the bouncer's static configuration, loaded from a
// YAML file by the cs-bouncer CLI. Field names and tri-state *bool
// options mirror how the upstream Caddy module configures the same
// concerns.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Error reports an invalid configuration value.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("config: %s: %v", e.Field, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Config is the complete bouncer configuration.
type Config struct {
	// LAPI
	APIUrl  string        `yaml:"api_url"`
	APIKey  string        `yaml:"api_key"`
	UseCurl bool          `yaml:"use_curl"`
	Timeout time.Duration `yaml:"timeout"`

	// The mtls_* files are only checked by Validate: bouncer.New and the
	// refresh-cache command always authenticate with APIKey and do not
	// load them.
	MTLSCertFile string `yaml:"mtls_cert_file"`
	MTLSKeyFile  string `yaml:"mtls_key_file"`
	MTLSCAFile   string `yaml:"mtls_ca_file"`

	// Mode and cadence
	EnableStreaming *bool         `yaml:"enable_streaming"`
	TickerInterval  time.Duration `yaml:"ticker_interval"`
	EnableHardFails *bool         `yaml:"enable_hard_fails"`

	// Remediation capping
	BouncingLevel string `yaml:"bouncing_level"` // "disabled", "flex", "normal"
	FallbackKind  string `yaml:"fallback_remediation"`

	// Cache backend
	CacheBackend string `yaml:"cache_backend"` // "file", "redis", "memcached"
	CacheDSN     string `yaml:"cache_dsn"`

	// Geo collaborator
	GeoDatabasePath string `yaml:"geo_database_path"`

	// Forwarded-IP trust
	TrustedProxies        []string `yaml:"trusted_proxies"`
	ForcedTestForwardedIP string   `yaml:"forced_test_forwarded_ip"`

	// CAPTCHA
	CaptchaTTL                time.Duration `yaml:"captcha_ttl"`
	CaptchaResolutionRedirect string        `yaml:"captcha_resolution_redirect"`

	// Pipeline
	ExcludedURIs  []string `yaml:"excluded_uris"`
	DisplayErrors bool     `yaml:"display_errors"`
}

// Defaults returns a Config with every documented default applied.
func Defaults() Config {
	return Config{
		APIUrl:         "http://127.0.0.1:8080/",
		Timeout:        1 * time.Second,
		TickerInterval: 60 * time.Second,
		BouncingLevel:  "normal",
		FallbackKind:   "bypass",
		CacheBackend:   "file",
		CaptchaTTL:     30 * time.Minute,
	}
}

// Load reads and parses a YAML configuration file, applying Defaults()
// first so an omitted field keeps its documented default.
func Load(path string) (Config, error) {
	cfg := Defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, &Error{Field: "path", Err: err}
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, &Error{Field: "yaml", Err: err}
	}
	return cfg, cfg.Validate()
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.APIKey == "" && c.MTLSCertFile == "" {
		return &Error{Field: "api_key", Err: fmt.Errorf("either api_key or mtls_cert_file must be set")}
	}
	switch c.BouncingLevel {
	case "disabled", "flex", "normal":
	default:
		return &Error{Field: "bouncing_level", Err: fmt.Errorf("must be one of disabled, flex, normal, got %q", c.BouncingLevel)}
	}
	switch c.CacheBackend {
	case "file", "redis", "memcached":
	default:
		return &Error{Field: "cache_backend", Err: fmt.Errorf("must be one of file, redis, memcached, got %q", c.CacheBackend)}
	}
	if c.CacheBackend != "file" && c.CacheDSN == "" {
		return &Error{Field: "cache_dsn", Err: fmt.Errorf("required when cache_backend is %q", c.CacheBackend)}
	}
	return nil
}

// IsStreamingEnabled reports whether STREAM mode is configured, defaulting
// to true when unset, matching the upstream module's tri-state default.
func (c Config) IsStreamingEnabled() bool {
	return c.EnableStreaming == nil || *c.EnableStreaming
}

// ShouldFailHard reports whether Local API errors should be treated as
// fatal, defaulting to false when unset.
func (c Config) ShouldFailHard() bool {
	return c.EnableHardFails != nil && *c.EnableHardFails
}
