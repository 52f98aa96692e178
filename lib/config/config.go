// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration shared by the relay
// server and the command-line clients. Every field has a usable
// default; running without a config file at all is fine.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drawbridge-ai/drawbridge/wire"
)

// EnvVar names the environment variable that overrides the config
// file path for all binaries.
const EnvVar = "DRAWBRIDGE_CONFIG"

// Config is the root of the YAML document.
type Config struct {
	Relay  Relay  `yaml:"relay"`
	Client Client `yaml:"client"`
}

// Relay configures the relay server binary.
type Relay struct {
	// Listen is the TCP address the relay binds, host optional.
	Listen string `yaml:"listen"`

	// TLSCert and TLSKey enable TLS when both are set. Setting only
	// one is a validation error.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// Client configures the command-issuing binaries.
type Client struct {
	// URL is the relay WebSocket endpoint.
	URL string `yaml:"url"`

	// Channel is the default channel to join.
	Channel string `yaml:"channel"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Relay: Relay{
			Listen: fmt.Sprintf(":%d", wire.DefaultPort),
		},
		Client: Client{
			URL:               fmt.Sprintf("ws://localhost:%d", wire.DefaultPort),
			RequestTimeout:    wire.DefaultRequestTimeout,
			InactivityTimeout: wire.ProgressInactivityTimeout,
			ReconnectDelay:    wire.ReconnectDelay,
		},
	}
}

// Load reads the config file at path, layered over Default. An empty
// path falls back to the EnvVar environment variable; if that is also
// empty, Load returns Default. A named file that cannot be read is an
// error, and unknown YAML keys are rejected.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	config := Default()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := unmarshalStrict(data, &config); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return config, nil
}

func unmarshalStrict(data []byte, config *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil {
		return err
	}
	return nil
}

// Validate checks for internally inconsistent settings.
func (c Config) Validate() error {
	if c.Relay.Listen == "" {
		return fmt.Errorf("relay.listen must not be empty")
	}
	if (c.Relay.TLSCert == "") != (c.Relay.TLSKey == "") {
		return fmt.Errorf("relay.tls_cert and relay.tls_key must be set together")
	}
	if c.Client.URL == "" {
		return fmt.Errorf("client.url must not be empty")
	}
	if c.Client.RequestTimeout < 0 {
		return fmt.Errorf("client.request_timeout must not be negative")
	}
	if c.Client.InactivityTimeout < 0 {
		return fmt.Errorf("client.inactivity_timeout must not be negative")
	}
	if c.Client.ReconnectDelay < 0 {
		return fmt.Errorf("client.reconnect_delay must not be negative")
	}
	return nil
}
