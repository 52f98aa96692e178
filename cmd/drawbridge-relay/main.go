// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Drawbridge-relay is the channel relay server. It accepts WebSocket
// connections from command clients and design-tool executors, groups
// them into named channels, and forwards frames between channel
// members. It holds no command state; correlation lives in the
// clients.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/drawbridge-ai/drawbridge/lib/config"
	"github.com/drawbridge-ai/drawbridge/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var listen string
	var tlsCert string
	var tlsKey string
	var logLevel string
	var logFormat string

	flag.StringVar(&configPath, "config", "", "path to config file (default: $"+config.EnvVar+")")
	flag.StringVar(&listen, "listen", "", "listen address, overrides config (default :3055)")
	flag.StringVar(&tlsCert, "tls-cert", "", "TLS certificate file, overrides config")
	flag.StringVar(&tlsKey, "tls-key", "", "TLS key file, overrides config")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	flag.Parse()

	logger, err := buildLogger(logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		loaded.Relay.Listen = listen
	}
	if tlsCert != "" {
		loaded.Relay.TLSCert = tlsCert
	}
	if tlsKey != "" {
		loaded.Relay.TLSKey = tlsKey
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := buildListener(loaded.Relay)
	if err != nil {
		return err
	}
	logger.Info("relay listening",
		"address", listener.Addr().String(),
		"tls", loaded.Relay.TLSCert != "")

	server := relay.New(relay.Config{Logger: logger})
	if err := server.Serve(ctx, listener); err != nil {
		return fmt.Errorf("relay server: %w", err)
	}
	logger.Info("relay stopped")
	return nil
}

func buildListener(settings config.Relay) (net.Listener, error) {
	if settings.TLSCert == "" {
		listener, err := net.Listen("tcp", settings.Listen)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", settings.Listen, err)
		}
		return listener, nil
	}
	certificate, err := tls.LoadX509KeyPair(settings.TLSCert, settings.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	listener, err := tls.Listen("tcp", settings.Listen, &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return nil, fmt.Errorf("listen %s (tls): %w", settings.Listen, err)
	}
	return listener, nil
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	options := &slog.HandlerOptions{Level: slogLevel}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}
