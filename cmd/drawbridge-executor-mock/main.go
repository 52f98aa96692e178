// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Drawbridge-executor-mock joins a relay channel and answers a small
// set of commands without a design tool attached. It exists for
// integration testing and demos: point a command client at the same
// channel and every part of the protocol path is exercised, including
// chunked progress streaming.
//
// Commands:
//
//	ping       returns {"pong": true}
//	echo       returns its params unchanged
//	slow_scan  streams chunked progress, then returns a summary;
//	           params: items (default 50), chunk_size (default 10),
//	           chunk_delay_ms (default 200)
//	fail       returns an error response with the given message
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/drawbridge-ai/drawbridge/executor"
	"github.com/drawbridge-ai/drawbridge/lib/config"
	"github.com/drawbridge-ai/drawbridge/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var url string
	var channel string
	var logLevel string

	flag.StringVar(&configPath, "config", "", "path to config file (default: $"+config.EnvVar+")")
	flag.StringVar(&url, "url", "", "relay WebSocket URL, overrides config")
	flag.StringVar(&channel, "channel", "", "channel to serve, overrides config")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
	slog.SetDefault(logger)

	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if url != "" {
		loaded.Client.URL = url
	}
	if channel != "" {
		loaded.Client.Channel = channel
	}
	if loaded.Client.Channel == "" {
		return fmt.Errorf("--channel is required (or set client.channel in config)")
	}

	exec, err := executor.New(executor.Config{
		URL:            loaded.Client.URL,
		Channel:        loaded.Client.Channel,
		Logger:         logger,
		ReconnectDelay: loaded.Client.ReconnectDelay,
	})
	if err != nil {
		return err
	}
	exec.Handle("ping", handlePing)
	exec.Handle("echo", handleEcho)
	exec.Handle("slow_scan", handleSlowScan)
	exec.Handle("fail", handleFail)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("mock executor starting",
		"url", loaded.Client.URL,
		"channel", loaded.Client.Channel)
	return exec.Run(ctx)
}

func handlePing(context.Context, json.RawMessage, func(wire.ProgressUpdate)) (any, error) {
	return map[string]bool{"pong": true}, nil
}

func handleEcho(_ context.Context, params json.RawMessage, _ func(wire.ProgressUpdate)) (any, error) {
	return params, nil
}

func handleFail(_ context.Context, params json.RawMessage, _ func(wire.ProgressUpdate)) (any, error) {
	var decoded struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(params, &decoded)
	if decoded.Message == "" {
		decoded.Message = "mock failure"
	}
	return nil, fmt.Errorf("%s", decoded.Message)
}

// handleSlowScan simulates a chunked document scan: progress per
// chunk with a delay between chunks, so timeout-reset behavior can be
// observed end to end.
func handleSlowScan(ctx context.Context, params json.RawMessage, progress func(wire.ProgressUpdate)) (any, error) {
	settings := struct {
		Items        int `json:"items"`
		ChunkSize    int `json:"chunk_size"`
		ChunkDelayMS int `json:"chunk_delay_ms"`
	}{Items: 50, ChunkSize: 10, ChunkDelayMS: 200}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &settings); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	if settings.Items <= 0 || settings.ChunkSize <= 0 {
		return nil, fmt.Errorf("items and chunk_size must be positive")
	}

	totalChunks := (settings.Items + settings.ChunkSize - 1) / settings.ChunkSize
	progress(wire.ProgressUpdate{
		Status:     wire.StatusStarted,
		TotalItems: settings.Items,
	})
	processed := 0
	for chunk := 1; chunk <= totalChunks; chunk++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(settings.ChunkDelayMS) * time.Millisecond):
		}
		processed = min(processed+settings.ChunkSize, settings.Items)
		current, total := chunk, totalChunks
		progress(wire.ProgressUpdate{
			Status:         wire.StatusInProgress,
			Progress:       processed * 100 / settings.Items,
			TotalItems:     settings.Items,
			ProcessedItems: processed,
			CurrentChunk:   &current,
			TotalChunks:    &total,
		})
	}
	return map[string]int{"scanned": processed, "chunks": totalChunks}, nil
}
