// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Drawbridge-call issues a single design-tool command through the
// relay and prints the JSON result to stdout. Progress updates for
// long-running commands go to stderr. Exit status is non-zero when
// the command fails, times out, or the channel has no executor.
//
// Usage:
//
//	drawbridge-call --channel design-1 get_document_info
//	drawbridge-call --channel design-1 get_node_info '{"nodeId":"12:7"}'
//	echo '{"nodeId":"12:7"}' | drawbridge-call --channel design-1 get_node_info -
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/drawbridge-ai/drawbridge/client"
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
	var timeout time.Duration
	var verbose bool

	flag.StringVar(&configPath, "config", "", "path to config file (default: $"+config.EnvVar+")")
	flag.StringVar(&url, "url", "", "relay WebSocket URL, overrides config")
	flag.StringVar(&channel, "channel", "", "channel to join, overrides config")
	flag.DurationVar(&timeout, "timeout", 0, "request timeout, overrides config")
	flag.BoolVar(&verbose, "verbose", false, "log session activity to stderr")
	flag.Parse()

	if flag.NArg() < 1 || flag.NArg() > 2 {
		return fmt.Errorf("usage: drawbridge-call [flags] <command> [json-params]")
	}
	command := flag.Arg(0)

	var params map[string]any
	if flag.NArg() == 2 {
		raw := []byte(flag.Arg(1))
		if flag.Arg(1) == "-" {
			stdin, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read params from stdin: %w", err)
			}
			raw = stdin
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			return fmt.Errorf("params must be a JSON object: %w", err)
		}
	}

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
	if timeout != 0 {
		loaded.Client.RequestTimeout = timeout
	}
	if loaded.Client.Channel == "" {
		return fmt.Errorf("--channel is required (or set client.channel in config)")
	}

	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := client.NewSession(client.Config{
		URL:               loaded.Client.URL,
		Logger:            logger,
		RequestTimeout:    loaded.Client.RequestTimeout,
		InactivityTimeout: loaded.Client.InactivityTimeout,
		ReconnectDelay:    loaded.Client.ReconnectDelay,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", loaded.Client.URL, err)
	}
	if err := session.Join(ctx, loaded.Client.Channel); err != nil {
		return fmt.Errorf("join %s: %w", loaded.Client.Channel, err)
	}

	result, err := session.Call(ctx, command, params,
		client.WithProgress(printProgress))
	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}

	return printResult(result)
}

// printProgress writes one line per update to stderr, keeping stdout
// clean for the result.
func printProgress(update wire.ProgressUpdate) {
	line := fmt.Sprintf("progress: %s %d%%", update.Status, update.Progress)
	if update.TotalItems > 0 {
		line += fmt.Sprintf(" (%d/%d items)", update.ProcessedItems, update.TotalItems)
	}
	if update.CurrentChunk != nil && update.TotalChunks != nil {
		line += fmt.Sprintf(" chunk %d/%d", *update.CurrentChunk, *update.TotalChunks)
	}
	if update.Message != "" {
		line += ": " + update.Message
	}
	fmt.Fprintln(os.Stderr, line)
}

func printResult(result json.RawMessage) error {
	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		// Not JSON we can reformat; emit the raw bytes as-is.
		fmt.Println(string(result))
		return nil
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(pretty)
}
