// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// pqchat-relay is the signaling relay for pqchat clients. It accepts
// WebSocket connections on /relay and routes rtc:* envelopes between
// named session channels. It never sees message contents: chat traffic
// flows peer-to-peer over the encrypted data channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/pqchat/lib/config"
	"github.com/bureau-foundation/pqchat/lib/version"
	"github.com/bureau-foundation/pqchat/signaling"
)

// shutdownTimeout bounds the wait for in-flight HTTP requests.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var listenAddress string
	var allowedOrigins []string
	var debug bool

	flagSet := pflag.NewFlagSet("pqchat-relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to pqchat.yaml (default: $PQCHAT_CONFIG, else built-in defaults)")
	flagSet.StringVar(&listenAddress, "listen", "", "address to listen on (overrides relay.listen_address)")
	flagSet.StringSliceVar(&allowedOrigins, "allowed-origin", nil, "accepted browser Origin header, repeatable (overrides relay.allowed_origins)")
	flagSet.BoolVar(&debug, "debug", false, "log connection-level debug records")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("pqchat-relay")
		return nil
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	relayConfig, err := loadRelayConfig(configPath)
	if err != nil {
		return err
	}
	if listenAddress != "" {
		relayConfig.ListenAddress = listenAddress
	}
	if len(allowedOrigins) > 0 {
		relayConfig.AllowedOrigins = allowedOrigins
	}
	if relayConfig.ListenAddress == "" {
		return errors.New("relay.listen_address is required (set it in the config or pass --listen)")
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := newLogger(level)
	logger.Info("starting pqchat-relay",
		"version", version.Info(),
		"listen_address", relayConfig.ListenAddress,
		"allowed_origins", len(relayConfig.AllowedOrigins),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", relayConfig.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", relayConfig.ListenAddress, err)
	}
	relay := signaling.NewRelayServer(signaling.RelayConfig{
		AllowedOrigins: relayConfig.AllowedOrigins,
		Logger:         logger,
	})
	return serve(ctx, listener, newHandler(relay), logger)
}

// loadRelayConfig reads the relay section from --config or
// PQCHAT_CONFIG. The relay needs no identity settings, so without
// either it runs on the built-in defaults.
func loadRelayConfig(path string) (config.RelayConfig, error) {
	if path == "" {
		path = os.Getenv("PQCHAT_CONFIG")
	}
	if path == "" {
		return config.Default().Relay, nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return config.RelayConfig{}, err
	}
	return cfg.Relay, nil
}

// newLogger writes text records to a terminal and JSON otherwise.
func newLogger(level slog.Level) *slog.Logger {
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

// newHandler routes /relay to the relay and /healthz to a liveness
// probe reporting the connected client count.
func newHandler(relay *signaling.RelayServer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /relay", relay)
	mux.HandleFunc("GET /healthz", func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(writer, "ok clients=%d\n", relay.Clients())
	})
	return mux
}

// serve runs the HTTP server on listener until ctx is cancelled, then
// shuts it down. Upgraded WebSocket connections are hijacked and end
// with the process.
func serve(ctx context.Context, listener net.Listener, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("relay listening", "address", listener.Addr().String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		logger.Info("relay shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	logger.Info("relay stopped")
	return nil
}
