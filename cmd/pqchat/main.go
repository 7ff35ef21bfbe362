// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// pqchat is a terminal client for end-to-end encrypted one-to-one chat.
//
// Run without --peer or --join to host a session: the client prints a
// share link and waits for a peer to join through the relay. Run with
// the link (--join) or the host's session id (--peer) to join. Both
// sides authenticate with an OpenID Connect id token, negotiate a
// WebRTC data channel, and derive the session key with ML-KEM-1024.
// The safety code shown in the status bar should match on both screens.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/pqchat/admission"
	"github.com/bureau-foundation/pqchat/identity"
	"github.com/bureau-foundation/pqchat/lib/chatui"
	"github.com/bureau-foundation/pqchat/lib/config"
	"github.com/bureau-foundation/pqchat/lib/secret"
	"github.com/bureau-foundation/pqchat/lib/version"
	"github.com/bureau-foundation/pqchat/session"
	"github.com/bureau-foundation/pqchat/signaling"
	"github.com/bureau-foundation/pqchat/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options holds the command-line flags. Non-empty values override the
// config file.
type options struct {
	configPath string
	peerID     string
	joinURL    string
	relayURL   string
	tokenFile  string
	avatar     string
	logOutput  string
}

func run() error {
	var flags options

	flagSet := pflag.NewFlagSet("pqchat", pflag.ContinueOnError)
	flagSet.StringVar(&flags.configPath, "config", "", "path to pqchat.yaml (default: $PQCHAT_CONFIG)")
	flagSet.StringVar(&flags.peerID, "peer", "", "join the session with this host session id")
	flagSet.StringVar(&flags.joinURL, "join", "", "join the session named by this share link")
	flagSet.StringVar(&flags.relayURL, "relay", "", "signaling relay URL (overrides relay.url)")
	flagSet.StringVar(&flags.tokenFile, "token-file", "", `file holding your id token, or "-" for stdin (overrides client.token_file)`)
	flagSet.StringVar(&flags.avatar, "avatar", "", "avatar URL attached to your messages (overrides client.avatar)")
	flagSet.StringVar(&flags.logOutput, "log-output", "", "write JSON log records to this file (overrides client.log_output)")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("pqchat")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	peerID, err := resolvePeerID(flags.peerID, flags.joinURL)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	token, err := readToken(cfg.Client.TokenFile)
	if err != nil {
		return fmt.Errorf("reading id token: %w", err)
	}
	defer token.Close()

	tuiHandler := chatui.NewTUILogHandler(slog.LevelWarn)
	handlers := chatui.FanoutHandler{tuiHandler}
	if cfg.Client.LogOutput != "" {
		fileHandler, closeFile, err := openFileLogHandler(cfg.Client.LogOutput)
		if err != nil {
			return fmt.Errorf("opening log file %s: %w", cfg.Client.LogOutput, err)
		}
		defer closeFile()
		handlers = append(handlers, fileHandler)
	}
	logger := slog.New(handlers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runClient(ctx, cfg, peerID, token.String(), tuiHandler, logger)
}

// runClient wires the relay connection, verifier, admission gate and
// session coordinator to the terminal UI and runs until the user quits.
func runClient(ctx context.Context, cfg *config.Config, peerID, idToken string, tuiHandler *chatui.TUILogHandler, logger *slog.Logger) error {
	bus, err := signaling.DialWebSocket(ctx, signaling.WebSocketBusConfig{
		URL:    cfg.Relay.URL,
		Logger: logger.With("component", "relay"),
	})
	if err != nil {
		return fmt.Errorf("connecting to relay %s: %w", cfg.Relay.URL, err)
	}
	defer bus.Close()

	verifier, err := identity.NewVerifier(identity.Config{
		Issuer:   cfg.Identity.Issuer,
		Audience: cfg.Identity.Audience,
		Keys: identity.NewRemoteKeys(identity.RemoteKeysConfig{
			URL:     cfg.Identity.JWKSURL,
			Refresh: cfg.Identity.JWKSRefreshDuration(),
			Logger:  logger.With("component", "jwks"),
		}),
		FreshnessWindow: cfg.Identity.FreshnessWindowDuration(),
		Leeway:          cfg.Identity.LeewayDuration(),
	})
	if err != nil {
		return err
	}

	// The program is assigned before the coordinator starts, and
	// nothing below calls these hooks earlier.
	var program *tea.Program
	queue := admission.NewQueue(admission.QueueConfig{
		OnRequest: func(request admission.Request) {
			program.Send(chatui.AdmissionRequestMsg{Request: request})
		},
		OnWithdrawn: func(peerID string) {
			program.Send(chatui.AdmissionWithdrawnMsg{PeerID: peerID})
		},
		Logger: logger.With("component", "admission"),
	})
	gate, err := admission.FromConfig(cfg.Admission, queue)
	if err != nil {
		return err
	}

	coordinator, err := session.New(session.Config{
		PeerID: peerID,
		Bus:    bus,
		Negotiators: transport.NewPeerFactory(transport.PeerConfig{
			ICE:    transport.ICEConfigFromConfig(cfg.ICE),
			Logger: logger.With("component", "transport"),
		}),
		Verifier:          verifier,
		IDToken:           idToken,
		Gate:              gate,
		Avatar:            cfg.Client.Avatar,
		HandshakeTimeout:  cfg.Session.HandshakeTimeoutDuration(),
		TransportTimeout:  cfg.Session.TransportTimeoutDuration(),
		VerifyTimeout:     cfg.Session.VerifyTimeoutDuration(),
		MaxCryptoFailures: cfg.Session.MaxCryptoFailures,
		Notify: func(notification session.Notification) {
			program.Send(chatui.NotificationMsg{Notification: notification})
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer coordinator.Close()

	var shareURL string
	var admitter chatui.Admitter
	if coordinator.Role() == session.Host {
		shareURL, err = session.ShareURL(cfg.Session.ShareBaseURL, coordinator.SessionID())
		if err != nil {
			return err
		}
		if gate == admission.Gate(queue) {
			admitter = queue
		}
	}

	model := chatui.NewModel(chatui.Config{
		Session:  coordinator,
		Admitter: admitter,
		Role:     coordinator.Role(),
		ShareURL: shareURL,
	})
	program = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	tuiHandler.SetProgram(program)

	go func() {
		if err := coordinator.Start(ctx); err != nil {
			logger.Error("starting session failed", "error", err)
		}
	}()
	go func() {
		select {
		case <-bus.Done():
			logger.Error("relay connection lost")
		case <-ctx.Done():
		}
	}()

	_, err = program.Run()
	if shareURL != "" {
		fmt.Fprintf(os.Stderr, "session %s ended (share link was %s)\n", coordinator.SessionID(), shareURL)
	}
	if err != nil && ctx.Err() != nil && errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

// resolvePeerID returns the host session id from --peer or --join, or
// "" to host.
func resolvePeerID(peerFlag, joinFlag string) (string, error) {
	if peerFlag != "" && joinFlag != "" {
		return "", errors.New("--peer and --join are mutually exclusive")
	}
	if joinFlag == "" {
		return peerFlag, nil
	}
	peerID, err := session.ParseJoinURL(joinFlag)
	if err != nil {
		return "", err
	}
	if peerID == "" {
		return "", fmt.Errorf("join link %q has no %s parameter", joinFlag, session.PeerIDParameter)
	}
	return peerID, nil
}

// loadConfig reads the config from --config or PQCHAT_CONFIG, applies
// flag overrides and validates the result.
func loadConfig(flags options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if flags.configPath != "" {
		cfg, err = config.LoadFile(flags.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if flags.relayURL != "" {
		cfg.Relay.URL = flags.relayURL
	}
	if flags.tokenFile != "" {
		cfg.Client.TokenFile = flags.tokenFile
	}
	if flags.avatar != "" {
		cfg.Client.Avatar = flags.avatar
	}
	if flags.logOutput != "" {
		cfg.Client.LogOutput = flags.logOutput
	}
	if cfg.Relay.URL == "" {
		return nil, errors.New("relay.url is required (set it in the config or pass --relay)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// readToken reads the id token from path, from piped stdin, or from an
// interactive prompt with echo disabled.
func readToken(path string) (*secret.Buffer, error) {
	if path != "" && path != "-" {
		return secret.ReadFromPath(path)
	}

	stdinFileDescriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFileDescriptor) {
		return secret.ReadFromPath("-")
	}

	fmt.Fprint(os.Stderr, "ID token: ")
	tokenBytes, err := term.ReadPassword(stdinFileDescriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading id token: %w", err)
	}
	if len(tokenBytes) == 0 {
		return nil, errors.New("no id token entered")
	}
	return secret.NewFromBytes(tokenBytes)
}

// openFileLogHandler creates a slog.JSONHandler that appends to path,
// creating parent directories as needed.
func openFileLogHandler(path string) (slog.Handler, func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, err
	}
	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
	return handler, func() { file.Close() }, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `pqchat - end-to-end encrypted one-to-one terminal chat.

Without --peer or --join, hosts a new session and shows a share link.
With either, joins the host's session. Both sides need an id token from
the configured identity provider.

Usage:
  pqchat [flags]

Examples:
  # Host a session
  pqchat --config ~/.config/pqchat/pqchat.yaml --token-file ~/.cache/pqchat/token

  # Join with a share link
  pqchat --join 'pqchat://join?peerId=2d8c...' --token-file -

Keys:
  enter send   C-r rekey   pgup/pgdn scroll   y/n admit or deny   C-c quit

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
