package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/queuedhub/internal/auth"
	"github.com/rickgao/queuedhub/internal/config"
	"github.com/rickgao/queuedhub/internal/logging"
	"github.com/rickgao/queuedhub/internal/version"
	"github.com/rickgao/queuedhub/internal/wshub"
)

func main() {
	configPath := flag.String("config", "", "optional path to config file")
	listen := flag.String("listen", "", "listen address (overrides echo.listen)")
	hubName := flag.String("hub", "chat", "hub serving send and Heartbeat")
	keyPath := flag.String("verify-key", "", "PEM key whose public half verifies handshake signatures")
	flag.Parse()

	if err := run(*configPath, *listen, *hubName, *keyPath); err != nil {
		slog.Error("hubecho failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, listen, hubName, keyPath string) error {
	cfg := &config.Config{}
	if configPath != "" {
		loaded, err := config.LoadWithDefaults(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg.ApplyDefaults()
	}
	if listen != "" {
		cfg.Echo.Listen = listen
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	logger.Info("starting hubecho",
		"version", version.Version,
		"listen", cfg.Echo.Listen,
		"path", cfg.Echo.Path,
		"hub", hubName,
	)

	srv := wshub.NewServer(logger.Logger)
	registerHandlers(srv, hubName, logger.Component("echo"))

	if keyPath != "" {
		key, err := auth.LoadPrivateKey(keyPath)
		if err != nil {
			return fmt.Errorf("load verify key: %w", err)
		}
		path := cfg.Auth.HandshakePath
		srv.Authorize(func(r *http.Request) error {
			return auth.Verify(&key.PublicKey, path, map[string]string{
				auth.HeaderAccessTimestamp: r.Header.Get(auth.HeaderAccessTimestamp),
				auth.HeaderAccessSignature: r.Header.Get(auth.HeaderAccessSignature),
			})
		})
		logger.Info("handshake verification enabled", "handshake_path", path)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Echo.Path, srv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "healthy",
			"peers":  srv.PeerCount(),
		})
	})

	server := &http.Server{
		Addr:    cfg.Echo.Listen,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.DropAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("hubecho stopped")
	return nil
}

// registerHandlers wires the echo hub and the chat-style hub named hubName.
func registerHandlers(srv *wshub.Server, hubName string, logger *slog.Logger) {
	srv.Handle("echo", wshub.AnyTarget, func(args []json.RawMessage) (any, error) {
		return args, nil
	})

	srv.Handle(hubName, "send", func(args []json.RawMessage) (any, error) {
		relay := make([]any, len(args))
		for i, a := range args {
			relay[i] = a
		}
		n, err := srv.Broadcast(hubName, "receive", relay...)
		if err != nil {
			return nil, err
		}
		logger.Debug("relayed send", "peers", n)
		return n, nil
	})

	srv.Handle(hubName, "Heartbeat", func(args []json.RawMessage) (any, error) {
		return time.Now().UTC().Format(time.RFC3339Nano), nil
	})
}
