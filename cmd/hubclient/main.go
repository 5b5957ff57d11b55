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

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/queuedhub/internal/auth"
	"github.com/rickgao/queuedhub/internal/bus"
	"github.com/rickgao/queuedhub/internal/config"
	"github.com/rickgao/queuedhub/internal/connection"
	"github.com/rickgao/queuedhub/internal/hub"
	"github.com/rickgao/queuedhub/internal/logging"
	"github.com/rickgao/queuedhub/internal/metrics"
	"github.com/rickgao/queuedhub/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/hubclient.local.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("hubclient failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	logger.Info("starting hubclient",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
	)

	headers, err := headersProvider(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	messages := bus.New(logger.Logger)
	defer messages.Close()

	collectors := metrics.New()

	opts := []connection.Option{
		connection.WithName(cfg.Client.Name),
		connection.WithEndpoint(cfg.Client.Endpoint),
		connection.WithHubName(cfg.Client.Hub),
		connection.WithTransportTimeout(cfg.Client.TransportTimeout),
		connection.WithReconnectInterval(cfg.Client.ReconnectInterval),
		connection.WithInvokeTimeout(cfg.Client.InvokeTimeout),
		connection.WithLogger(logger.Component("connection")),
		connection.WithHeadersProvider(headers),
		connection.WithProxySubscriber(subscriber(cfg.Client.Subscribe, logger.Component("inbound"))),
		connection.WithBus(messages),
		connection.WithMetrics(collectors),
	}
	if cfg.Client.RetryFailedInvokes {
		opts = append(opts, connection.WithRetryOnReconnect())
	}
	if cfg.Client.TeardownOnConnectFailure {
		opts = append(opts, connection.WithConnectFailurePolicy(connection.TeardownOnFailure))
	}

	manager := connection.NewManager(opts...)

	// The manager publishes on the bus, so it stops before the bus closes.
	defer manager.Disconnect()

	logger.Info("configuration loaded",
		"endpoint", cfg.Client.Endpoint,
		"hub", cfg.Client.Hub,
		"retry_failed_invokes", cfg.Client.RetryFailedInvokes,
	)

	if ok, err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	} else if !ok {
		logger.Warn("initial connect did not complete, retrying in background")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: newHTTPHandler(cfg.Metrics.Path, manager, collectors),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.Metrics.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		heartbeat(gctx, manager, cfg.Heartbeat, logger.Component("heartbeat"))
		return nil
	})

	g.Go(func() error {
		logEvents(gctx, messages, logger.Component("events"))
		return nil
	})

	logger.Info("hubclient running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	err = g.Wait()
	logger.Info("hubclient stopped")
	return err
}

// headersProvider merges static headers and the user agent with a fresh
// signature when auth is configured.
func headersProvider(cfg *config.Config) (func() (map[string]string, error), error) {
	static := map[string]string{"User-Agent": version.UserAgent(cfg.Client.Name)}
	for k, v := range cfg.Client.Headers {
		static[k] = v
	}

	if cfg.Auth.KeyID == "" {
		return auth.HeadersProvider(nil, cfg.Auth.HandshakePath, static), nil
	}

	creds, err := auth.LoadCredentials(cfg.Auth.KeyID, cfg.Auth.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return auth.HeadersProvider(creds, cfg.Auth.HandshakePath, static), nil
}

// subscriber logs every call the hub makes to one of targets.
func subscriber(targets []string, logger *slog.Logger) func(hub.Proxy) {
	return func(p hub.Proxy) {
		for _, target := range targets {
			p.On(target, func(args []json.RawMessage) {
				logger.Info("hub call", "target", target, "args", len(args), "payload", joinArgs(args))
			})
		}
	}
}

func joinArgs(args []json.RawMessage) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}

// heartbeat invokes cfg.Method every cfg.Interval until ctx is done.
func heartbeat(ctx context.Context, m *connection.Manager, cfg config.HeartbeatConfig, logger *slog.Logger) {
	if cfg.Interval <= 0 {
		logger.Info("heartbeat disabled")
		return
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			id := uuid.NewString()
			if err := m.Invoke(ctx, cfg.Method, id, now.UTC().Format(time.RFC3339Nano)); err != nil {
				logger.Error("heartbeat misconfigured", "error", err)
				return
			}
			logger.Debug("heartbeat sent", "id", id, "queued", m.QueueLen())
		}
	}
}

// logEvents logs manager events from the bus until ctx is done.
func logEvents(ctx context.Context, b bus.MessageBus, logger *slog.Logger) {
	topics := []string{
		connection.TopicState,
		connection.TopicInvokeQueued,
		connection.TopicInvokeDropped,
		connection.TopicReplayed,
		connection.TopicReplayFailed,
	}

	subs := make([]bus.Subscription, len(topics))
	for i, topic := range topics {
		subs[i] = b.Subscribe(topic)
	}

	merged := make(chan any, 64)
	for _, sub := range subs {
		go func(sub bus.Subscription) {
			for msg := range sub {
				select {
				case merged <- msg:
				case <-ctx.Done():
				}
			}
		}(sub)
	}

	defer func() {
		for _, sub := range subs {
			b.Unsubscribe(sub)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-merged:
			switch ev := msg.(type) {
			case hub.StateChange:
				logger.Info("state", "old", ev.Old, "new", ev.New)
			case connection.InvokeEvent:
				if ev.Err != nil {
					logger.Warn("invoke event", "method", ev.Invocation.Method, "id", ev.Invocation.ID, "error", ev.Err)
				} else {
					logger.Info("invoke replayed", "method", ev.Invocation.Method, "id", ev.Invocation.ID)
				}
			}
		}
	}
}

// newHTTPHandler serves metrics and a health summary of the manager.
func newHTTPHandler(metricsPath string, m *connection.Manager, c *metrics.Collectors) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, c.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Status    string `json:"status"`
			Name      string `json:"name"`
			Lifecycle string `json:"lifecycle"`
			State     string `json:"state"`
			Queued    int    `json:"queued"`
			Version   string `json:"version"`
		}{
			Status:    "healthy",
			Name:      m.Name(),
			Lifecycle: m.Lifecycle().String(),
			State:     m.ConnectionState().String(),
			Queued:    m.QueueLen(),
			Version:   version.String(),
		}

		status := http.StatusOK
		if m.ConnectionState() != hub.Connected {
			health.Status = "degraded"
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
