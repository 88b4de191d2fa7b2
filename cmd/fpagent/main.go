// Fpagent is a WhatsApp personal-finance agent.
//
// It receives the owner's WhatsApp messages on a Cloud API webhook,
// asks an OpenAI-compatible model what to do, runs the SQL the model
// proposes against the ledger through an MCP query gateway, and
// replies on WhatsApp.
//
// Configuration comes from the environment, optionally seeded by the
// YAML file named in FPAGENT_CONFIG (see [config.FromEnv]).
//
// Usage:
//
//	fpagent            Start the webhook server
//	fpagent version    Print version and build information
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fpagent/fpagent/internal/agent"
	"github.com/fpagent/fpagent/internal/api"
	"github.com/fpagent/fpagent/internal/buildinfo"
	"github.com/fpagent/fpagent/internal/config"
	"github.com/fpagent/fpagent/internal/connwatch"
	"github.com/fpagent/fpagent/internal/conversation"
	"github.com/fpagent/fpagent/internal/decision"
	"github.com/fpagent/fpagent/internal/events"
	"github.com/fpagent/fpagent/internal/gateway"
	"github.com/fpagent/fpagent/internal/ledger"
	"github.com/fpagent/fpagent/internal/whatsapp"
)

// main builds the OS-level environment and hands off to [run], which
// keeps os.Exit and os.Getenv out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Cancelling ctx (or SIGINT/SIGTERM)
// shuts the server down.
func run(ctx context.Context, stdout, stderr io.Writer, args []string, getenv func(string) string) error {
	if len(args) > 0 {
		switch args[0] {
		case "version", "-v", "--version":
			fmt.Fprintln(stdout, buildinfo.String())
			return nil
		default:
			return fmt.Errorf("unknown command %q (usage: fpagent [version])", args[0])
		}
	}

	cfg, err := config.FromEnv(getenv)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting fpagent",
		"version", buildinfo.Version,
		"model", cfg.LLM.Model,
		"gateway_transport", cfg.Gateway.Transport(),
		"query_tool", cfg.Gateway.ToolName,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.New()

	// Conversation state
	store, closeStore, err := newStore(cfg.Conversation, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Query gateway
	gw := gateway.New(gateway.Config{
		Transport:   newTransport(cfg, logger),
		CallTimeout: cfg.Gateway.CallTimeout,
		Stateless:   cfg.Gateway.Stateless,
		Logger:      logger,
	})
	defer gw.Close()

	// Decision engine
	engine := decision.New(decision.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		Referer:     cfg.LLM.Referer,
		Title:       cfg.LLM.Title,
		Logger:      logger,
	})

	// Ledger reference data
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	var refSource agent.ReferenceSource
	if cfg.Database.Configured() {
		db, err := openLedger(ctx, cfg.Database.DSN(), logger)
		if err != nil {
			return err
		}
		defer db.Close()

		loader := ledger.NewLoader(db, cfg.Database.RefreshInterval, logger)
		refSource = loader
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "postgres",
			Probe:   loader.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
			OnReady: bus.ServiceUp("postgres"),
			OnDown:  bus.ServiceDown("postgres"),
			Logger:  logger,
		})
	} else {
		logger.Warn("database not configured, prompts will carry no reference data")
	}

	// The probe session is separate from any conversation's session.
	var probeSession gateway.Session
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:     "gateway",
		Probe:    func(ctx context.Context) error { return gw.Ping(ctx, &probeSession) },
		Critical: true,
		Backoff:  connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			bus.ServiceUp("gateway")()
			var s gateway.Session
			checkTools(ctx, gw, &s, cfg.Gateway.ToolName, logger)
		},
		OnDown: bus.ServiceDown("gateway"),
		Logger: logger,
	})

	// Orchestration loop
	loop, err := agent.New(agent.Config{
		AuthorizedUser:     whatsapp.NormalizePhone(cfg.AuthorizedNumber),
		QueryTool:          cfg.Gateway.ToolName,
		MaxAttempts:        cfg.Conversation.MaxRetryAttempts,
		Expiry:             cfg.Conversation.Expiry,
		MaxHistoryMessages: cfg.Conversation.MaxHistoryMessages,
		MaxHistoryChars:    cfg.Conversation.MaxHistoryChars,
		Decider:            engine,
		Gateway:            gw,
		Store:              store,
		Reference:          refSource,
		Observer:           events.TurnObserver{Bus: bus},
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	// WhatsApp channel
	waClient := whatsapp.NewClient(whatsapp.ClientConfig{
		BaseURL:       cfg.WhatsApp.BaseURL,
		APIVersion:    cfg.WhatsApp.APIVersion,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		Token:         cfg.WhatsApp.Token,
		Logger:        logger,
	})
	webhook := whatsapp.NewWebhook(whatsapp.WebhookConfig{
		VerifyToken: cfg.WhatsApp.VerifyToken,
		AppSecret:   cfg.WhatsApp.AppSecret,
		Logger:      logger,
	})
	if cfg.WhatsApp.AppSecret == "" {
		logger.Warn("whatsapp app secret not set, webhook signatures are not verified")
	}
	bridge := whatsapp.NewBridge(whatsapp.BridgeConfig{
		Sender:    waClient,
		Handler:   loop,
		Accept:    loop.Authorized,
		Logger:    logger,
		RateLimit: cfg.WhatsApp.RateLimit,
	})

	// Optional MQTT event publishing
	var sink *events.MQTTSink
	if cfg.MQTT.Configured() {
		sink = events.NewMQTTSink(events.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
		}, bus, logger)
		if err := sink.Start(ctx); err != nil {
			logger.Error("mqtt start failed, continuing without event publishing", "error", err)
			sink = nil
		}
	}

	server := api.NewServer(api.Config{
		Address: cfg.Listen.Address,
		Port:    cfg.Listen.Port,
		Webhook: webhook,
		Health:  connMgr,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bridge.Start(gctx, webhook.Messages())
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if sink != nil {
			if err := sink.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt stop failed", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("fpagent stopped")
	return nil
}

// newLogger creates a slog.Logger writing to w in the given format.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// newStore returns the SQLite store when a path is configured and the
// in-memory store otherwise, plus a close function.
func newStore(cfg config.ConversationConfig, logger *slog.Logger) (conversation.Store, func(), error) {
	if cfg.StateDBPath == "" {
		logger.Info("conversation state kept in memory")
		return conversation.NewMemoryStore(), func() {}, nil
	}
	s, err := conversation.NewSQLiteStore(cfg.StateDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open conversation store: %w", err)
	}
	logger.Info("conversation state persisted", "path", cfg.StateDBPath)
	return s, func() {
		if err := s.Close(); err != nil {
			logger.Warn("close conversation store", "error", err)
		}
	}, nil
}

// newTransport picks the HTTP or stdio gateway transport.
func newTransport(cfg *config.Config, logger *slog.Logger) gateway.Transport {
	if cfg.Gateway.Transport() == "http" {
		return gateway.NewHTTPTransport(gateway.HTTPConfig{
			URL:     cfg.Gateway.URL,
			Headers: cfg.Gateway.Headers,
			Logger:  logger,
		})
	}
	return gateway.NewStdioTransport(gateway.StdioConfig{
		Command: cfg.Gateway.Command,
		Args:    cfg.Gateway.Args,
		Env:     stdioEnv(cfg),
		Logger:  logger,
	})
}

// stdioEnv passes the ledger connection to a gateway subprocess that
// was not given one explicitly.
func stdioEnv(cfg *config.Config) []string {
	env := append([]string(nil), cfg.Gateway.Env...)
	if !cfg.Database.Configured() {
		return env
	}
	has := func(key string) bool {
		for _, kv := range env {
			if len(kv) > len(key) && kv[:len(key)+1] == key+"=" {
				return true
			}
		}
		return false
	}
	if cfg.Database.URL != "" && !has("DATABASE_URI") {
		env = append(env, "DATABASE_URI="+cfg.Database.URL)
	}
	if cfg.Database.Password != "" && !has("PGPASSWORD") {
		env = append(env, "PGPASSWORD="+cfg.Database.Password)
	}
	return env
}

// openLedger connects to PostgreSQL. A database that is down at startup
// is not fatal: the pool is opened without a ping and connwatch reports
// when it comes up.
func openLedger(ctx context.Context, dsn string, logger *slog.Logger) (*sql.DB, error) {
	db, err := ledger.Open(ctx, dsn)
	if err == nil {
		return db, nil
	}
	logger.Warn("ledger database unreachable at startup", "error", err)
	db, err = sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return db, nil
}

// checkTools warns when the gateway does not advertise the query tool.
func checkTools(ctx context.Context, gw *gateway.Client, s *gateway.Session, tool string, logger *slog.Logger) {
	tools, err := gw.ListTools(ctx, s)
	if err != nil {
		logger.Warn("list gateway tools failed", "error", err)
		return
	}
	if !gw.HasTool(tool) {
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			names = append(names, t.Name)
		}
		logger.Warn("gateway does not advertise the query tool", "tool", tool, "available", names)
		return
	}
	logger.Info("gateway tools discovered", "count", len(tools))
}
