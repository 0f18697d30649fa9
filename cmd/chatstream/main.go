// Command chatstream is a terminal chat client for streaming completion
// endpoints. Replies are printed as they stream in and tool calls are served
// by the configured MCP servers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chatstream/internal/config"
	"github.com/MrWong99/chatstream/internal/health"
	"github.com/MrWong99/chatstream/internal/observe"
	"github.com/MrWong99/chatstream/internal/resilience"
	"github.com/MrWong99/chatstream/internal/toolexec"
	"github.com/MrWong99/chatstream/internal/toolexec/builtins"
	"github.com/MrWong99/chatstream/pkg/chat"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "chatstream.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	// ── Configuration ─────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(logger, &level, config.Diff(old, new))
	}, config.WithWatcherLogger(logger))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "chatstream: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "chatstream: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(cfg.Server.LogLevel.Level())
	logger.Info("chatstream starting",
		"config", *configPath,
		"api", cfg.Transport.API,
		"fallbacks", len(cfg.Transport.FallbackAPIs),
		"mcp_servers", len(cfg.MCP.Servers),
		"builtin_tools", len(cfg.MCP.Builtins),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		logger.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Tools ─────────────────────────────────────────────────────────────────
	tools := toolexec.New(toolexec.WithLogger(logger))
	defer func() {
		if err := tools.Close(); err != nil {
			logger.Warn("tool executor close error", "err", err)
		}
	}()
	for _, srv := range cfg.MCP.Servers {
		if err := tools.RegisterServer(ctx, srv.ServerConfig()); err != nil {
			logger.Error("failed to connect MCP server", "server", srv.Name, "err", err)
			return 1
		}
	}
	for _, name := range cfg.MCP.Builtins {
		tool, _ := builtins.ByName(name) // names are validated on load
		if err := tools.RegisterBuiltin(tool); err != nil {
			logger.Error("failed to register builtin tool", "tool", name, "err", err)
			return 1
		}
	}

	// ── Transport ─────────────────────────────────────────────────────────────
	fetcher := resilience.NewFailoverFetcher(
		chat.HTTPFetcher{Client: newHTTPClient(cfg.Transport.Timeout)},
		resilience.WithFallbacks(chat.Computed(func(context.Context) ([]string, error) {
			return watcher.Current().Transport.FallbackAPIs, nil
		})),
		resilience.WithBreakerConfig(resilience.BreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
			Logger:       logger,
		}),
		resilience.WithMetrics(metrics),
		resilience.WithLogger(logger),
	)

	c := chat.New(newTransport(watcher, fetcher, tools.RequestBody), chatOptions(cfg.Chat, logger, metrics, tools)...)
	logger.Debug("chat session created", "session_id", c.ID())

	// ── Run ───────────────────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.Server.MetricsAddr; addr != "" {
		srv := newMetricsServer(addr, metrics,
			health.Checker{Name: "transport", Check: func(ctx context.Context) error {
				return fetcher.Ready(ctx, watcher.Current().Transport.API)
			}},
			health.Checker{Name: "tools", Check: tools.Ping},
		)
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer cancel()
		fmt.Fprintf(os.Stdout, "session %s, type /help for commands\n", c.ID())
		return repl(gctx, c, os.Stdin, os.Stdout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run error", "err", err)
		return 1
	}
	c.Stop()
	c.Wait()
	logger.Info("goodbye")
	return 0
}

func chatOptions(cc config.ChatConfig, logger *slog.Logger, metrics *observe.Metrics, tools *toolexec.Executor) []chat.Option {
	opts := []chat.Option{
		chat.WithLogger(logger),
		chat.WithMetrics(metrics),
		chat.WithMaxRounds(cc.RoundLimit()),
		chat.WithToolCallHandler(tools.HandleToolCall),
		chat.WithOnError(func(err error) {
			logger.Debug("round failed", "err", err)
		}),
	}
	if cc.SessionID != "" {
		opts = append(opts, chat.WithID(cc.SessionID))
	}
	if fn := cc.AutoContinue.Func(); fn != nil {
		opts = append(opts, chat.WithAutoContinue(fn))
	}
	if cc.SingleFlight {
		opts = append(opts, chat.WithSingleFlight())
	}
	return opts
}

func newMetricsServer(addr string, metrics *observe.Metrics, checkers ...health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// applyReload acts on the hot-reloadable parts of a config change and warns
// about the rest.
func applyReload(logger *slog.Logger, level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		logger.Info("log level changed", "level", d.NewLogLevel.Level())
	}
	if d.TransportChanged {
		logger.Info("transport settings changed, applying from the next request")
	}
	for _, section := range d.RestartRequired {
		logger.Warn("config section changed, restart required to apply", "section", section)
	}
}
