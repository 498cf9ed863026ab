package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/catalog"
	"github.com/giantswarm/mcp-gateway/internal/config"
	"github.com/giantswarm/mcp-gateway/internal/gateway"
	"github.com/giantswarm/mcp-gateway/internal/session"
	"github.com/giantswarm/mcp-gateway/internal/upstream"
	"github.com/giantswarm/mcp-gateway/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
)

// serveFlags holds the CLI surface spec §6 names, bound directly into a
// config.Flags before config.Load merges them with the configuration file.
type serveFlags struct {
	configPath                      string
	port                            int
	logLevel                        string
	debug                           bool
	cors                            bool
	healthEndpoints                 []string
	timeoutMS                       int
	maxConcurrentRequestsPerSession int
	maxConcurrentServerConnections  int
}

func newServeCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregating MCP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), f)
		},
	}

	defaults := config.DefaultFlags()
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "configuration file path (required)")
	cmd.Flags().IntVar(&f.port, "port", defaults.Port, "listener port")
	cmd.Flags().StringVar(&f.logLevel, "logLevel", defaults.LogLevel, "log level: info | none | debug")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "alias for logLevel=debug")
	cmd.Flags().BoolVar(&f.cors, "cors", defaults.CORS, "enable CORS headers")
	cmd.Flags().StringArrayVar(&f.healthEndpoints, "healthEndpoint", nil, "health-check path (repeatable)")
	cmd.Flags().IntVar(&f.timeoutMS, "timeout", defaults.TimeoutMS, "upstream connect timeout in milliseconds")
	cmd.Flags().IntVar(&f.maxConcurrentRequestsPerSession, "maxConcurrentRequestsPerSession", defaults.MaxConcurrentRequestsPerSession, "per-session in-flight request cap")
	cmd.Flags().IntVar(&f.maxConcurrentServerConnections, "maxConcurrentServerConnections", defaults.MaxConcurrentServerConnections, "max parallel upstream connects (<=0 means unbounded)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runServe(ctx context.Context, f serveFlags) error {
	cfg, err := config.Load(f.configPath, config.Flags{
		ConfigPath:                      f.configPath,
		Port:                            f.port,
		LogLevel:                        f.logLevel,
		Debug:                           f.debug,
		CORS:                            f.cors,
		HealthEndpoints:                 f.healthEndpoints,
		TimeoutMS:                       f.timeoutMS,
		MaxConcurrentRequestsPerSession: f.maxConcurrentRequestsPerSession,
		MaxConcurrentServerConnections:  f.maxConcurrentServerConnections,
	})
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logging.Init(level, os.Stderr)

	if ctx == nil {
		ctx = context.Background()
	}

	notifier := &notificationBroadcaster{}

	logging.Info("cmd.serve", "connecting %d configured upstream(s)", len(cfg.Upstreams))
	pool, results := upstream.ConnectAll(ctx, cfg.Upstreams, cfg.MaxConcurrentServerConnections,
		time.Duration(cfg.ConnectTimeoutMS)*time.Millisecond, notifier.broadcast)

	if f.debug {
		gateway.PrintStartupSummary(results)
	}
	for _, r := range results {
		if r.Upstream == nil {
			logging.Warn("cmd.serve", "upstream %s failed to connect: %v", r.Name, r.Err)
		}
	}

	cat := catalog.New(pool)
	dispatcher := gateway.New(cat, pool)

	modern := session.NewModernSessionManager(dispatcher, cfg.MaxConcurrentRequestsPerSession)
	legacy := session.NewLegacySessionManager(dispatcher)

	// notifier was handed to ConnectAll before either manager existed; wire
	// them in now under its own lock so a notification racing this call
	// sees either no targets or both, never a nil-pointer half-state.
	notifier.setTargets(modern, legacy)

	srv := gateway.NewServer(cfg, modern, legacy)

	lifecycle := &gateway.Lifecycle{
		Pool:   pool,
		Modern: modern,
		Legacy: legacy,
		Server: srv,
	}
	go lifecycle.Run()

	logging.Info("cmd.serve", "mcp-gateway listening on port %d", cfg.Port)
	if err := srv.Serve(); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// notificationBroadcaster fans upstream notifications out to every client
// session on both transports (spec §4.2: "notifications from upstreams are
// broadcast to every client session"). It is constructed before ConnectAll
// so every upstream's OnNotification handler has somewhere to call into
// from the moment it connects; setTargets fills in the session managers a
// few lines later in runServe under the same lock broadcast reads, so a
// notification racing that wiring sees either no targets or both, never a
// data race on an unsynchronized package-level global. A notification that
// arrives before the managers are constructed at all still has nothing to
// deliver to and is dropped — that part of the window is unavoidable, not
// a synchronization bug.
type notificationBroadcaster struct {
	mu     sync.Mutex
	modern *session.ModernSessionManager
	legacy *session.LegacySessionManager
}

func (b *notificationBroadcaster) setTargets(modern *session.ModernSessionManager, legacy *session.LegacySessionManager) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modern = modern
	b.legacy = legacy
}

func (b *notificationBroadcaster) broadcast(upstreamName string, note mcp.JSONRPCNotification) {
	frame, err := json.Marshal(note)
	if err != nil {
		logging.Warn("cmd.serve", "dropping unmarshalable notification from %s: %v", upstreamName, err)
		return
	}
	b.mu.Lock()
	modern, legacy := b.modern, b.legacy
	b.mu.Unlock()
	if modern != nil {
		modern.BroadcastAll(frame)
	}
	if legacy != nil {
		legacy.BroadcastAll(frame)
	}
}
