package gateway

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/session"
	"github.com/giantswarm/mcp-gateway/internal/upstream"
	"github.com/giantswarm/mcp-gateway/pkg/logging"
)

// Shutdown-step caps (spec §4.5 "Shutdown").
const (
	ShutdownDisconnectTimeout = 10 * time.Second
	ShutdownSessionTimeout    = 2 * time.Second
	ShutdownListenerTimeout   = 5 * time.Second
)

// Lifecycle coordinates the gateway's graceful-shutdown sequence: disconnect
// every upstream, close every session, close the listener, each under its
// own cap, force-exiting the process if any step overruns (spec §4.5).
type Lifecycle struct {
	Pool   *upstream.Pool
	Modern *session.ModernSessionManager
	Legacy *session.LegacySessionManager
	Server *Server
}

// Run blocks until a shutdown signal arrives, then drives the shutdown
// sequence. A second signal received while shutdown is already in progress
// forces an immediate exit (spec §4.5).
func (l *Lifecycle) Run() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logging.Info("gateway.lifecycle", "shutdown signal received, beginning graceful shutdown")

	done := make(chan struct{})
	go func() {
		l.shutdown()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("gateway.lifecycle", "graceful shutdown complete")
		os.Exit(0)
	case <-sigCh:
		logging.Error("gateway.lifecycle", nil, "second shutdown signal received during in-progress shutdown, forcing exit")
		os.Exit(1)
	}
}

// shutdown runs the three-step sequence with per-step caps, force-exiting
// if a cap is exceeded.
func (l *Lifecycle) shutdown() {
	if !runStep("disconnect upstreams", ShutdownDisconnectTimeout, func(ctx context.Context) {
		l.Pool.DisconnectAll(ctx)
	}) {
		os.Exit(1)
	}

	if !runStep("close sessions", ShutdownSessionTimeout, func(ctx context.Context) {
		l.Modern.Stop()
		l.Legacy.Stop()
	}) {
		os.Exit(1)
	}

	if !runStep("close listener", ShutdownListenerTimeout, func(ctx context.Context) {
		if err := l.Server.Shutdown(ctx); err != nil {
			logging.Warn("gateway.lifecycle", "listener shutdown: %v", err)
		}
	}) {
		os.Exit(1)
	}
}

// runStep executes fn with a timeout context, reporting whether it
// completed within cap. A step that overruns its cap forces process exit
// per spec §4.5 step 4.
func runStep(name string, cap time.Duration, fn func(ctx context.Context)) bool {
	ctx, cancel := context.WithTimeout(context.Background(), cap)
	defer cancel()

	done := make(chan struct{})
	go func() {
		fn(ctx)
		close(done)
	}()

	select {
	case <-done:
		logging.Debug("gateway.lifecycle", "shutdown step %q completed", name)
		return true
	case <-time.After(cap):
		logging.Error("gateway.lifecycle", nil, "shutdown step %q exceeded its %s cap, forcing exit", name, cap)
		return false
	}
}
