package upstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/config"
	"github.com/giantswarm/mcp-gateway/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// legacyRetryDelays are the fallback-probe retry delays for a legacy-sse
// client after the modern client fails (spec §4.1: "1 s, 2 s, 3 s delays").
var legacyRetryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}

// connect dials a single configured upstream per its transport kind and
// returns the connected Client plus the transport kind actually used (it
// may differ from config for http-with-fallback). onNotification, if
// non-nil, is wired before Initialize so no early notification is missed.
func connect(ctx context.Context, u config.Upstream, timeout time.Duration, onNotification func(mcp.JSONRPCNotification)) (Client, config.TransportKind, error) {
	switch u.Transport {
	case config.TransportStdio:
		c := newStdioClient(u.Name, u.Command, u.Args, u.Env)
		if onNotification != nil {
			c.OnNotification(onNotification)
		}
		if err := c.Initialize(ctx); err != nil {
			return nil, "", fmt.Errorf("stdio: %w", err)
		}
		return c, config.TransportStdio, nil

	case config.TransportModernHTTP:
		c := newStreamableClient(u.URL)
		if onNotification != nil {
			c.OnNotification(onNotification)
		}
		if err := c.Initialize(ctx); err != nil {
			return nil, "", fmt.Errorf("modern-http: %w", err)
		}
		return c, config.TransportModernHTTP, nil

	case config.TransportLegacySSE:
		c := newSSEClient(sseURL(u.URL))
		if onNotification != nil {
			c.OnNotification(onNotification)
		}
		if err := c.Initialize(ctx); err != nil {
			return nil, "", fmt.Errorf("legacy-sse: %w", err)
		}
		return c, config.TransportLegacySSE, nil

	case config.TransportHTTPFallback:
		return connectWithFallback(ctx, u, timeout, onNotification)

	default:
		return nil, "", fmt.Errorf("unknown transport kind %q", u.Transport)
	}
}

// connectWithFallback implements spec §4.1's probing sequence: try a
// modern streaming client first; on failure, retry a legacy event-stream
// client up to three times with increasing delays.
func connectWithFallback(ctx context.Context, u config.Upstream, timeout time.Duration, onNotification func(mcp.JSONRPCNotification)) (Client, config.TransportKind, error) {
	modernCtx, cancel := context.WithTimeout(ctx, timeout)
	modern := newStreamableClient(u.URL)
	if onNotification != nil {
		modern.OnNotification(onNotification)
	}
	err := modern.Initialize(modernCtx)
	cancel()
	if err == nil {
		return modern, config.TransportModernHTTP, nil
	}
	logging.Debug("upstream.factory", "modern-http probe failed for %s, falling back to legacy-sse: %v", u.Name, err)
	_ = modern.Close()

	var lastErr error
	sseEndpoint := sseURL(u.URL)
	for attempt, delay := range legacyRetryDelays {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(delay):
		}

		legacy := newSSEClient(sseEndpoint)
		if onNotification != nil {
			legacy.OnNotification(onNotification)
		}
		legacyCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = legacy.Initialize(legacyCtx)
		cancel()
		if lastErr == nil {
			return legacy, config.TransportLegacySSE, nil
		}
		logging.Debug("upstream.factory", "legacy-sse probe attempt %d failed for %s: %v", attempt+1, u.Name, lastErr)
	}

	return nil, "", fmt.Errorf("modern and legacy probes both failed, last error: %w", lastErr)
}

// sseURL appends the legacy SSE suffix to a base URL (spec §4.1: "retry a
// legacy event-stream client against <base>/sse").
func sseURL(base string) string {
	if strings.HasSuffix(base, "/sse") {
		return base
	}
	return strings.TrimRight(base, "/") + "/sse"
}
