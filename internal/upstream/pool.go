package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/config"
	"github.com/giantswarm/mcp-gateway/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// CapabilityProbeTimeout bounds the tools/resources/prompts list probe
// issued right after connect (spec §4.1).
const CapabilityProbeTimeout = 30 * time.Second

// DisconnectTimeout bounds a single upstream's disconnect during shutdown
// (spec §4.5/§5).
const DisconnectTimeout = 10 * time.Second

// Pool owns every connected Upstream for the lifetime of the gateway. Its
// upstream set is populated once by ConnectAll at startup and only mutated
// again by Disconnect during shutdown; each upstream's catalog is rebuilt
// in place by Relist, which the catalog layer calls on every list request.
type Pool struct {
	mu        sync.RWMutex
	upstreams map[string]*Upstream
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{upstreams: make(map[string]*Upstream)}
}

// NewPoolFrom builds a Pool pre-populated with upstreams, for callers (tests,
// and any future hot-reload path) that already hold connected Upstream
// values rather than configs to dial.
func NewPoolFrom(upstreams map[string]*Upstream) *Pool {
	p := NewPool()
	for name, u := range upstreams {
		p.upstreams[name] = u
	}
	return p
}

// ConnectAll dials every configured upstream with bounded parallelism.
// maxParallel collapses to len(configs) when non-positive (spec §4.1).
// Every outcome — success or failure — is collected; a failed upstream is
// logged and omitted, never causing ConnectAll itself to fail.
func ConnectAll(ctx context.Context, configs []config.Upstream, maxParallel int, connectTimeout time.Duration, onNotification func(upstreamName string, note mcp.JSONRPCNotification)) (*Pool, []ConnectResult) {
	if maxParallel <= 0 {
		maxParallel = len(configs)
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}

	pool := NewPool()
	results := make([]ConnectResult, len(configs))
	sem := semaphore.NewWeighted(int64(maxParallel))

	var g errgroup.Group
	for i, cfg := range configs {
		i, cfg := i, cfg
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = ConnectResult{Name: cfg.Name, Err: err}
				return nil
			}
			defer sem.Release(1)

			u, err := connectOne(ctx, cfg, connectTimeout, onNotification)
			if err != nil {
				logging.Warn("upstream.pool", "failed to connect upstream %s: %v", cfg.Name, err)
				results[i] = ConnectResult{Name: cfg.Name, Err: err}
				return nil
			}
			results[i] = ConnectResult{Upstream: u, Name: cfg.Name}
			return nil
		})
	}
	// errgroup.Group.Go's func never returns a non-nil error above, so Wait
	// cannot fail; every goroutine writes its own result slot regardless of
	// success or cancellation, satisfying the "never lose a result on
	// concurrent completion" requirement.
	_ = g.Wait()

	for _, r := range results {
		if r.Upstream != nil {
			pool.mu.Lock()
			pool.upstreams[r.Name] = r.Upstream
			pool.mu.Unlock()
		}
	}

	return pool, results
}

func connectOne(ctx context.Context, cfg config.Upstream, timeout time.Duration, onNotification func(upstreamName string, note mcp.JSONRPCNotification)) (*Upstream, error) {
	var wrapped func(mcp.JSONRPCNotification)
	if onNotification != nil {
		wrapped = func(note mcp.JSONRPCNotification) { onNotification(cfg.Name, note) }
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	client, actualKind, err := connect(connectCtx, cfg, timeout, wrapped)
	cancel()
	if err != nil {
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, CapabilityProbeTimeout)
	catalog := probeCapabilities(probeCtx, client, cfg.Name)
	cancel()

	return NewUpstream(cfg.Name, actualKind, client, catalog), nil
}

// probeCapabilities issues tools/list, resources/list, prompts/list
// independently: any error from one list call, method-not-found included,
// degrades that category to empty rather than failing the whole upstream
// (spec §4.1).
func probeCapabilities(ctx context.Context, client Client, name string) Catalog {
	var catalog Catalog

	tools, err := client.ListTools(ctx)
	if err != nil {
		logging.Debug("upstream.pool", "tools/list not supported by %s: %v", name, err)
		tools = nil
	}
	catalog.Tools = tools

	resources, err := client.ListResources(ctx)
	if err != nil {
		logging.Debug("upstream.pool", "resources/list not supported by %s: %v", name, err)
		resources = nil
	}
	catalog.Resources = resources

	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		logging.Debug("upstream.pool", "prompts/list not supported by %s: %v", name, err)
		prompts = nil
	}
	catalog.Prompts = prompts

	return catalog
}

// Get returns the named upstream and whether it exists.
func (p *Pool) Get(name string) (*Upstream, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.upstreams[name]
	return u, ok
}

// All returns a defensive copy of the connected upstream set (the teacher's
// registry accessor convention — see SPEC_FULL.md's supplemented features).
func (p *Pool) All() map[string]*Upstream {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]*Upstream, len(p.upstreams))
	for k, v := range p.upstreams {
		out[k] = v
	}
	return out
}

// Relist re-probes tools/resources/prompts on every connected upstream in
// parallel and rebuilds each one's catalog in place. This is the live
// counterpart to the warm-start cache captured at connect: the spec's own
// resolution of its "does a late-registered tool become visible" open
// question is that every tools/list (and, for consistency, resources/list
// and prompts/list) triggers this before the gateway reads the merged
// catalog. A single slow or unresponsive upstream cannot block the others;
// each re-probe is bounded by CapabilityProbeTimeout independently.
func (p *Pool) Relist(ctx context.Context) {
	p.mu.RLock()
	ups := make([]*Upstream, 0, len(p.upstreams))
	for _, u := range p.upstreams {
		ups = append(ups, u)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, u := range ups {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, CapabilityProbeTimeout)
			defer cancel()
			u.SetCatalog(probeCapabilities(probeCtx, u.Client, u.Name))
		}()
	}
	wg.Wait()
}

// Disconnect closes the named upstream's client and, if it owns a child
// process, terminates it per the §4.1 graceful-termination rules
// regardless of whether Close reports an error.
func (p *Pool) Disconnect(ctx context.Context, name string) error {
	p.mu.Lock()
	u, ok := p.upstreams[name]
	if ok {
		delete(p.upstreams, name)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- u.Client.Close() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(DisconnectTimeout):
		return context.DeadlineExceeded
	}
}

// DisconnectAll closes every upstream in parallel, each bounded by
// DisconnectTimeout, as required by the shutdown sequence (spec §4.5).
func (p *Pool) DisconnectAll(ctx context.Context) {
	p.mu.RLock()
	names := make([]string, 0, len(p.upstreams))
	for name := range p.upstreams {
		names = append(names, name)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Disconnect(ctx, name); err != nil {
				logging.Warn("upstream.pool", "disconnecting %s: %v", name, err)
			}
		}()
	}
	wg.Wait()
}
