package upstream

import (
	"sync"

	"github.com/giantswarm/mcp-gateway/internal/config"

	"github.com/mark3labs/mcp-go/mcp"
)

// Catalog is the set of tools/resources/prompts an upstream advertised at
// connect time (spec §3 "Catalog entry"). A capability whose list call
// fails, for example because the upstream does not support it, is left nil.
type Catalog struct {
	Tools     []mcp.Tool
	Resources []mcp.Resource
	Prompts   []mcp.Prompt
}

// Upstream is a connected backend: its configured identity, its transport
// kind, the client handle used to talk to it, and its catalog. The catalog
// is captured at connect time as a warm start and rebuilt in place on
// every live re-list (spec §9 "Open questions": "the startup-time cache is
// a warm start only") — every other field is set once at startup and never
// mutated again.
type Upstream struct {
	Name      string
	Transport config.TransportKind
	Client    Client

	catalogMu sync.RWMutex
	catalog   Catalog
}

// NewUpstream builds a connected Upstream with its warm-start catalog.
func NewUpstream(name string, transport config.TransportKind, client Client, catalog Catalog) *Upstream {
	return &Upstream{Name: name, Transport: transport, Client: client, catalog: catalog}
}

// Catalog returns the upstream's current catalog snapshot.
func (u *Upstream) Catalog() Catalog {
	u.catalogMu.RLock()
	defer u.catalogMu.RUnlock()
	return u.catalog
}

// SetCatalog replaces the upstream's catalog in place, used after a live
// re-list (spec §9 open-question resolution).
func (u *Upstream) SetCatalog(c Catalog) {
	u.catalogMu.Lock()
	u.catalog = c
	u.catalogMu.Unlock()
}

// ConnectResult is one outcome of ConnectAll: either a connected Upstream
// or the name and error of an upstream that failed to connect.
type ConnectResult struct {
	Upstream *Upstream
	Name     string
	Err      error
}
