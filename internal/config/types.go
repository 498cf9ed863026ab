// Package config loads and validates the gateway's single JSON
// configuration document and the CLI flags that accompany it.
package config

import "strings"

// TransportKind is the upstream transport an Upstream resolves to.
type TransportKind string

const (
	TransportStdio        TransportKind = "stdio"
	TransportModernHTTP   TransportKind = "modern-http"
	TransportLegacySSE    TransportKind = "legacy-sse"
	TransportHTTPFallback TransportKind = "http-with-fallback"
)

// File is the top-level shape of the JSON configuration document: a single
// mapping from upstream name to its definition.
type File struct {
	MCPServers map[string]UpstreamFile `json:"mcpServers"`
}

// UpstreamFile is one entry of the mcpServers map. It carries either a
// stdio definition (Command set) or a remote definition (URL set); Type
// disambiguates remote servers between fallback/legacy/modern.
type UpstreamFile struct {
	// Command + Args + Env select a stdio upstream.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// URL selects a remote upstream.
	URL string `json:"url,omitempty"`

	// Type disambiguates. For stdio entries the only legal value is
	// "stdio" (or empty). For remote entries: "http" (fallback,
	// default), "sse" (force legacy), "stream" (force modern).
	Type string `json:"type,omitempty"`
}

// Upstream is a fully resolved, validated upstream configuration ready to
// be handed to the upstream pool.
type Upstream struct {
	Name      string
	Transport TransportKind

	Command string
	Args    []string
	Env     map[string]string

	URL string
}

// Config is the fully resolved configuration: the parsed file plus CLI
// overrides, validated and ready to drive the gateway.
type Config struct {
	Upstreams []Upstream

	Port                            int
	LogLevel                        string
	CORS                            bool
	HealthEndpoints                 []string
	ConnectTimeoutMS                int
	MaxConcurrentRequestsPerSession int
	MaxConcurrentServerConnections  int // a non-positive flag is resolved to len(Upstreams)
}

// reservedSeparators are the substrings an upstream name must not contain,
// since they delimit the namespaced public name (spec §3).
var reservedSeparators = []string{".", "://"}

func containsReservedSeparator(name string) bool {
	for _, sep := range reservedSeparators {
		if strings.Contains(name, sep) {
			return true
		}
	}
	return false
}
