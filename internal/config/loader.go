package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultPort is the listener port when the CLI does not override it.
const DefaultPort = 3006

// DefaultConnectTimeoutMS is the per-upstream connect cap. The capability
// probe that follows a connect has its own fixed cap
// (upstream.CapabilityProbeTimeout).
const DefaultConnectTimeoutMS = 30000

// DefaultMaxConcurrentRequestsPerSession is the modern-session per-session
// in-flight request cap.
const DefaultMaxConcurrentRequestsPerSession = 10

// Flags carries the CLI-recognized options (spec §6) prior to being merged
// with the loaded file into a Config.
type Flags struct {
	ConfigPath                      string
	Port                            int
	LogLevel                        string
	Debug                           bool
	CORS                            bool
	HealthEndpoints                 []string
	TimeoutMS                       int
	MaxConcurrentRequestsPerSession int
	MaxConcurrentServerConnections  int
}

// DefaultFlags returns the CLI flag defaults described in spec §6.
func DefaultFlags() Flags {
	return Flags{
		Port:                            DefaultPort,
		LogLevel:                        "info",
		CORS:                            true,
		TimeoutMS:                       DefaultConnectTimeoutMS,
		MaxConcurrentRequestsPerSession: DefaultMaxConcurrentRequestsPerSession,
		MaxConcurrentServerConnections:  0,
	}
}

// Load reads and parses the JSON configuration file at path, merges it with
// flags, and validates the result. It aggregates every validation failure
// it finds rather than stopping at the first (the teacher's internal/config
// validation style).
func Load(path string, flags Flags) (*Config, error) {
	if path == "" {
		return nil, ValidationErrors{{Field: "config", Message: "configuration file path is required (-c/--config)"}}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return resolve(file, flags)
}

func resolve(file File, flags Flags) (*Config, error) {
	var verrs ValidationErrors

	if len(file.MCPServers) == 0 {
		verrs.Add("mcpServers", "must contain at least one entry")
		return nil, verrs
	}

	upstreams := make([]Upstream, 0, len(file.MCPServers))
	for name, def := range file.MCPServers {
		if name == "" {
			verrs.Add("mcpServers", "upstream name must not be empty")
			continue
		}
		if containsReservedSeparator(name) {
			verrs.Add(fmt.Sprintf("mcpServers.%s", name), `name must not contain "." or "://"`)
			continue
		}

		u, err := resolveUpstream(name, def)
		if err != nil {
			verrs.Add(fmt.Sprintf("mcpServers.%s", name), "%s", err.Error())
			continue
		}
		upstreams = append(upstreams, u)
	}

	logLevel := flags.LogLevel
	if flags.Debug {
		logLevel = "debug"
	}
	if logLevel != "info" && logLevel != "none" && logLevel != "debug" {
		verrs.Add("logLevel", "must be one of info, none, debug (got %q)", logLevel)
	}

	maxParallel := flags.MaxConcurrentServerConnections
	if maxParallel <= 0 {
		maxParallel = len(upstreams)
	}

	timeout := flags.TimeoutMS
	if timeout <= 0 {
		timeout = DefaultConnectTimeoutMS
	}

	perSession := flags.MaxConcurrentRequestsPerSession
	if perSession <= 0 {
		perSession = DefaultMaxConcurrentRequestsPerSession
	}

	port := flags.Port
	if port <= 0 {
		port = DefaultPort
	}

	if verrs.HasErrors() {
		return nil, verrs
	}

	return &Config{
		Upstreams:                       upstreams,
		Port:                            port,
		LogLevel:                        logLevel,
		CORS:                            flags.CORS,
		HealthEndpoints:                 flags.HealthEndpoints,
		ConnectTimeoutMS:                timeout,
		MaxConcurrentRequestsPerSession: perSession,
		MaxConcurrentServerConnections:  maxParallel,
	}, nil
}

// resolveUpstream applies the transport-selection rules of spec §4.1: a
// command selects stdio; a bare url defaults to http-with-fallback unless
// the type field forces sse (legacy) or stream (modern).
func resolveUpstream(name string, def UpstreamFile) (Upstream, error) {
	switch {
	case def.Command != "":
		if def.URL != "" {
			return Upstream{}, fmt.Errorf("specifies both command and url")
		}
		if def.Type != "" && def.Type != "stdio" {
			return Upstream{}, fmt.Errorf("unknown type %q for stdio upstream", def.Type)
		}
		return Upstream{
			Name:      name,
			Transport: TransportStdio,
			Command:   def.Command,
			Args:      def.Args,
			Env:       def.Env,
		}, nil

	case def.URL != "":
		kind := TransportHTTPFallback
		switch def.Type {
		case "", "http":
			kind = TransportHTTPFallback
		case "sse":
			kind = TransportLegacySSE
		case "stream":
			kind = TransportModernHTTP
		default:
			return Upstream{}, fmt.Errorf("unknown type %q for remote upstream", def.Type)
		}
		return Upstream{
			Name:      name,
			Transport: kind,
			URL:       def.URL,
		}, nil

	default:
		return Upstream{}, fmt.Errorf("must specify either command or url")
	}
}
