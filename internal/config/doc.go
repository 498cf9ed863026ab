// Package config loads the gateway's JSON configuration document (a single
// "mcpServers" map) and merges it with CLI flags into a validated Config.
// There is no hot reload and nothing is persisted back to disk: the
// document is read once at startup.
package config
