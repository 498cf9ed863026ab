// Package logging provides the gateway's structured logging conventions: a
// process-wide slog.Logger, level-gated Debug/Info/Warn/Error helpers tagged
// by subsystem, and TruncateSessionID for safe session-id correlation in
// log lines.
//
//	logging.Init(logging.LevelInfo, os.Stderr)
//	logging.Info("upstream", "connected %s (%s)", name, kind)
//	logging.Error("session", err, "reaper cleanup failed for %s", logging.TruncateSessionID(id))
package logging
