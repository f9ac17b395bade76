// Package logging provides the process-wide structured logger built on
// log/slog, plus helpers for redacted session-id logging and structured
// audit events for security-sensitive operations (token exchange, session
// creation, config reload).
//
//	import "github.com/1mcp-app/agent/pkg/logging"
//
//	logging.Init("json", logging.LevelInfo, os.Stderr)
//	logging.Info("config", "loaded %d servers", count)
//	logging.Error("outbound", err, "failed to connect to %s", name)
//	logging.Audit(logging.AuditEvent{Action: "oauth_exchange", Outcome: "success", Target: name})
package logging
