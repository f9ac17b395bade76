package gateway

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/1mcp-app/agent/internal/session"
)

// sessionToolFilter is the mcp-go WithToolFilter callback: it narrows the
// already-registered tool list down to what the requesting inbound session
// is allowed to see, per its tag filter.
func (g *Gateway) sessionToolFilter(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	sessionID := sessionIDFromContext(ctx)
	sess, ok := g.sessions.Get(sessionID)
	if !ok {
		// No session on record (e.g. single-user stdio mode): unfiltered.
		return tools
	}

	agg := g.caps.Snapshot()
	g.mu.RLock()
	serverTags := make(map[string][]string, len(g.servers))
	for name, sc := range g.servers {
		serverTags[name] = sc.Tags
	}
	g.mu.RUnlock()

	filtered := session.FilterAggregated(sess, agg, serverTags)
	visible := make(map[string]bool, len(filtered.Tools))
	for _, t := range filtered.Tools {
		visible[t.ExposedName] = true
	}

	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if visible[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

// sessionIDFromContext extracts the mcp-go-assigned session ID for the
// current request; empty for transports (stdio) that don't carry one.
func sessionIDFromContext(ctx context.Context) string {
	if s := mcpserver.ClientSessionFromContext(ctx); s != nil {
		return s.SessionID()
	}
	return ""
}
