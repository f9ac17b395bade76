package gateway

import (
	"context"

	"github.com/1mcp-app/agent/internal/capabilities"
	"github.com/1mcp-app/agent/internal/outbound/transport"
	"github.com/1mcp-app/agent/pkg/logging"
)

// describeServer fetches a freshly connected downstream's full capability
// set. Not every server supports resources or prompts; a failure on either
// call is logged and treated as "none", rather than failing the connect.
func (g *Gateway) describeServer(ctx context.Context, client transport.Client) (capabilities.ServerCapabilities, error) {
	var caps capabilities.ServerCapabilities

	tools, err := client.ListTools(ctx)
	if err != nil {
		return caps, err
	}
	caps.Tools = tools

	if resources, err := client.ListResources(ctx); err != nil {
		logging.Debug("gateway", "server does not support resources/list: %v", err)
	} else {
		caps.Resources = resources
	}

	if prompts, err := client.ListPrompts(ctx); err != nil {
		logging.Debug("gateway", "server does not support prompts/list: %v", err)
	} else {
		caps.Prompts = prompts
	}

	return caps, nil
}
