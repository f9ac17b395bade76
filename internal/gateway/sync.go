package gateway

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/1mcp-app/agent/internal/capabilities"
	"github.com/1mcp-app/agent/pkg/logging"
	pkgstrings "github.com/1mcp-app/agent/pkg/strings"
)

// changedMethods records which list_changed notifications a sync produced.
type changedMethods struct {
	tools     bool
	resources bool
	prompts   bool
}

// sync diffs the new aggregated capability set against the previous one and
// applies exactly the delta to the live mcp-go server: additions via
// AddTools/AddResources/AddPrompts, removals via DeleteTools/RemoveResource/
// DeletePrompts. An exposed name present in both snapshots but now pointing
// at a different server (a collision resolution flipped) is re-added with a
// handler for its new server rather than left stale.
func (g *Gateway) sync(newAgg, prevAgg capabilities.Aggregated) changedMethods {
	g.regMu.Lock()
	defer g.regMu.Unlock()

	var changed changedMethods

	newTools := make(map[string]capabilities.ToolItem, len(newAgg.Tools))
	for _, t := range newAgg.Tools {
		newTools[t.ExposedName] = t
	}
	for _, p := range prevAgg.Tools {
		if n, ok := newTools[p.ExposedName]; ok && n.ServerName != p.ServerName {
			delete(g.registered.tools, p.ExposedName)
		}
	}
	var removeToolNames []string
	for name := range g.registered.tools {
		if _, ok := newTools[name]; !ok {
			removeToolNames = append(removeToolNames, name)
			delete(g.registered.tools, name)
		}
	}
	var addTools []mcpserver.ServerTool
	for name, item := range newTools {
		if g.registered.tools[name] {
			continue
		}
		addTools = append(addTools, g.buildServerTool(item))
		g.registered.tools[name] = true
	}
	if len(removeToolNames) > 0 {
		g.mcpServer.DeleteTools(removeToolNames...)
		changed.tools = true
	}
	if len(addTools) > 0 {
		g.mcpServer.AddTools(addTools...)
		changed.tools = true
	}

	newResources := make(map[string]capabilities.ResourceItem, len(newAgg.Resources))
	for _, r := range newAgg.Resources {
		newResources[r.ExposedURI] = r
	}
	for _, p := range prevAgg.Resources {
		if n, ok := newResources[p.ExposedURI]; ok && n.ServerName != p.ServerName {
			delete(g.registered.resources, p.ExposedURI)
		}
	}
	for uri := range g.registered.resources {
		if _, ok := newResources[uri]; !ok {
			g.mcpServer.RemoveResource(uri)
			delete(g.registered.resources, uri)
			changed.resources = true
		}
	}
	var addResources []mcpserver.ServerResource
	for uri, item := range newResources {
		if g.registered.resources[uri] {
			continue
		}
		addResources = append(addResources, g.buildServerResource(item))
		g.registered.resources[uri] = true
	}
	if len(addResources) > 0 {
		g.mcpServer.AddResources(addResources...)
		changed.resources = true
	}

	newPrompts := make(map[string]capabilities.PromptItem, len(newAgg.Prompts))
	for _, p := range newAgg.Prompts {
		newPrompts[p.ExposedName] = p
	}
	for _, p := range prevAgg.Prompts {
		if n, ok := newPrompts[p.ExposedName]; ok && n.ServerName != p.ServerName {
			delete(g.registered.prompts, p.ExposedName)
		}
	}
	var removePromptNames []string
	for name := range g.registered.prompts {
		if _, ok := newPrompts[name]; !ok {
			removePromptNames = append(removePromptNames, name)
			delete(g.registered.prompts, name)
		}
	}
	var addPrompts []mcpserver.ServerPrompt
	for name, item := range newPrompts {
		if g.registered.prompts[name] {
			continue
		}
		addPrompts = append(addPrompts, g.buildServerPrompt(item))
		g.registered.prompts[name] = true
	}
	if len(removePromptNames) > 0 {
		g.mcpServer.DeletePrompts(removePromptNames...)
		changed.prompts = true
	}
	if len(addPrompts) > 0 {
		g.mcpServer.AddPrompts(addPrompts...)
		changed.prompts = true
	}

	return changed
}

func (g *Gateway) buildServerTool(item capabilities.ToolItem) mcpserver.ServerTool {
	tool := item.Tool
	tool.Name = item.ExposedName
	serverName, originalName := item.ServerName, item.OriginalName

	return mcpserver.ServerTool{
		Tool: tool,
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			conn, ok := g.manager.Get(serverName)
			if !ok || conn.Client == nil {
				return nil, fmt.Errorf("server %q is not connected", serverName)
			}
			args := map[string]interface{}{}
			if m, ok := req.Params.Arguments.(map[string]interface{}); ok {
				args = m
			}
			return conn.Client.CallTool(ctx, originalName, args)
		},
	}
}

func (g *Gateway) buildServerResource(item capabilities.ResourceItem) mcpserver.ServerResource {
	resource := item.Resource
	resource.URI = item.ExposedURI
	serverName, originalURI := item.ServerName, item.OriginalURI

	return mcpserver.ServerResource{
		Resource: resource,
		Handler: func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			conn, ok := g.manager.Get(serverName)
			if !ok || conn.Client == nil {
				return nil, fmt.Errorf("server %q is not connected", serverName)
			}
			result, err := conn.Client.ReadResource(ctx, originalURI)
			if err != nil {
				return nil, err
			}
			if result == nil {
				return nil, nil
			}
			return result.Contents, nil
		},
	}
}

func (g *Gateway) buildServerPrompt(item capabilities.PromptItem) mcpserver.ServerPrompt {
	prompt := item.Prompt
	prompt.Name = item.ExposedName
	serverName, originalName := item.ServerName, item.OriginalName

	return mcpserver.ServerPrompt{
		Prompt: prompt,
		Handler: func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			conn, ok := g.manager.Get(serverName)
			if !ok || conn.Client == nil {
				return nil, fmt.Errorf("server %q is not connected", serverName)
			}
			args := make(map[string]interface{}, len(req.Params.Arguments))
			for k, v := range req.Params.Arguments {
				args[k] = v
			}
			return conn.Client.GetPrompt(ctx, originalName, args)
		},
	}
}

func logCapabilitiesSummary(agg capabilities.Aggregated) {
	logging.Debug("gateway", "capabilities: %d tools, %d resources, %d prompts",
		len(agg.Tools), len(agg.Resources), len(agg.Prompts))
	if agg.Instructions != "" {
		logging.Debug("gateway", "combined instructions: %s", pkgstrings.TruncateDescription(agg.Instructions, 200))
	}
}
