// Package capabilities merges the tools, resources, prompts, and server
// instructions exposed by every connected downstream server into one
// coherent, name-collision-free surface for the inbound aggregated server.
package capabilities

import (
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolItem, ResourceItem and PromptItem wrap a capability with the server it
// came from and the name/URI it is exposed under, which may differ from its
// original name when a collision forced prefixing.
type ToolItem struct {
	ServerName   string
	OriginalName string
	ExposedName  string
	Tool         mcp.Tool
}

type ResourceItem struct {
	ServerName  string
	OriginalURI string
	ExposedURI  string
	Resource    mcp.Resource
}

type PromptItem struct {
	ServerName   string
	OriginalName string
	ExposedName  string
	Prompt       mcp.Prompt
}

// ServerCapabilities is the raw, unprefixed capability set reported by one
// downstream server.
type ServerCapabilities struct {
	Tools        []mcp.Tool
	Resources    []mcp.Resource
	Prompts      []mcp.Prompt
	Instructions string
}

// Aggregated is the merged, conflict-resolved view handed to the gateway.
type Aggregated struct {
	Tools        []ToolItem
	Resources    []ResourceItem
	Prompts      []PromptItem
	Instructions string
}

// Aggregator tracks each server's raw capabilities and recomputes the merged
// view on demand. Recomputing from scratch on every update keeps the
// name-collision logic simple and correct at the cost of O(total items)
// work per update, which is fine at MCP-gateway scale.
type Aggregator struct {
	mu      sync.RWMutex
	servers map[string]ServerCapabilities

	// exposedTool/exposedResource/exposedPrompt map an exposed name back to
	// its origin, used by the gateway to route inbound calls.
	exposedTool     map[string]ToolItem
	exposedResource map[string]ResourceItem
	exposedPrompt   map[string]PromptItem
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		servers:         make(map[string]ServerCapabilities),
		exposedTool:     make(map[string]ToolItem),
		exposedResource: make(map[string]ResourceItem),
		exposedPrompt:   make(map[string]PromptItem),
	}
}

// Update replaces one server's raw capability set and recomputes the merge.
// Passing an empty ServerCapabilities{} is equivalent to the server
// reporting no capabilities; use Remove to drop it entirely.
func (a *Aggregator) Update(serverName string, caps ServerCapabilities) Aggregated {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.servers[serverName] = caps
	return a.recompute()
}

// Remove drops a server from the aggregate entirely (used on disconnect or
// server removal).
func (a *Aggregator) Remove(serverName string) Aggregated {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.servers, serverName)
	return a.recompute()
}

// Snapshot returns the current merged view without changing anything.
func (a *Aggregator) Snapshot() Aggregated {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.build()
}

// ResolveTool maps an exposed tool name back to its server and original
// name, for dispatching an inbound CallTool.
func (a *Aggregator) ResolveTool(exposedName string) (ToolItem, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	item, ok := a.exposedTool[exposedName]
	return item, ok
}

func (a *Aggregator) ResolveResource(exposedURI string) (ResourceItem, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	item, ok := a.exposedResource[exposedURI]
	return item, ok
}

func (a *Aggregator) ResolvePrompt(exposedName string) (PromptItem, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	item, ok := a.exposedPrompt[exposedName]
	return item, ok
}

// recompute rebuilds the merged view and the resolve-back maps in one pass;
// callers must hold the write lock.
func (a *Aggregator) recompute() Aggregated {
	merged := a.build()

	a.exposedTool = make(map[string]ToolItem, len(merged.Tools))
	for _, t := range merged.Tools {
		a.exposedTool[t.ExposedName] = t
	}
	a.exposedResource = make(map[string]ResourceItem, len(merged.Resources))
	for _, r := range merged.Resources {
		a.exposedResource[r.ExposedURI] = r
	}
	a.exposedPrompt = make(map[string]PromptItem, len(merged.Prompts))
	for _, p := range merged.Prompts {
		a.exposedPrompt[p.ExposedName] = p
	}

	return merged
}

// build merges capabilities across servers, visited in sorted name order for
// determinism. A name collision between two servers is resolved by exposing
// every colliding server's item under a "<server>_<name>" prefixed name, and
// additionally exposing the bare name pointing at the last server (in sort
// order) that provides it — so unprefixed lookups are deterministic
// (last-seen-wins) while a caller that needs a specific server's version can
// still reach it by its prefixed name. Resource URIs that already carry a
// scheme (almost all of them) are never prefixed, since mangling a URI
// scheme would break clients that parse it; those are last-seen-wins only.
func (a *Aggregator) build() Aggregated {
	names := make([]string, 0, len(a.servers))
	for name := range a.servers {
		names = append(names, name)
	}
	sort.Strings(names)

	toolsByName := map[string][]ToolItem{}
	resourcesByURI := map[string][]ResourceItem{}
	promptsByName := map[string][]PromptItem{}
	var instructions []string

	for _, serverName := range names {
		caps := a.servers[serverName]
		if caps.Instructions != "" {
			instructions = append(instructions, caps.Instructions)
		}
		for _, tool := range caps.Tools {
			toolsByName[tool.Name] = append(toolsByName[tool.Name], ToolItem{
				ServerName: serverName, OriginalName: tool.Name, Tool: tool,
			})
		}
		for _, res := range caps.Resources {
			resourcesByURI[res.URI] = append(resourcesByURI[res.URI], ResourceItem{
				ServerName: serverName, OriginalURI: res.URI, Resource: res,
			})
		}
		for _, prompt := range caps.Prompts {
			promptsByName[prompt.Name] = append(promptsByName[prompt.Name], PromptItem{
				ServerName: serverName, OriginalName: prompt.Name, Prompt: prompt,
			})
		}
	}

	var out Aggregated
	out.Instructions = strings.Join(instructions, "\n\n---\n\n")

	for _, name := range sortedKeys(toolsByName) {
		items := toolsByName[name]
		if len(items) == 1 {
			item := items[0]
			item.ExposedName = item.OriginalName
			out.Tools = append(out.Tools, item)
			continue
		}
		for i, item := range items {
			prefixed := item
			prefixed.ExposedName = item.ServerName + "_" + item.OriginalName
			prefixed.Tool.Name = prefixed.ExposedName
			out.Tools = append(out.Tools, prefixed)
			if i == len(items)-1 {
				bare := item
				bare.ExposedName = item.OriginalName
				out.Tools = append(out.Tools, bare)
			}
		}
	}

	for _, uri := range sortedKeys(resourcesByURI) {
		items := resourcesByURI[uri]
		if len(items) == 1 || strings.Contains(uri, "://") {
			item := items[len(items)-1]
			item.ExposedURI = item.OriginalURI
			out.Resources = append(out.Resources, item)
			continue
		}
		for i, item := range items {
			prefixed := item
			prefixed.ExposedURI = item.ServerName + "_" + item.OriginalURI
			prefixed.Resource.URI = prefixed.ExposedURI
			out.Resources = append(out.Resources, prefixed)
			if i == len(items)-1 {
				bare := item
				bare.ExposedURI = item.OriginalURI
				out.Resources = append(out.Resources, bare)
			}
		}
	}

	for _, name := range sortedKeys(promptsByName) {
		items := promptsByName[name]
		if len(items) == 1 {
			item := items[0]
			item.ExposedName = item.OriginalName
			out.Prompts = append(out.Prompts, item)
			continue
		}
		for i, item := range items {
			prefixed := item
			prefixed.ExposedName = item.ServerName + "_" + item.OriginalName
			prefixed.Prompt.Name = prefixed.ExposedName
			out.Prompts = append(out.Prompts, prefixed)
			if i == len(items)-1 {
				bare := item
				bare.ExposedName = item.OriginalName
				out.Prompts = append(out.Prompts, bare)
			}
		}
	}

	sort.Slice(out.Tools, func(i, j int) bool { return out.Tools[i].ExposedName < out.Tools[j].ExposedName })
	sort.Slice(out.Resources, func(i, j int) bool { return out.Resources[i].ExposedURI < out.Resources[j].ExposedURI })
	sort.Slice(out.Prompts, func(i, j int) bool { return out.Prompts[i].ExposedName < out.Prompts[j].ExposedName })

	return out
}

func sortedKeys[T any](m map[string][]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
