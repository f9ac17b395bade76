// Package transport builds mark3labs/mcp-go clients for the three
// downstream transport kinds (stdio, SSE, streamable HTTP) from a validated
// server config, and normalizes their errors into the typed taxonomy the
// rest of the outbound pipeline expects.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	httptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/1mcp-app/agent/internal/config"
	"github.com/1mcp-app/agent/internal/errs"
	"github.com/1mcp-app/agent/pkg/logging"
	"github.com/1mcp-app/agent/pkg/oauth"
)

const protocolVersion = "2024-11-05"

var clientInfo = mcp.Implementation{Name: "1mcp-agent", Version: "1.0.0"}

// Client is the interface every transport kind implements, mirroring the MCP
// operations the aggregator needs from a downstream connection.
type Client interface {
	Initialize(ctx context.Context) error
	Close() error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error)
	Ping(ctx context.Context) error
}

// TokenSource supplies the current bearer token for a connection each time a
// request is made, so a refreshed OAuth token is picked up without
// recreating the client.
type TokenSource func(ctx context.Context) string

type base struct {
	name      string
	mu        sync.RWMutex
	client    mcpclient.MCPClient
	connected bool
}

func (b *base) checkConnected() error {
	if !b.connected || b.client == nil {
		return &errs.ClientNotFoundError{ServerName: b.name}
	}
	return nil
}

func (b *base) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.connected = false
	b.client = nil
	return err
}

func (b *base) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, &errs.ClientConnectionError{ServerName: b.name, Cause: err}
	}
	return result.Tools, nil
}

func (b *base) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.client.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, &errs.ClientConnectionError{ServerName: b.name, Cause: err}
	}
	return result, nil
}

func (b *base) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, &errs.ClientConnectionError{ServerName: b.name, Cause: err}
	}
	return result.Resources, nil
}

func (b *base) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.client.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: struct {
			URI       string         `json:"uri"`
			Arguments map[string]any `json:"arguments,omitempty"`
		}{URI: uri},
	})
	if err != nil {
		return nil, &errs.ClientConnectionError{ServerName: b.name, Cause: err}
	}
	return result, nil
}

func (b *base) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, &errs.ClientConnectionError{ServerName: b.name, Cause: err}
	}
	return result.Prompts, nil
}

func (b *base) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	stringArgs := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			stringArgs[k] = s
		} else {
			stringArgs[k] = fmt.Sprintf("%v", v)
		}
	}
	result, err := b.client.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}{Name: name, Arguments: stringArgs},
	})
	if err != nil {
		return nil, &errs.ClientConnectionError{ServerName: b.name, Cause: err}
	}
	return result, nil
}

func (b *base) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return err
	}
	return b.client.Ping(ctx)
}

func initialize(ctx context.Context, name string, mcpClient mcpclient.MCPClient) error {
	result, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo:      clientInfo,
			Capabilities:    mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		if oauthErr := detectOAuthRequired(name, err); oauthErr != nil {
			return oauthErr
		}
		return &errs.ClientConnectionError{ServerName: name, Cause: err}
	}
	if result.ServerInfo.Name == clientInfo.Name {
		return &errs.ClientConnectionError{
			ServerName: name,
			Cause:      &errs.CircularDependencyError{ServerName: name},
		}
	}
	return nil
}

// detectOAuthRequired inspects an initialize failure for signs of a 401 plus
// WWW-Authenticate challenge. mcp-go doesn't expose structured HTTP errors
// through its client interface, so this matches on the status text the
// transport embeds in its error message; it returns nil when the failure
// isn't auth-related.
func detectOAuthRequired(name string, err error) *errs.OAuthRequiredError {
	msg := err.Error()
	if !strings.Contains(msg, strconv.Itoa(http.StatusUnauthorized)) && !strings.Contains(strings.ToLower(msg), "unauthorized") {
		return nil
	}

	challengeIdx := strings.Index(msg, "WWW-Authenticate:")
	if challengeIdx == -1 {
		return &errs.OAuthRequiredError{ServerName: name}
	}
	header := strings.TrimSpace(msg[challengeIdx+len("WWW-Authenticate:"):])
	challenge, parseErr := oauth.ParseWWWAuthenticate(header)
	if parseErr != nil || !challenge.IsOAuthChallenge() {
		return &errs.OAuthRequiredError{ServerName: name}
	}
	return &errs.OAuthRequiredError{ServerName: name, AuthURL: challenge.GetIssuer()}
}

// Stdio wraps a subprocess-backed MCP connection.
type Stdio struct {
	base
	command string
	args    []string
	env     []string
}

// NewStdio builds a Stdio client from a server config. env is the fully
// resolved process environment (parent inheritance and filtering already
// applied by the caller).
func NewStdio(name string, sc *config.ServerConfig, env []string) *Stdio {
	return &Stdio{base: base{name: name}, command: sc.Command, args: sc.Args, env: env}
}

func (c *Stdio) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	mcpClient, err := mcpclient.NewStdioMCPClient(c.command, c.env, c.args...)
	if err != nil {
		return &errs.TransportBuildError{ServerName: c.name, Reason: err.Error()}
	}

	if err := initialize(ctx, c.name, mcpClient); err != nil {
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("transport", "error closing failed stdio client for %s: %v", c.name, closeErr)
		}
		return err
	}

	c.client = mcpClient
	c.connected = true
	return nil
}

// SSE wraps an HTTP Server-Sent-Events MCP connection. Unlike StreamableHTTP,
// the mcp-go SSE transport only supports static headers, so OAuth tokens for
// SSE servers must be resolved once up front into c.headers by the caller.
type SSE struct {
	base
	url     string
	headers map[string]string
}

// NewSSE builds an SSE client.
func NewSSE(name, url string, headers map[string]string) *SSE {
	return &SSE{base: base{name: name}, url: url, headers: headers}
}

func (c *SSE) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	var opts []httptransport.ClientOption
	if len(c.headers) > 0 {
		opts = append(opts, httptransport.WithHeaders(c.headers))
	}

	mcpClient, err := mcpclient.NewSSEMCPClient(c.url, opts...)
	if err != nil {
		return &errs.TransportBuildError{ServerName: c.name, Reason: err.Error()}
	}
	if err := mcpClient.Start(ctx); err != nil {
		return &errs.TransportBuildError{ServerName: c.name, Reason: err.Error()}
	}

	if err := initialize(ctx, c.name, mcpClient); err != nil {
		mcpClient.Close()
		return err
	}

	c.client = mcpClient
	c.connected = true
	return nil
}

// StreamableHTTP wraps the streamable-HTTP MCP transport, the default for
// remote servers that aren't SSE-only.
type StreamableHTTP struct {
	base
	url     string
	headers map[string]string
	tokens  TokenSource
}

// NewStreamableHTTP builds a StreamableHTTP client. When tokens is non-nil
// its return value is injected as a Bearer Authorization header on every
// request, picking up refreshed tokens without recreating the client.
func NewStreamableHTTP(name, url string, headers map[string]string, tokens TokenSource) *StreamableHTTP {
	return &StreamableHTTP{base: base{name: name}, url: url, headers: headers, tokens: tokens}
}

func (c *StreamableHTTP) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	var opts []httptransport.StreamableHTTPCOption
	if c.tokens != nil {
		opts = append(opts, httptransport.WithHTTPHeaderFunc(func(ctx context.Context) map[string]string {
			token := c.tokens(ctx)
			if token == "" {
				return nil
			}
			return map[string]string{"Authorization": "Bearer " + token}
		}))
	}
	if len(c.headers) > 0 {
		opts = append(opts, httptransport.WithHTTPHeaders(c.headers))
	}

	mcpClient, err := mcpclient.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return &errs.TransportBuildError{ServerName: c.name, Reason: err.Error()}
	}

	if err := initialize(ctx, c.name, mcpClient); err != nil {
		mcpClient.Close()
		return err
	}

	c.client = mcpClient
	c.connected = true
	return nil
}

// Build constructs the right Client implementation for a server config.
// tokens supplies a bearer token for http/sse servers carrying OAuth
// configuration; pass nil for servers without OAuth. HTTP servers call it on
// every request; SSE servers resolve it once here into a static header.
func Build(name string, sc *config.ServerConfig, tokens TokenSource) (Client, error) {
	switch sc.Kind {
	case config.KindStdio:
		return NewStdio(name, sc, ResolveEnv(sc)), nil
	case config.KindSSE:
		headers := sc.Headers
		if tokens != nil {
			if token := tokens(context.Background()); token != "" {
				headers = make(map[string]string, len(sc.Headers)+1)
				for k, v := range sc.Headers {
					headers[k] = v
				}
				headers["Authorization"] = "Bearer " + token
			}
		}
		return NewSSE(name, sc.URL, headers), nil
	case config.KindHTTP:
		return NewStreamableHTTP(name, sc.URL, sc.Headers, tokens), nil
	default:
		return nil, &errs.TransportBuildError{ServerName: name, Reason: fmt.Sprintf("unsupported kind %q", sc.Kind)}
	}
}

// sensitiveEnvSubstrings blocks inherited parent variables that look like
// secrets even when they'd otherwise pass EnvFilter, so an overly broad
// filter prefix (or none at all) can never leak credentials into a child
// process that didn't ask for them. A server's own explicit Env entries are
// never subject to this check — an operator who writes a secret into a
// server's own config is doing so on purpose.
var sensitiveEnvSubstrings = []string{"PASSWORD", "SECRET", "TOKEN", "KEY", "AUTH", "CREDENTIAL", "PRIVATE"}

func looksSensitive(key string) bool {
	upper := strings.ToUpper(key)
	for _, substr := range sensitiveEnvSubstrings {
		if strings.Contains(upper, substr) {
			return true
		}
	}
	return false
}

// ResolveEnv assembles the child process environment for a stdio server:
// the parent's environment when InheritParentEnv is set, narrowed to
// EnvFilter name-prefixes when given and always excluding anything that
// looks like a secret by name, with the server's own Env entries applied
// last so they always win.
func ResolveEnv(sc *config.ServerConfig) []string {
	var result []string

	if sc.InheritParentEnv {
		for _, kv := range os.Environ() {
			key, _, found := strings.Cut(kv, "=")
			if !found {
				continue
			}
			if len(sc.EnvFilter) > 0 && !hasAnyPrefix(key, sc.EnvFilter) {
				continue
			}
			if looksSensitive(key) {
				continue
			}
			result = append(result, kv)
		}
	}

	for k, v := range sc.Env {
		result = append(result, k+"="+v)
	}

	return result
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

