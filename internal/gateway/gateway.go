// Package gateway wires every other component into a running inbound MCP
// server: it loads configuration, drives the outbound connection manager,
// keeps the Capability Aggregator and the live mcp-go server in sync, and
// starts whichever transport (stdio, SSE, streamable HTTP) was configured.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/1mcp-app/agent/internal/capabilities"
	"github.com/1mcp-app/agent/internal/changeset"
	"github.com/1mcp-app/agent/internal/config"
	"github.com/1mcp-app/agent/internal/contextsnapshot"
	"github.com/1mcp-app/agent/internal/notify"
	"github.com/1mcp-app/agent/internal/outbound"
	"github.com/1mcp-app/agent/internal/outbound/transport"
	"github.com/1mcp-app/agent/internal/reload"
	"github.com/1mcp-app/agent/internal/session"
	"github.com/1mcp-app/agent/internal/watcher"
	"github.com/1mcp-app/agent/pkg/logging"
)

// Transport names accepted by Config.Transport.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

const serverName = "1mcp-agent"
const serverVersion = "1.0.0"

// Config holds everything Start needs to bring the gateway up.
type Config struct {
	ConfigPath   string
	Transport    string
	Host         string
	Port         int
	SessionDir   string
	EnvAllowlist []string
	Debounce     time.Duration
}

func (c Config) addr() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 3051
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Gateway is the top-level running instance: one inbound mcp-go server,
// fed by N outbound connections, reconciled against the on-disk config.
type Gateway struct {
	cfg Config

	mcpServer *mcpserver.MCPServer
	manager   *outbound.Manager
	caps      *capabilities.Aggregator
	reload    *reload.Engine
	sessions  *session.Store
	notifier  *notify.Router
	watcher   *watcher.Watcher

	mu      sync.RWMutex
	servers map[string]*config.ServerConfig

	regMu      sync.Mutex
	registered registeredSet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stdioServer *mcpserver.StdioServer
	httpServers []*http.Server
}

// registeredSet tracks the exposed names/URIs currently registered with the
// live mcp-go server, so a later sync can compute exactly what changed.
type registeredSet struct {
	tools     map[string]bool
	resources map[string]bool
	prompts   map[string]bool
}

// New builds a Gateway and its inbound mcp-go server, wired for session-
// scoped tool visibility, but does not start anything yet.
func New(cfg Config) (*Gateway, error) {
	g := &Gateway{
		cfg:      cfg,
		servers:  map[string]*config.ServerConfig{},
		sessions: session.New(sessionOptions(cfg)),
		caps:     capabilities.New(),
		manager:  outbound.New(nil),
		registered: registeredSet{
			tools:     map[string]bool{},
			resources: map[string]bool{},
			prompts:   map[string]bool{},
		},
	}

	g.mcpServer = mcpserver.NewMCPServer(
		serverName,
		serverVersion,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolFilter(g.sessionToolFilter),
	)
	g.notifier = notify.New(g.mcpServer, notify.DefaultBatchDelay)
	g.reload = reload.New(g.manager, g.caps, g.describeServer)
	g.manager.SetCapabilityRefresher(g.refreshCapabilities)

	return g, nil
}

// refreshCapabilities satisfies outbound.CapabilityRefresher: it re-describes
// a freshly (re)connected server and re-caches its capabilities in the
// aggregator, the same describe step the reload engine runs after a normal
// connect.
func (g *Gateway) refreshCapabilities(ctx context.Context, name string, client transport.Client) error {
	caps, err := g.describeServer(ctx, client)
	if err != nil {
		return err
	}
	g.caps.Update(name, caps)
	return nil
}

func sessionOptions(cfg Config) session.Options {
	opts := session.DefaultOptions()
	if cfg.SessionDir != "" {
		opts.Dir = cfg.SessionDir
		opts.Enabled = true
	}
	return opts
}

// Start loads the initial configuration, connects every configured server,
// publishes the resulting capabilities, and starts the configured transport.
// It returns once the transport has been started; connection and reload work
// continue in the background until ctx is cancelled or Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)

	if err := g.sessions.LoadAll(); err != nil {
		logging.Warn("gateway", "failed to restore persisted sessions: %v", err)
	}
	g.sessions.Start()

	if err := g.loadAndApply(g.ctx, reload.StrategyFull); err != nil {
		return fmt.Errorf("initial configuration load failed: %w", err)
	}

	w := watcher.New(g.cfg.ConfigPath, g.cfg.Debounce)
	if err := w.Start(g.ctx); err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	g.watcher = w

	g.wg.Add(1)
	go g.watchLoop()

	return g.startTransport()
}

// Stop cancels the root context, flushes the session store, shuts down the
// transport and every outbound connection, and stops the config watcher,
// in that order.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}
	g.sessions.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, srv := range g.httpServers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("gateway", "error shutting down http server: %v", err)
		}
	}

	g.wg.Wait()

	g.manager.DisconnectAll()

	if g.watcher != nil {
		_ = g.watcher.Stop()
	}

	return nil
}

func (g *Gateway) watchLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case ev, ok := <-g.watcher.Events():
			if !ok {
				return
			}
			logging.Info("gateway", "config change detected at %s, reloading", ev.Path)
			if err := g.loadAndApply(g.ctx, reload.StrategyPartial); err != nil {
				logging.Error("gateway", err, "reload failed, keeping previous configuration running")
			}
		}
	}
}

// loadAndApply loads the config file, diffs it against the last applied
// snapshot, drives the reload engine, and syncs the result into the live
// mcp-go server. A failed load or reload never tears down what's already
// running; the previous snapshot stays in effect.
func (g *Gateway) loadAndApply(ctx context.Context, requested reload.Strategy) error {
	renderCtx, err := contextsnapshot.Build(ctx, "", g.cfg.EnvAllowlist)
	if err != nil {
		logging.Warn("gateway", "failed to build render context: %v", err)
	}

	opts := config.DefaultOptions()
	opts.RenderContext = renderCtx.AsMap()

	result, err := config.Load(g.cfg.ConfigPath, opts)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		logging.Warn("gateway", "config: %s", w)
	}

	g.mu.RLock()
	old := g.servers
	g.mu.RUnlock()

	cs := changeset.Diff(old, result.Servers)
	if cs.IsEmpty() {
		return nil
	}

	prevAgg := g.caps.Snapshot()
	reloadResult, err := g.reload.Apply(ctx, cs, result.Servers, requested)
	if err != nil {
		return err
	}
	for name, reloadErr := range reloadResult.Errors {
		logging.Error("gateway", reloadErr, "reload: server %q failed", name)
	}

	newAgg := g.caps.Snapshot()
	changed := g.sync(newAgg, prevAgg)

	g.mu.Lock()
	g.servers = result.Servers
	g.mu.Unlock()

	g.notifyChanges(changed)
	logCapabilitiesSummary(newAgg)
	return nil
}

func (g *Gateway) notifyChanges(changed changedMethods) {
	sessionIDs := g.sessions.All()
	if len(sessionIDs) == 0 {
		return
	}
	if changed.tools {
		g.notifier.NotifySessions(sessionIDs, notify.MethodToolsListChanged)
	}
	if changed.resources {
		g.notifier.NotifySessions(sessionIDs, notify.MethodResourcesListChanged)
	}
	if changed.prompts {
		g.notifier.NotifySessions(sessionIDs, notify.MethodPromptsListChanged)
	}
}

func (g *Gateway) startTransport() error {
	switch g.cfg.Transport {
	case TransportStdio:
		g.stdioServer = mcpserver.NewStdioServer(g.mcpServer)
		go func() {
			if err := g.stdioServer.Listen(g.ctx, os.Stdin, os.Stdout); err != nil {
				logging.Error("gateway", err, "stdio transport exited")
			}
		}()
		return nil

	case TransportSSE:
		baseURL := fmt.Sprintf("http://%s", g.cfg.addr())
		sseServer := mcpserver.NewSSEServer(
			g.mcpServer,
			mcpserver.WithBaseURL(baseURL),
			mcpserver.WithSSEEndpoint("/sse"),
			mcpserver.WithMessageEndpoint("/message"),
			mcpserver.WithKeepAlive(true),
			mcpserver.WithKeepAliveInterval(30*time.Second),
		)
		return g.serveHTTP(sseServer)

	default:
		streamServer := mcpserver.NewStreamableHTTPServer(g.mcpServer)
		return g.serveHTTP(streamServer)
	}
}

func (g *Gateway) serveHTTP(handler http.Handler) error {
	srv := &http.Server{
		Addr:    g.cfg.addr(),
		Handler: g.buildMux(handler),
	}
	g.httpServers = append(g.httpServers, srv)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("gateway", err, "http transport exited")
		}
	}()
	logging.Info("gateway", "listening on http://%s", g.cfg.addr())
	return nil
}
