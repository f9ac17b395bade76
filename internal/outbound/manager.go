// Package outbound owns the lifecycle of every downstream MCP connection:
// connecting with retry and backoff, detecting OAuth requirements, watching
// stdio subprocesses for unexpected exit, and fanning out bulk (re)connects
// bounded by a worker limit.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/1mcp-app/agent/internal/config"
	"github.com/1mcp-app/agent/internal/errs"
	"github.com/1mcp-app/agent/internal/outbound/transport"
	"github.com/1mcp-app/agent/pkg/logging"
	"github.com/1mcp-app/agent/pkg/oauth"
)

// DefaultMaxAttempts matches the spec's MAX_ATTEMPTS default.
const DefaultMaxAttempts = 3

// DefaultBaseBackoff is the delay before the first retry; it doubles on
// each subsequent attempt.
const DefaultBaseBackoff = 500 * time.Millisecond

// DefaultMaxConcurrentConnects bounds the fan-out in ConnectAll.
const DefaultMaxConcurrentConnects = 8

// Connection is the manager's view of a single downstream server.
type Connection struct {
	Name     string
	Config   *config.ServerConfig
	Client   transport.Client
	Status   string
	AuthURL  string
	LastErr  error
	Attempts int
}

// TokenSourceFactory builds a transport.TokenSource for a server that
// carries OAuth configuration. Servers without OAuth get a nil TokenSource.
type TokenSourceFactory func(name string, sc *config.ServerConfig) transport.TokenSource

// CapabilityRefresher re-discovers and re-caches a freshly (re)connected
// server's capabilities. The gateway supplies this since it owns both the
// mcp-go describe calls and the Capability Aggregator; the manager stays
// agnostic of both, mirroring reload.Describer's role.
type CapabilityRefresher func(ctx context.Context, serverName string, client transport.Client) error

// pendingOAuthState holds what CompleteOAuthAndReconnect needs to finish an
// authorization-code exchange for a server currently AwaitingOAuth.
type pendingOAuthState struct {
	tokenEndpoint string
	codeVerifier  string
	redirectURI   string
	clientID      string
}

// Manager owns every downstream connection and the policies for
// establishing and maintaining them.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	maxAttempts int
	baseBackoff time.Duration
	maxInFlight int

	tokenSourceFor      TokenSourceFactory
	refreshCapabilities CapabilityRefresher

	oauthClient  *oauth.Client
	pendingOAuth map[string]*pendingOAuthState

	sf singleflight.Group

	restartCancel map[string]context.CancelFunc
}

// New creates a Manager. tokenSourceFor may be nil for deployments with no
// OAuth-configured servers.
func New(tokenSourceFor TokenSourceFactory) *Manager {
	return &Manager{
		connections:    make(map[string]*Connection),
		maxAttempts:    DefaultMaxAttempts,
		baseBackoff:    DefaultBaseBackoff,
		maxInFlight:    DefaultMaxConcurrentConnects,
		tokenSourceFor: tokenSourceFor,
		oauthClient:    oauth.NewClient(),
		pendingOAuth:   make(map[string]*pendingOAuthState),
		restartCancel:  make(map[string]context.CancelFunc),
	}
}

// SetCapabilityRefresher wires the callback CompleteOAuthAndReconnect uses
// to re-discover and re-cache capabilities after a successful token
// exchange. Must be called before any OAuth completion is attempted;
// deployments with no OAuth-configured servers never need it.
func (m *Manager) SetCapabilityRefresher(fn CapabilityRefresher) {
	m.refreshCapabilities = fn
}

// Get returns the current connection state for a server, if any.
func (m *Manager) Get(name string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[name]
	return c, ok
}

// All returns a snapshot of every tracked connection.
func (m *Manager) All() map[string]*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Connection, len(m.connections))
	for k, v := range m.connections {
		cp := *v
		out[k] = &cp
	}
	return out
}

// Connect establishes a connection to a single server, retrying with
// exponential backoff up to maxAttempts. Concurrent calls for the same name
// are deduplicated via singleflight: only one actually dials, the rest wait
// for its result. A downstream that identifies itself as this proxy during
// the initialize handshake is rejected immediately as a circular dependency
// (see transport.initialize); that check needs no cooperation from the
// caller since it's verified against the server's own claimed identity.
func (m *Manager) Connect(ctx context.Context, name string, sc *config.ServerConfig) (*Connection, error) {
	result, err, _ := m.sf.Do(name, func() (interface{}, error) {
		return m.connectWithRetry(ctx, name, sc)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Connection), nil
}

func (m *Manager) connectWithRetry(ctx context.Context, name string, sc *config.ServerConfig) (*Connection, error) {
	var tokens transport.TokenSource
	if sc.OAuth != nil && m.tokenSourceFor != nil {
		tokens = m.tokenSourceFor(name, sc)
	}

	client, err := transport.Build(name, sc, tokens)
	if err != nil {
		conn := &Connection{Name: name, Config: sc, Status: oauth.ServerStatusError, LastErr: err}
		m.store(name, conn)
		return conn, err
	}

	var lastErr error
	backoff := m.baseBackoff
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, &errs.CancelledError{Reason: ctx.Err().Error()}
		default:
		}

		err := client.Initialize(ctx)
		if err == nil {
			conn := &Connection{Name: name, Config: sc, Client: client, Status: oauth.ServerStatusConnected, Attempts: attempt}
			m.store(name, conn)
			if sc.Kind == config.KindStdio && sc.RestartOnExit {
				m.superviseRestart(name, sc)
			}
			return conn, nil
		}
		lastErr = err

		var circErr *errs.CircularDependencyError
		if errors.As(err, &circErr) {
			conn := &Connection{Name: name, Config: sc, Status: oauth.ServerStatusError, LastErr: err}
			m.store(name, conn)
			return conn, err
		}

		var oauthErr *errs.OAuthRequiredError
		if asOAuthRequired(err, &oauthErr) {
			authURL := oauthErr.AuthURL
			if sc.OAuth != nil && oauthErr.AuthURL != "" {
				if built, perr := m.prepareOAuthAuthorization(ctx, name, sc, oauthErr.AuthURL); perr != nil {
					logging.Warn("outbound", "could not prepare OAuth authorization for %q: %v", name, perr)
				} else {
					authURL = built
				}
			}
			conn := &Connection{Name: name, Config: sc, Status: oauth.ServerStatusAuthRequired, AuthURL: authURL, LastErr: err}
			m.store(name, conn)
			return conn, err
		}

		logging.Warn("outbound", "connect attempt %d/%d for %q failed: %v", attempt, m.maxAttempts, name, err)
		if attempt < m.maxAttempts {
			select {
			case <-ctx.Done():
				return nil, &errs.CancelledError{Reason: ctx.Err().Error()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	conn := &Connection{Name: name, Config: sc, Status: oauth.ServerStatusUnreachable, LastErr: lastErr, Attempts: m.maxAttempts}
	m.store(name, conn)
	return conn, &errs.ClientConnectionError{ServerName: name, Cause: lastErr}
}

func asOAuthRequired(err error, target **errs.OAuthRequiredError) bool {
	if oe, ok := err.(*errs.OAuthRequiredError); ok {
		*target = oe
		return true
	}
	return false
}

// prepareOAuthAuthorization discovers the provider's metadata, generates a
// fresh PKCE challenge, and builds the authorization URL an operator must
// visit to grant access. It stashes what CompleteOAuthAndReconnect needs to
// finish the exchange once the authorization code comes back.
func (m *Manager) prepareOAuthAuthorization(ctx context.Context, name string, sc *config.ServerConfig, issuer string) (string, error) {
	metadata, err := m.oauthClient.DiscoverMetadata(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("discover metadata for %q: %w", name, err)
	}

	pkce, err := oauth.GeneratePKCE()
	if err != nil {
		return "", fmt.Errorf("generate PKCE for %q: %w", name, err)
	}

	state, err := oauth.GenerateState()
	if err != nil {
		return "", fmt.Errorf("generate state for %q: %w", name, err)
	}

	authURL, err := m.oauthClient.BuildAuthorizationURL(
		metadata.AuthorizationEndpoint,
		sc.OAuth.ClientID,
		sc.OAuth.RedirectURL,
		state,
		strings.Join(sc.OAuth.Scopes, " "),
		pkce,
	)
	if err != nil {
		return "", fmt.Errorf("build authorization URL for %q: %w", name, err)
	}

	m.mu.Lock()
	m.pendingOAuth[name] = &pendingOAuthState{
		tokenEndpoint: metadata.TokenEndpoint,
		codeVerifier:  pkce.CodeVerifier,
		redirectURI:   sc.OAuth.RedirectURL,
		clientID:      sc.OAuth.ClientID,
	}
	m.mu.Unlock()

	return authURL, nil
}

// CompleteOAuthAndReconnect finishes an authorization-code flow for a server
// currently AwaitingOAuth: exchanges the code for tokens, closes the old
// transport, rebuilds transport and client, reconnects, and re-discovers
// capabilities via the configured CapabilityRefresher. The previous
// connection record — and whatever the aggregator already cached for this
// server — is left untouched unless the new connection succeeds, so prior
// instructions survive a failed reconnect attempt.
func (m *Manager) CompleteOAuthAndReconnect(ctx context.Context, name, code string) (*Connection, error) {
	m.mu.RLock()
	conn, ok := m.connections[name]
	m.mu.RUnlock()
	if !ok {
		return nil, &errs.ClientNotFoundError{ServerName: name}
	}

	sc := conn.Config
	if sc.Kind != config.KindHTTP && sc.Kind != config.KindSSE {
		return nil, &errs.TransportBuildError{ServerName: name, Reason: "OAuth completion requires an http or sse transport"}
	}

	m.mu.RLock()
	pending, ok := m.pendingOAuth[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no pending OAuth authorization for server %q", name)
	}

	token, err := m.oauthClient.ExchangeCode(ctx, pending.tokenEndpoint, code, pending.redirectURI, pending.clientID, pending.codeVerifier)
	if err != nil {
		return nil, &errs.ClientConnectionError{ServerName: name, Cause: err}
	}

	if conn.Client != nil {
		if closeErr := conn.Client.Close(); closeErr != nil {
			logging.Debug("outbound", "error closing pre-OAuth transport for %q: %v", name, closeErr)
		}
	}

	accessToken := token.AccessToken
	client, err := transport.Build(name, sc, func(context.Context) string { return accessToken })
	if err != nil {
		return nil, &errs.ClientConnectionError{ServerName: name, Cause: err}
	}

	if err := client.Initialize(ctx); err != nil {
		return nil, &errs.ClientConnectionError{ServerName: name, Cause: err}
	}

	if m.refreshCapabilities != nil {
		if err := m.refreshCapabilities(ctx, name, client); err != nil {
			_ = client.Close()
			return nil, &errs.ClientConnectionError{ServerName: name, Cause: err}
		}
	}

	newConn := &Connection{Name: name, Config: sc, Client: client, Status: oauth.ServerStatusConnected, Attempts: 1}
	m.store(name, newConn)

	m.mu.Lock()
	delete(m.pendingOAuth, name)
	m.mu.Unlock()

	return newConn, nil
}

func (m *Manager) store(name string, conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[name] = conn
}

// ConnectAll connects every server in servers concurrently, bounded by
// maxInFlight, and returns once all attempts have settled. A failure on one
// server does not abort the others.
func (m *Manager) ConnectAll(ctx context.Context, servers map[string]*config.ServerConfig) map[string]error {
	results := make(map[string]error, len(servers))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxInFlight)

	for name, sc := range servers {
		name, sc := name, sc
		g.Go(func() error {
			_, err := m.Connect(gctx, name, sc)
			resultsMu.Lock()
			results[name] = err
			resultsMu.Unlock()
			return nil // collect per-server errors, never abort the group
		})
	}
	_ = g.Wait()

	return results
}

// Disconnect closes and forgets a connection.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	conn, ok := m.connections[name]
	if ok {
		delete(m.connections, name)
	}
	cancel, hasSupervisor := m.restartCancel[name]
	delete(m.restartCancel, name)
	m.mu.Unlock()

	if hasSupervisor {
		cancel()
	}
	if !ok || conn.Client == nil {
		return nil
	}
	return conn.Client.Close()
}

// DisconnectAll closes every tracked connection.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		if err := m.Disconnect(name); err != nil {
			logging.Warn("outbound", "error disconnecting %q: %v", name, err)
		}
	}
}

// superviseRestart starts a background goroutine that pings a stdio
// connection's process and reconnects it (up to MaxRestarts times, or without
// limit when MaxRestarts is 0, waiting RestartDelay between attempts) if the
// ping fails, which for a stdio transport indicates the subprocess exited.
func (m *Manager) superviseRestart(name string, sc *config.ServerConfig) {
	m.mu.Lock()
	if cancel, ok := m.restartCancel[name]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.restartCancel[name] = cancel
	m.mu.Unlock()

	delay := sc.RestartDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	maxRestarts := sc.MaxRestarts

	go func() {
		restarts := 0
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.mu.RLock()
				conn, ok := m.connections[name]
				m.mu.RUnlock()
				if !ok || conn.Client == nil {
					return
				}

				pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
				err := conn.Client.Ping(pingCtx)
				pingCancel()
				if err == nil {
					continue
				}

				if maxRestarts > 0 && restarts >= maxRestarts {
					logging.Error("outbound", err, "stdio server %q exceeded max restarts (%d), giving up", name, maxRestarts)
					return
				}
				restarts++

				logging.Warn("outbound", "stdio server %q appears to have exited, restarting (attempt %d/%d)", name, restarts, maxRestarts)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				if _, connErr := m.connectWithRetry(ctx, name, sc); connErr != nil {
					logging.Error("outbound", connErr, "restart of %q failed", name)
				}
			}
		}
	}()
}
