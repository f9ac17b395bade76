package gateway

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/1mcp-app/agent/pkg/logging"
)

// buildMux mounts a health check, the OAuth completion callback, and the MCP
// handler, guarding the latter with origin validation to block DNS-rebinding
// attacks from a browser tab.
func (g *Gateway) buildMux(mcpHandler http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/oauth/callback", g.handleOAuthCallback)

	mux.Handle("/", originValidation(mcpHandler))

	return mux
}

// handleOAuthCallback completes an authorization-code flow for a server
// currently AwaitingOAuth: the provider redirects the operator's browser
// here with ?name=<server>&code=<authorization code> after they grant
// access, and the manager takes it from there.
func (g *Gateway) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	code := r.URL.Query().Get("code")
	if name == "" || code == "" {
		http.Error(w, "missing name or code query parameter", http.StatusBadRequest)
		return
	}

	if authErr := r.URL.Query().Get("error"); authErr != "" {
		http.Error(w, fmt.Sprintf("authorization denied for %q: %s", name, authErr), http.StatusBadRequest)
		return
	}

	if _, err := g.manager.CompleteOAuthAndReconnect(r.Context(), name, code); err != nil {
		logging.Error("gateway", err, "OAuth completion failed for %q", name)
		http.Error(w, fmt.Sprintf("authorization failed for %q: %v", name, err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s is now connected. You can close this window.\n", name)
}

// isAllowedOrigin reports whether an Origin header's hostname resolves to
// localhost, regardless of scheme or port.
func isAllowedOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// originValidation rejects requests carrying a non-local Origin header.
// Non-browser clients (curl, the stdio-adjacent SDKs) send no Origin header
// at all and pass through untouched.
func originValidation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !isAllowedOrigin(origin) {
			http.Error(w, "Forbidden: invalid Origin header", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
