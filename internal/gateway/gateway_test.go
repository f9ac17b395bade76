package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1mcp-app/agent/internal/capabilities"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(Config{ConfigPath: "unused.json"})
	require.NoError(t, err)
	return g
}

func TestIsAllowedOrigin_AcceptsLocalhostVariants(t *testing.T) {
	for _, origin := range []string{"http://localhost:3000", "https://127.0.0.1:8080", "http://[::1]:9000"} {
		assert.True(t, isAllowedOrigin(origin), origin)
	}
}

func TestIsAllowedOrigin_RejectsRemoteHost(t *testing.T) {
	assert.False(t, isAllowedOrigin("https://evil.example.com"))
	assert.False(t, isAllowedOrigin("not-a-url"))
}

func TestOriginValidation_PassesRequestsWithNoOriginHeader(t *testing.T) {
	called := false
	h := originValidation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOriginValidation_RejectsNonLocalOrigin(t *testing.T) {
	h := originValidation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBuildMux_HealthEndpointReportsOK(t *testing.T) {
	g := newTestGateway(t)
	mux := g.buildMux(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestOAuthCallback_MissingParamsReturnsBadRequest(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback", nil)
	rec := httptest.NewRecorder()
	g.handleOAuthCallback(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuthCallback_UnknownServerReturnsBadGateway(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?name=unknown&code=abc", nil)
	rec := httptest.NewRecorder()
	g.handleOAuthCallback(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSync_RegistersAdditionsAndRemovesObsoleteItems(t *testing.T) {
	g := newTestGateway(t)

	first := capabilities.Aggregated{
		Tools: []capabilities.ToolItem{
			{ServerName: "alpha", OriginalName: "fetch", ExposedName: "fetch", Tool: mcp.Tool{Name: "fetch"}},
		},
	}
	changed := g.sync(first, capabilities.Aggregated{})
	assert.True(t, changed.tools)
	assert.True(t, g.registered.tools["fetch"])

	second := capabilities.Aggregated{
		Tools: []capabilities.ToolItem{
			{ServerName: "beta", OriginalName: "search", ExposedName: "search", Tool: mcp.Tool{Name: "search"}},
		},
	}
	changed = g.sync(second, first)
	assert.True(t, changed.tools)
	assert.False(t, g.registered.tools["fetch"])
	assert.True(t, g.registered.tools["search"])
}

func TestSync_NoChangesProducesNoNotification(t *testing.T) {
	g := newTestGateway(t)
	agg := capabilities.Aggregated{
		Resources: []capabilities.ResourceItem{
			{ServerName: "alpha", OriginalURI: "file:///a", ExposedURI: "file:///a", Resource: mcp.Resource{URI: "file:///a"}},
		},
	}
	g.sync(agg, capabilities.Aggregated{})
	changed := g.sync(agg, agg)
	assert.False(t, changed.resources)
}

func TestBuildServerTool_RenamesToolToExposedName(t *testing.T) {
	g := newTestGateway(t)
	item := capabilities.ToolItem{
		ServerName:   "alpha",
		OriginalName: "fetch",
		ExposedName:  "alpha_fetch",
		Tool:         mcp.Tool{Name: "fetch", Description: "fetches things"},
	}
	st := g.buildServerTool(item)
	assert.Equal(t, "alpha_fetch", st.Tool.Name)
	assert.Equal(t, "fetches things", st.Tool.Description)
	require.NotNil(t, st.Handler)
}

func TestSessionToolFilter_NoSessionOnRecordReturnsUnfiltered(t *testing.T) {
	g := newTestGateway(t)
	in := []mcp.Tool{{Name: "fetch"}, {Name: "search"}}
	out := g.sessionToolFilter(context.Background(), in)
	assert.Equal(t, in, out)
}

func TestConfigAddr_DefaultsWhenUnset(t *testing.T) {
	c := Config{}
	assert.Equal(t, "127.0.0.1:3051", c.addr())
}

func TestConfigAddr_UsesProvidedHostAndPort(t *testing.T) {
	c := Config{Host: "0.0.0.0", Port: 9999}
	assert.Equal(t, "0.0.0.0:9999", c.addr())
}
