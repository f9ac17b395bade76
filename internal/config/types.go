// Package config implements the configuration pipeline: parse a JSON/JSON5
// server-config document, substitute environment variables, render template
// servers against a context, validate the result, and resolve static/template
// name conflicts.
package config

import "time"

// Kind identifies a downstream server's transport.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindHTTP  Kind = "http"
	KindSSE   Kind = "sse"
)

// OAuthConfig carries downstream OAuth client configuration.
type OAuthConfig struct {
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	AutoRegister bool     `json:"autoRegister,omitempty"`
	RedirectURL  string   `json:"redirectUrl,omitempty"`
}

// TemplateOptions configures how a template server instance behaves once rendered.
type TemplateOptions struct {
	Shareable   bool          `json:"shareable,omitempty"`
	MaxInstances int          `json:"maxInstances,omitempty"`
	IdleTimeout time.Duration `json:"idleTimeout,omitempty"`
	PerClient   bool          `json:"perClient,omitempty"`
}

// ServerConfig is one downstream server entry, static or template.
type ServerConfig struct {
	Name string `json:"-"`

	Kind Kind `json:"kind,omitempty"`

	// stdio-only
	Command          string            `json:"command,omitempty"`
	Args             []string          `json:"args,omitempty"`
	Cwd              string            `json:"cwd,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	InheritParentEnv bool              `json:"inheritParentEnv,omitempty"`
	EnvFilter        []string          `json:"envFilter,omitempty"`
	RestartOnExit    bool              `json:"restartOnExit,omitempty"`
	MaxRestarts      int               `json:"maxRestarts,omitempty"`
	RestartDelay     time.Duration     `json:"restartDelay,omitempty"`

	// http/sse-only
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// common
	Tags              []string      `json:"tags,omitempty"`
	Disabled          bool          `json:"disabled,omitempty"`
	ConnectionTimeout time.Duration `json:"connectionTimeout,omitempty"`
	RequestTimeout    time.Duration `json:"requestTimeout,omitempty"`
	OAuth             *OAuthConfig  `json:"oauth,omitempty"`

	// template-only
	Template *TemplateOptions `json:"template,omitempty"`

	// isTemplate marks whether this entry came from mcpTemplates; set by the loader,
	// not part of the wire format.
	isTemplate bool
}

// IsTemplate reports whether this config came from the mcpTemplates section.
func (s *ServerConfig) IsTemplate() bool { return s.isTemplate }

// TemplateSettings controls rendering/caching behavior for template servers.
type TemplateSettings struct {
	CacheContext bool   `json:"cacheContext,omitempty"`
	FailureMode  string `json:"failureMode,omitempty"` // "strict" | "graceful"
}

// Document is the raw on-disk shape before validation.
type Document struct {
	MCPServers       map[string]*ServerConfig `json:"mcpServers"`
	MCPTemplates     map[string]*ServerConfig `json:"mcpTemplates,omitempty"`
	TemplateSettings TemplateSettings         `json:"templateSettings,omitempty"`
}

// Result is the output of a successful Load: a validated, rendered, and
// conflict-resolved set of servers ready to hand to the reload engine.
type Result struct {
	Servers  map[string]*ServerConfig
	Warnings []string
}

// Options configures a single Load call.
type Options struct {
	// EnvSubstitution enables ${NAME} replacement. Defaults to true.
	EnvSubstitution bool
	// StrictEnv causes missing environment variables to be an error instead
	// of substituting the empty string.
	StrictEnv bool
	// RenderContext is the context map passed to template rendering for
	// template-kind servers.
	RenderContext map[string]interface{}
}

// DefaultOptions returns the Options used when none are supplied.
func DefaultOptions() Options {
	return Options{EnvSubstitution: true}
}
