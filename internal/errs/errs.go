// Package errs defines the typed error taxonomy shared by the config,
// outbound connection, and reload subsystems, so callers can use errors.As
// to branch on failure kind instead of matching error strings.
package errs

import "fmt"

// IOError wraps a filesystem failure encountered while loading configuration.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error reading %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ParseError wraps a JSON/JSON5 syntax failure.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError reports a schema mismatch at a specific path within the document.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error at %s: %s", e.Path, e.Reason)
}

// RenderError reports a template-render failure for a template server.
type RenderError struct {
	ServerName string
	Reason     string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render error for server %q: %s", e.ServerName, e.Reason)
}

// TransportBuildError reports that a validated config cannot produce a transport.
type TransportBuildError struct {
	ServerName string
	Reason     string
}

func (e *TransportBuildError) Error() string {
	return fmt.Sprintf("cannot build transport for server %q: %s", e.ServerName, e.Reason)
}

// ConnectionTimeoutError reports a connect attempt that exceeded its budget.
type ConnectionTimeoutError struct {
	ServerName string
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connection to server %q timed out", e.ServerName)
}

// OAuthRequiredError signals that the caller must complete an OAuth flow
// before the connection can proceed.
type OAuthRequiredError struct {
	ServerName string
	AuthURL    string
}

func (e *OAuthRequiredError) Error() string {
	return fmt.Sprintf("server %q requires authorization: %s", e.ServerName, e.AuthURL)
}

// ClientConnectionError is terminal after retry exhaustion or explicit abort
// (including circular-dependency detection).
type ClientConnectionError struct {
	ServerName string
	Cause      error
}

func (e *ClientConnectionError) Error() string {
	return fmt.Sprintf("connection to server %q failed: %v", e.ServerName, e.Cause)
}

func (e *ClientConnectionError) Unwrap() error { return e.Cause }

// CircularDependencyError reports that a downstream server identified itself
// with this proxy's own name during the initialize handshake, meaning a
// connection would loop back on itself. Non-retryable.
type CircularDependencyError struct {
	ServerName string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected: server %q identifies as this proxy", e.ServerName)
}

// CapabilityError reports a requested operation unsupported by a server.
type CapabilityError struct {
	ServerName     string
	CapabilityName string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("server %q does not support capability %q", e.ServerName, e.CapabilityName)
}

// ClientNotFoundError reports a server name absent from the connection map.
type ClientNotFoundError struct {
	ServerName string
}

func (e *ClientNotFoundError) Error() string {
	return fmt.Sprintf("server %q not found", e.ServerName)
}

// CancelledError wraps cooperative-cancellation outcomes.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled: %s", e.Reason)
}
