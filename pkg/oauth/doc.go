// Package oauth provides OAuth 2.1 types and client utilities shared by the
// outbound connection manager (downstream server authentication) and the
// inbound gateway surface.
//
// # Core Components
//
//   - Token: OAuth token representation with expiry checking
//   - Metadata: OAuth/OIDC server metadata (RFC 8414)
//   - AuthChallenge: parsed WWW-Authenticate header information
//   - PKCEChallenge: Proof Key for Code Exchange generation (RFC 7636)
//   - Client: metadata discovery and token operations
//
// # Usage
//
//	import "github.com/1mcp-app/agent/pkg/oauth"
//
//	challenge, err := oauth.ParseWWWAuthenticate(header)
//	pkce, err := oauth.GeneratePKCE()
//	client := oauth.NewClient()
//	metadata, err := client.DiscoverMetadata(ctx, issuer)
package oauth
