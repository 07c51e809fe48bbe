// Package oauth implements the OAuth 2.1 Authorization Code flow with PKCE
// for authenticating the agentforge CLI against model and tool providers.
//
// The package is organized around a few cooperating pieces:
//
//   - GeneratePKCE / GenerateState produce the per-attempt secrets.
//   - Registry maps provider names to endpoint and scope configuration.
//   - TokenStore abstracts token persistence; FileStore is the durable
//     implementation, MemoryStore backs tests, and KeyringStore decorates
//     either with the OS secret service.
//   - CallbackServer is the short-lived loopback listener that receives the
//     authorization redirect.
//   - Service orchestrates the whole flow and owns the token lifecycle:
//     Authenticate, RefreshTokens, EnsureValidToken, GetStatus, Logout.
//
// Expected failures (denied authorization, timeouts, expired refresh tokens)
// are reported as *FlowError values carrying a machine-readable Code; callers
// are expected to branch on the code rather than on error strings.
package oauth
