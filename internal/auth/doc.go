// Package auth resolves request identities for rate limiting and audit.
//
// # Identity Kinds
//
// Every request maps to exactly one identity string:
//
//   - key:<name>  a configured API key, presented as a bearer token or X-API-Key
//   - jwt:<sub>   the subject of a valid HS256 token, when jwt_secret is set
//   - ip:<host>   anonymous callers, keyed by remote host
//
// # Resolution Order
//
// Configured API keys are tried first: plaintext keys compare directly,
// hashed keys (key_hash in config) go through bcrypt with verified
// credentials cached so each one pays the hashing cost once per process.
// A bearer that matches no key is then tried as a JWT. With API keys
// configured, a credential that matches nothing is rejected with 401 before
// rate limiting ever runs; without them the gateway is open and such
// requests fall back to the host identity.
//
// # Quota Overrides
//
// An API key may carry a quota field. Quotas() surfaces those overrides
// keyed by identity string so the gateway can install them on the rate
// limiter at startup.
package auth
