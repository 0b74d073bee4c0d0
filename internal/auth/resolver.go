// ABOUTME: Resolves each request to one identity: API key, JWT subject, or remote host.
// ABOUTME: bcrypt key verifications are cached so the hashing cost is paid once per credential.

package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/loom-gateway/internal/config"
)

// ErrUnknownCredential means a credential was presented but matched no
// configured key or token. Only returned while API keys are configured;
// an open gateway treats unknown bearers as anonymous.
var ErrUnknownCredential = errors.New("unknown credential")

// apiKey is one configured credential. Exactly one of plain and hash is set.
type apiKey struct {
	name  string
	plain string
	hash  string
	quota int
}

// Resolver maps incoming requests to identities.
type Resolver struct {
	keys []apiKey
	jwt  *JWTVerifier // nil when no jwt_secret is configured

	mu     sync.Mutex
	proven map[string]string // credential fingerprint -> key name, bcrypt matches only

	logger *slog.Logger
}

// NewResolver builds a resolver from the auth config.
func NewResolver(cfg config.AuthConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Resolver{
		proven: make(map[string]string),
		logger: logger.With("component", "auth"),
	}
	for _, k := range cfg.APIKeys {
		r.keys = append(r.keys, apiKey{name: k.Name, plain: k.Key, hash: k.KeyHash, quota: k.Quota})
	}
	if cfg.JWTSecret != "" {
		r.jwt = NewJWTVerifier([]byte(cfg.JWTSecret))
	}
	return r
}

// Quotas reports the per-key rate-limit overrides, keyed by identity string.
// The gateway installs them on the limiter at startup.
func (r *Resolver) Quotas() map[string]int {
	overrides := make(map[string]int)
	for _, k := range r.keys {
		if k.quota > 0 {
			overrides[Identity{Kind: KindKey, Subject: k.name}.String()] = k.quota
		}
	}
	return overrides
}

// Identify resolves the request's identity. Configured API keys are tried
// first, then JWT when a secret is set, then the remote host for callers with
// no credential at all.
func (r *Resolver) Identify(req *http.Request) (Identity, error) {
	cred := credentialFrom(req)
	if cred == "" {
		return Identity{Kind: KindAnon, Subject: remoteHost(req)}, nil
	}

	if name, ok := r.matchKey(cred); ok {
		return Identity{Kind: KindKey, Subject: name}, nil
	}

	if r.jwt != nil {
		if sub, err := r.jwt.Verify(cred); err == nil {
			return Identity{Kind: KindJWT, Subject: sub}, nil
		}
	}

	if len(r.keys) > 0 {
		return Identity{}, ErrUnknownCredential
	}
	return Identity{Kind: KindAnon, Subject: remoteHost(req)}, nil
}

// matchKey compares the credential against every configured key. Hashed keys
// go through bcrypt, with successful verifications cached by fingerprint.
func (r *Resolver) matchKey(cred string) (string, bool) {
	if len(r.keys) == 0 {
		return "", false
	}

	fp := fingerprint(cred)
	r.mu.Lock()
	name, cached := r.proven[fp]
	r.mu.Unlock()
	if cached {
		return name, true
	}

	for _, k := range r.keys {
		switch {
		case k.plain != "":
			if k.plain == cred {
				return k.name, true
			}
		case k.hash != "":
			if bcrypt.CompareHashAndPassword([]byte(k.hash), []byte(cred)) == nil {
				r.mu.Lock()
				r.proven[fp] = k.name
				r.mu.Unlock()
				r.logger.Debug("hashed API key verified", "key", k.name)
				return k.name, true
			}
		}
	}
	return "", false
}

// credentialFrom extracts the bearer token, falling back to X-API-Key.
func credentialFrom(req *http.Request) string {
	if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if tok := strings.TrimPrefix(h, "Bearer "); tok != "" {
			return tok
		}
	}
	return req.Header.Get("X-API-Key")
}

// remoteHost strips the port from RemoteAddr. Behind the RealIP middleware
// the address is already a bare host, which SplitHostPort rejects.
func remoteHost(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func fingerprint(cred string) string {
	sum := sha256.Sum256([]byte(cred))
	return hex.EncodeToString(sum[:])
}
