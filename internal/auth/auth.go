// Package auth validates caller credentials for the published flow APIs.
// Two schemes are accepted: API keys matched by SHA-256 hash against the
// configured key set, and HS256 JWTs carrying subject and scopes. The rest
// of the system consumes only the resulting Context.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// Scope names one permitted operation class.
type Scope string

const (
	ScopeFlowRead         Scope = "flow:read"
	ScopeFlowExecute      Scope = "flow:execute"
	ScopeFlowExecuteAsync Scope = "flow:execute:async"
	ScopeRunRead          Scope = "run:read"
	ScopeFlowWrite        Scope = "flow:write"
	ScopeAPIManage        Scope = "api:manage"
)

// DefaultScopes is what a credential without explicit scopes receives.
var DefaultScopes = []Scope{ScopeFlowRead, ScopeFlowExecute, ScopeFlowExecuteAsync, ScopeRunRead}

// PublicScopes is what an unauthenticated caller receives on a deployment
// configured for public access. The management surface is open too; public
// access is meant for local and single-tenant deployments.
var PublicScopes = []Scope{
	ScopeFlowRead, ScopeFlowWrite, ScopeFlowExecute,
	ScopeFlowExecuteAsync, ScopeRunRead, ScopeAPIManage,
}

// Context is the pre-validated authorization context the core consumes.
type Context struct {
	Subject   string
	APIKeyID  string
	Scopes    []Scope
	MaxTTL    int // seconds; 0 means unlimited
	PerMinute int // rate limit override; 0 means the flow API's policy
	Public    bool
}

// Has reports whether the context carries the scope.
func (c *Context) Has(scope Scope) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RateKey identifies the caller for rate limiting: key id, then subject,
// then the client address.
func (c *Context) RateKey(remoteAddr string) string {
	if c.APIKeyID != "" {
		return "key:" + c.APIKeyID
	}
	if c.Subject != "" {
		return "sub:" + c.Subject
	}
	host := remoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return "ip:" + host
}

// APIKey is one configured credential. Only the SHA-256 hex hash of the key
// material is stored.
type APIKey struct {
	ID        string  `yaml:"id"`
	Hash      string  `yaml:"hash"`
	Scopes    []Scope `yaml:"scopes"`
	PerMinute int     `yaml:"per_minute"`
	MaxTTL    int     `yaml:"max_ttl"`
}

// Claims is the JWT payload accepted by the bearer scheme.
type Claims struct {
	Scopes []string `json:"scopes"`
	MaxTTL int      `json:"max_ttl,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator resolves request credentials to a Context.
type Authenticator struct {
	keysByHash   map[string]APIKey
	jwtSecret    []byte
	publicAccess bool
}

func New(keys []APIKey, jwtSecret string, publicAccess bool) *Authenticator {
	byHash := make(map[string]APIKey, len(keys))
	for _, k := range keys {
		byHash[strings.ToLower(k.Hash)] = k
	}
	return &Authenticator{
		keysByHash:   byHash,
		jwtSecret:    []byte(jwtSecret),
		publicAccess: publicAccess,
	}
}

// HashKey returns the stored form of an API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves the request's credentials. Order: X-API-Key header,
// then bearer token. Without credentials the result depends on the public
// access setting; a present-but-invalid credential always fails.
func (a *Authenticator) Authenticate(r *http.Request) (*Context, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return a.authenticateKey(key)
	}
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return nil, flow.Errorf(flow.ErrAuth, "unsupported authorization scheme")
		}
		return a.authenticateToken(token)
	}
	if a.publicAccess {
		return &Context{Scopes: PublicScopes, Public: true}, nil
	}
	return nil, flow.Errorf(flow.ErrAuth, "missing credentials")
}

func (a *Authenticator) authenticateKey(key string) (*Context, error) {
	k, ok := a.keysByHash[HashKey(key)]
	if !ok {
		return nil, flow.Errorf(flow.ErrAuth, "invalid API key")
	}
	scopes := k.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &Context{
		APIKeyID:  k.ID,
		Scopes:    scopes,
		MaxTTL:    k.MaxTTL,
		PerMinute: k.PerMinute,
	}, nil
}

func (a *Authenticator) authenticateToken(token string) (*Context, error) {
	if len(a.jwtSecret) == 0 {
		return nil, flow.Errorf(flow.ErrAuth, "bearer auth not configured")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, flow.Errorf(flow.ErrAuth, "invalid bearer token")
	}
	scopes := make([]Scope, 0, len(claims.Scopes))
	for _, s := range claims.Scopes {
		scopes = append(scopes, Scope(s))
	}
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &Context{
		Subject: claims.Subject,
		Scopes:  scopes,
		MaxTTL:  claims.MaxTTL,
	}, nil
}

// IssueToken mints an HS256 token for the subject. Credential issuance is a
// deployment concern; this exists for operators and tests.
func (a *Authenticator) IssueToken(subject string, scopes []Scope, maxTTL int, expiry time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", fmt.Errorf("issue token: no JWT secret configured")
	}
	names := make([]string, len(scopes))
	for i, s := range scopes {
		names[i] = string(s)
	}
	claims := Claims{
		Scopes: names,
		MaxTTL: maxTTL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}
