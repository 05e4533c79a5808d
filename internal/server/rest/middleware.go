// Package rest provides the HTTP API of the Command Center: ingestion,
// query, live streaming, rule administration, delivery visibility, and the
// operator audit log.
//
// # Request identity
//
// Authentication and role resolution happen in an external collaborator
// that injects context headers; the core treats them as authoritative:
//
//	X-Tenant-ID    – tenant context for the request (default "system")
//	X-User-Roles   – comma- or JSON-encoded role list (admin, operator,
//	                 viewer, system)
//
// The acting operator for audit records is resolved from the first
// non-empty of X-Forwarded-User, X-Forwarded-Email, and X-Remote-User,
// falling back to "api-client".
//
// When an RSA public key is configured, callers lacking the context headers
// may instead present an RS256 bearer token whose tenant_id and roles
// claims supply the same identity. Headers remain authoritative when
// present.
package rest

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/opscenter/commandcenter/internal/event"
)

// Role names understood by the API.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
	RoleSystem   = "system"
)

// contextKey is an unexported type used for context keys in this package to
// avoid collisions with keys defined in other packages.
type contextKey int

const identityKey contextKey = 0

// Identity is the caller identity resolved for every request.
type Identity struct {
	// Tenant is the tenant context; never empty (defaults to "system").
	Tenant string
	// Roles is the caller's role list; may be empty.
	Roles []string
	// Actor names the human or service for audit records.
	Actor string
	// SourceIP is the caller address with any port stripped.
	SourceIP string
}

// HasRole reports whether the identity carries any of the named roles.
func (id *Identity) HasRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range id.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// CanOverrideTenant reports whether the caller may select a tenant other
// than its own via the tenant_id query parameter.
func (id *Identity) CanOverrideTenant() bool {
	return id.HasRole(RoleAdmin, RoleOperator)
}

// IdentityFromContext retrieves the Identity injected by IdentityMiddleware.
// The second return is false when the middleware is not in the chain.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// tokenClaims is the JWT payload accepted by the bearer-token fallback.
type tokenClaims struct {
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// IdentityMiddleware resolves the caller identity from the context headers
// (or, when pubKey is non-nil and the headers are absent, from an RS256
// bearer token) and stores it in the request context. It never rejects a
// request: an anonymous caller simply carries the default tenant and no
// roles, and role checks happen per route.
func IdentityMiddleware(pubKey *rsa.PublicKey, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := &Identity{
				Tenant:   strings.TrimSpace(r.Header.Get("X-Tenant-ID")),
				Roles:    parseRoles(r.Header.Get("X-User-Roles")),
				Actor:    resolveActor(r),
				SourceIP: sourceIP(r),
			}

			if id.Tenant == "" && len(id.Roles) == 0 && pubKey != nil {
				if claims := bearerClaims(r, pubKey, logger); claims != nil {
					id.Tenant = claims.TenantID
					id.Roles = normalizeRoles(claims.Roles)
					if id.Actor == "api-client" && claims.Subject != "" {
						id.Actor = claims.Subject
					}
				}
			}

			if id.Tenant == "" {
				id.Tenant = event.DefaultTenant
			}

			ctx := context.WithValue(r.Context(), identityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole wraps a handler with a role check: callers lacking every
// listed role receive 403.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok || !id.HasRole(roles...) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// parseRoles accepts both header encodings: a comma-separated list
// ("admin,viewer") and a JSON array (`["admin","viewer"]`).
func parseRoles(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if strings.HasPrefix(raw, "[") {
		var roles []string
		if err := json.Unmarshal([]byte(raw), &roles); err == nil {
			return normalizeRoles(roles)
		}
		return nil
	}
	return normalizeRoles(strings.Split(raw, ","))
}

func normalizeRoles(raw []string) []string {
	var roles []string
	for _, role := range raw {
		if role = strings.ToLower(strings.TrimSpace(role)); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}

// resolveActor picks the audit actor from the proxy identity headers.
func resolveActor(r *http.Request) string {
	for _, header := range []string{"X-Forwarded-User", "X-Forwarded-Email", "X-Remote-User"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	return "api-client"
}

// sourceIP strips the port from the remote address. chi's RealIP middleware
// has already rewritten RemoteAddr from X-Forwarded-For / X-Real-IP when
// the request came through a proxy.
func sourceIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// bearerClaims verifies an RS256 bearer token and returns its claims, or
// nil when no usable token is present.
func bearerClaims(r *http.Request, pubKey *rsa.PublicKey, logger *slog.Logger) *tokenClaims {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(raw, "Bearer ") {
		return nil
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(raw, "Bearer "), &claims,
		func(*jwt.Token) (any, error) { return pubKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	)
	if err != nil {
		logger.Warn("rest: bearer token rejected",
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr),
			slog.Any("error", err),
		)
		return nil
	}
	return &claims
}

// ParseRSAPublicKey decodes a PEM block and parses an RSA public key.
// It accepts both PKCS#1 ("RSA PUBLIC KEY") and PKIX ("PUBLIC KEY") encodings.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("rest: no PEM block found in public key data")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("rest: PKCS#1 parse error: %w", err)
		}
		return key, nil
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("rest: PKIX parse error: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("rest: public key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("rest: unsupported PEM type %q", block.Type)
	}
}
