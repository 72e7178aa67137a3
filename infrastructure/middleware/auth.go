// Package middleware provides HTTP middleware for the service layer.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ireland-samantha/forgefleet/infrastructure/errors"
	internalhttputil "github.com/ireland-samantha/forgefleet/infrastructure/httputil"
	"github.com/ireland-samantha/forgefleet/infrastructure/logging"
)

// =============================================================================
// Bearer Auth Constants
// =============================================================================

const (
	// BearerHeader is the standard header carrying an operator or client token.
	BearerHeader = "Authorization"

	// TokenQueryParam is the fallback carrier used by WebSocket upgrade
	// requests, which cannot set arbitrary headers from a browser client.
	TokenQueryParam = "token"

	// DefaultTokenExpiry is applied to tokens minted without an explicit TTL.
	DefaultTokenExpiry = 12 * time.Hour

	tokenIssuer = "forgefleet-controlplane"
)

// ClusterClaims are the JWT claims carried by an operator or node-client bearer token.
type ClusterClaims struct {
	jwt.RegisteredClaims
	// Subject identifies the authenticated caller (operator username or node ID).
	Role string `json:"role"`
}

// TokenIssuer mints bearer tokens signed with an HMAC secret.
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
}

// NewTokenIssuer creates a token issuer using the given shared secret.
func NewTokenIssuer(secret string, expiry time.Duration) *TokenIssuer {
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	return &TokenIssuer{secret: []byte(secret), expiry: expiry}
}

// Issue mints a signed bearer token for the given subject and role.
func (i *TokenIssuer) Issue(subject, role string) (string, error) {
	now := time.Now()
	claims := ClusterClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.expiry)),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// =============================================================================
// Bearer Auth Middleware
// =============================================================================

type cachedClaims struct {
	claims    *ClusterClaims
	expiresAt time.Time
}

// BearerAuthMiddleware validates operator/client bearer tokens on REST and
// WebSocket routes, attaching the caller's identity and role to the request
// context.
type BearerAuthMiddleware struct {
	secret      []byte
	logger      *logging.Logger
	skipPaths   map[string]bool
	mu          sync.RWMutex
	validated   map[string]*cachedClaims
	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// BearerAuthConfig configures the bearer auth middleware.
type BearerAuthConfig struct {
	Secret    string
	Logger    *logging.Logger
	SkipPaths []string
}

// NewBearerAuthMiddleware creates a new bearer token authentication middleware.
func NewBearerAuthMiddleware(cfg BearerAuthConfig) *BearerAuthMiddleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skip[path] = true
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New("auth", "info", "json")
	}

	m := &BearerAuthMiddleware{
		secret:      []byte(cfg.Secret),
		logger:      logger,
		skipPaths:   skip,
		validated:   make(map[string]*cachedClaims),
		stopCleanup: make(chan struct{}),
	}
	m.startBackgroundCleanup()
	return m
}

// Handler returns the middleware handler function.
func (m *BearerAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			m.respondError(w, r, errors.Unauthorized("missing bearer token"))
			return
		}

		claims, err := m.validate(token)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("bearer token validation failed")
			m.respondError(w, r, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), claims.Subject)
		ctx = logging.WithRole(ctx, claims.Role)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken reads a bearer token from the Authorization header, falling
// back to the "token" query parameter for WebSocket upgrade requests.
func extractToken(r *http.Request) string {
	if header := r.Header.Get(BearerHeader); header != "" {
		if after, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get(TokenQueryParam)
}

func (m *BearerAuthMiddleware) validate(tokenString string) (*ClusterClaims, error) {
	if len(m.secret) == 0 {
		return nil, errors.Internal("bearer authentication is not configured", nil)
	}

	if cached := m.getCached(tokenString); cached != nil {
		return cached, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &ClusterClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	if !token.Valid {
		return nil, errors.InvalidToken(nil)
	}

	claims, ok := token.Claims.(*ClusterClaims)
	if !ok || claims.Subject == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing subject claim")
	}
	if claims.Issuer != tokenIssuer {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid issuer")
	}

	m.cache(tokenString, claims)
	return claims, nil
}

func (m *BearerAuthMiddleware) getCached(tokenString string) *ClusterClaims {
	m.mu.RLock()
	cached, ok := m.validated[tokenString]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	if time.Now().After(cached.expiresAt) {
		m.mu.RUnlock()
		m.mu.Lock()
		if current, ok := m.validated[tokenString]; ok && time.Now().After(current.expiresAt) {
			delete(m.validated, tokenString)
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.RUnlock()
	return cached.claims
}

func (m *BearerAuthMiddleware) cache(tokenString string, claims *ClusterClaims) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cacheExpiry := time.Now().Add(5 * time.Minute)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(cacheExpiry) {
		cacheExpiry = claims.ExpiresAt.Time
	}
	m.validated[tokenString] = &cachedClaims{claims: claims, expiresAt: cacheExpiry}

	if len(m.validated) > 1000 {
		m.cleanup()
	}
}

func (m *BearerAuthMiddleware) cleanup() {
	now := time.Now()
	for key, cached := range m.validated {
		if now.After(cached.expiresAt) {
			delete(m.validated, key)
		}
	}
}

func (m *BearerAuthMiddleware) startBackgroundCleanup() {
	m.cleanupOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(2 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.mu.Lock()
					m.cleanup()
					m.mu.Unlock()
				case <-m.stopCleanup:
					return
				}
			}
		}()
	})
}

// StopCleanup stops the background cache cleanup goroutine.
func (m *BearerAuthMiddleware) StopCleanup() {
	select {
	case <-m.stopCleanup:
	default:
		close(m.stopCleanup)
	}
}

func (m *BearerAuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("bearer authentication failed", err)
	}
	internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
}

// RequireRole returns middleware that rejects requests whose authenticated
// role is not in allowed. Must run after BearerAuthMiddleware.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	allow := make(map[string]bool, len(allowed))
	for _, role := range allowed {
		allow[strings.ToLower(role)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := strings.ToLower(logging.GetRole(r.Context()))
			if !allow[role] {
				internalhttputil.Forbidden(w, "role not permitted for this operation")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithSubject returns a context carrying the given authenticated subject, for use in tests.
func WithSubject(ctx context.Context, subject, role string) context.Context {
	ctx = logging.WithUserID(ctx, subject)
	return logging.WithRole(ctx, role)
}
