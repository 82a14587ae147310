// Package middleware provides HTTP middleware for the e-file API
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RossTaxPrep/efile_layer/pkg/logger"
)

// Roles carried in the role claim.
const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	roleKey
	requestIDKey
)

// Claims represents JWT claims issued by the platform's auth service.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var (
	errMissingHeader = errors.New("missing Authorization header")
	errHeaderFormat  = errors.New("invalid Authorization header format")
	errInvalidToken  = errors.New("invalid token")
)

// AuthMiddleware verifies HS256 bearer tokens.
type AuthMiddleware struct {
	secret    []byte
	issuer    string
	log       *logger.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates the authentication middleware. An empty secret
// disables verification and treats every caller as an admin; this is meant
// for local development only.
func NewAuthMiddleware(secret, issuer string, log *logger.Logger, skipPaths []string) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	if strings.TrimSpace(secret) == "" {
		log.Warn("JWT secret not configured; API authentication is disabled")
	}
	return &AuthMiddleware{
		secret:    []byte(secret),
		issuer:    issuer,
		log:       log,
		skipPaths: skip,
	}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if len(m.secret) == 0 {
			ctx := context.WithValue(r.Context(), userIDKey, "development")
			ctx = context.WithValue(ctx, roleKey, RoleAdmin)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, errMissingHeader)
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.respondError(w, r, errHeaderFormat)
			return
		}

		claims, err := m.validateToken(parts[1])
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
		ctx = context.WithValue(ctx, roleKey, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Join(errInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errInvalidToken
	}
	switch claims.Role {
	case RoleStaff, RoleAdmin:
	default:
		return nil, errors.New("token carries no e-file role")
	}
	return claims, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	m.log.WithError(err).
		WithField("path", r.URL.Path).
		WithField("method", r.Method).
		Warn("authentication failed")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

// RequireRole rejects callers whose role is not in roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allowed[GetUserRole(r.Context())] {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetUserID extracts the user ID from context
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// GetUserRole extracts the user role from context
func GetUserRole(ctx context.Context) string {
	v, _ := ctx.Value(roleKey).(string)
	return v
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
