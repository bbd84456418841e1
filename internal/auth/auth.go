// Package auth resolves the caller's role at the HTTP boundary: operators
// present a bearer JWT, game-server workers present a shared API key.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"rankdelivery/internal/domain"
)

var ErrInvalidToken = errors.New("invalid or expired token")

type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs an HS256 token for role, valid for the issuer's TTL.
func (i *TokenIssuer) Issue(role domain.Role) (string, time.Time, error) {
	now := i.now()
	expires := now.Add(i.ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

func (i *TokenIssuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return claims, nil
}

type ctxKey struct{}

func WithRole(ctx context.Context, role domain.Role) context.Context {
	return context.WithValue(ctx, ctxKey{}, role)
}

// RoleFromContext returns the role set by RequireOperator or RequireWorker,
// or "" when the request never passed through either.
func RoleFromContext(ctx context.Context) domain.Role {
	role, _ := ctx.Value(ctxKey{}).(domain.Role)
	return role
}

// RequireOperator admits requests carrying a valid bearer token.
func RequireOperator(issuer *TokenIssuer, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w, "Unauthorized - No token provided")
				return
			}
			claims, err := issuer.Verify(token)
			if err != nil {
				logger.Debug("Rejected operator token", zap.Error(err))
				unauthorized(w, "Unauthorized - Invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), claims.Role)))
		})
	}
}

// RequireWorker admits requests whose X-API-Key matches apiKey.
func RequireWorker(apiKey string, logger *zap.Logger) func(http.Handler) http.Handler {
	expected := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("X-API-Key"))
			if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
				logger.Debug("Rejected worker API key", zap.String("remote_addr", r.RemoteAddr))
				unauthorized(w, "Unauthorized - Invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), domain.RoleWorker)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
