package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	auth_core "rankdelivery/internal/auth"
	"rankdelivery/internal/domain"
)

type LoginRequest struct {
	Password string `json:"password"`
}

type VerifyRequest struct {
	Token string `json:"token"`
}

type AuthHandler struct {
	issuer        *auth_core.TokenIssuer
	adminPassword string
	logger        *zap.Logger
}

func NewAuthHandler(issuer *auth_core.TokenIssuer, adminPassword string, l *zap.Logger) *AuthHandler {
	return &AuthHandler{issuer: issuer, adminPassword: adminPassword, logger: l}
}

func RegisterRoutes(r chi.Router, issuer *auth_core.TokenIssuer, adminPassword string, l *zap.Logger) {
	handler := NewAuthHandler(issuer, adminPassword, l.With(zap.String("component", "AuthHTTPHandler")))

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", handler.Login)
		r.Post("/verify", handler.Verify)
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Password is required"})
		return
	}

	if h.adminPassword == "" || subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.adminPassword)) != 1 {
		h.logger.Warn("Rejected operator login", zap.String("remote_addr", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid password"})
		return
	}

	token, expires, err := h.issuer.Issue(domain.RoleOperator)
	if err != nil {
		h.logger.Error("Failed to issue operator token", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal server error"})
		return
	}

	h.logger.Info("Operator logged in", zap.Time("expires_at", expires))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"token":     token,
		"expiresAt": expires.UTC(),
		"message":   "Login successful",
	})
}

func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Token is required"})
		return
	}

	claims, err := h.issuer.Verify(req.Token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success": false,
			"valid":   false,
			"error":   "Invalid or expired token",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"valid":   true,
		"data":    claims,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
