package auth_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	auth_core "rankdelivery/internal/auth"
	auth_http "rankdelivery/internal/handler/http/auth"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	auth_http.RegisterRoutes(r, auth_core.NewTokenIssuer("secret", time.Hour), "hunter2", zap.NewNop())
	return r
}

func post(t *testing.T, h http.Handler, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return rec.Code, out
}

func TestLoginAndVerify(t *testing.T) {
	h := newRouter(t)

	code, body := post(t, h, "/api/auth/login", map[string]string{"password": "hunter2"})
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("login: status %d body %v", code, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}

	code, body = post(t, h, "/api/auth/verify", map[string]string{"token": token})
	if code != http.StatusOK || body["valid"] != true {
		t.Fatalf("verify: status %d body %v", code, body)
	}
	data := body["data"].(map[string]any)
	if data["role"] != "operator" {
		t.Fatalf("verify role = %v", data["role"])
	}
}

func TestLoginRejects(t *testing.T) {
	h := newRouter(t)

	if code, _ := post(t, h, "/api/auth/login", map[string]string{}); code != http.StatusBadRequest {
		t.Errorf("missing password: status %d, want 400", code)
	}
	if code, _ := post(t, h, "/api/auth/login", map[string]string{"password": "wrong"}); code != http.StatusUnauthorized {
		t.Errorf("wrong password: status %d, want 401", code)
	}
	if code, body := post(t, h, "/api/auth/verify", map[string]string{"token": "junk"}); code != http.StatusUnauthorized || body["valid"] != false {
		t.Errorf("bad token: status %d body %v", code, body)
	}
}
