package deliveries_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	app "rankdelivery/internal/app/deliveries"
	"rankdelivery/internal/auth"
	"rankdelivery/internal/domain"
	handler "rankdelivery/internal/handler/http/deliveries"
	"rankdelivery/internal/notification"
	"rankdelivery/internal/repository/delivery_repo/sqlite"
)

const pluginKey = "test-plugin-key"

type server struct {
	t     *testing.T
	mux   http.Handler
	token string
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := zap.NewNop()
	repo := sqlite.NewDeliveryRepository(sqlite.OpenTestDB(t), logger)
	svc := app.NewDeliveryService(repo, notification.Nop{}, logger, app.Options{})

	issuer := auth.NewTokenIssuer("test-secret", time.Hour)
	token, _, err := issuer.Issue(domain.RoleOperator)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	r := chi.NewRouter()
	handler.RegisterRoutes(r, svc, handler.RouteConfig{Issuer: issuer, PluginAPIKey: pluginKey}, logger)
	return &server{t: t, mux: r, token: token}
}

func (s *server) do(method, path string, body any, headers map[string]string) (int, map[string]any) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			s.t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func (s *server) operator(method, path string, body any) (int, map[string]any) {
	return s.do(method, path, body, map[string]string{"Authorization": "Bearer " + s.token})
}

func (s *server) worker(method, path string, body any) (int, map[string]any) {
	return s.do(method, path, body, map[string]string{"X-API-Key": pluginKey})
}

func (s *server) createDelivery(username string) string {
	s.t.Helper()
	code, body := s.operator(http.MethodPost, "/api/delivery/create",
		map[string]string{"username": username, "platform": "Java", "package": "VIP"})
	if code != http.StatusCreated {
		s.t.Fatalf("create: status %d body %v", code, body)
	}
	return body["delivery"].(map[string]any)["id"].(string)
}

func TestDeliveryWorkflow(t *testing.T) {
	s := newServer(t)
	id := s.createDelivery("Steve")

	code, body := s.worker(http.MethodGet, "/api/plugin/pending?limit=5", nil)
	if code != http.StatusOK {
		t.Fatalf("pending: status %d", code)
	}
	if body["count"].(float64) != 1 {
		t.Fatalf("pending count = %v, want 1", body["count"])
	}
	cmd := body["commands"].([]any)[0].(map[string]any)
	if cmd["id"] != id || cmd["platform"] != "java" {
		t.Fatalf("command = %v", cmd)
	}

	code, body = s.operator(http.MethodGet, "/api/delivery/pending", nil)
	if code != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("count pending: status %d body %v", code, body)
	}

	code, body = s.worker(http.MethodPost, "/api/plugin/complete", map[string]string{"id": id})
	if code != http.StatusOK {
		t.Fatalf("complete: status %d body %v", code, body)
	}
	if body["delivery"].(map[string]any)["status"] != "completed" {
		t.Fatalf("complete body = %v", body)
	}

	code, body = s.worker(http.MethodPost, "/api/plugin/complete", map[string]string{"id": id})
	if code != http.StatusBadRequest {
		t.Fatalf("second complete: status %d, want 400", code)
	}
	if body["error"] != "Delivery is not pending" || body["currentStatus"] != "completed" {
		t.Fatalf("second complete body = %v", body)
	}

	code, body = s.worker(http.MethodPost, "/api/plugin/failed", map[string]string{"id": id, "error": "late"})
	if code != http.StatusBadRequest || body["currentStatus"] != "completed" {
		t.Fatalf("fail after complete: status %d body %v", code, body)
	}

	code, body = s.operator(http.MethodGet, "/api/delivery/"+id, nil)
	if code != http.StatusOK || body["delivery"].(map[string]any)["status"] != "completed" {
		t.Fatalf("get: status %d body %v", code, body)
	}
}

func TestFailDeliveryDefaultsMessage(t *testing.T) {
	s := newServer(t)
	id := s.createDelivery("Alex")

	code, body := s.worker(http.MethodPost, "/api/plugin/failed", map[string]string{"id": id})
	if code != http.StatusOK {
		t.Fatalf("failed: status %d body %v", code, body)
	}
	d := body["delivery"].(map[string]any)
	if d["status"] != "failed" || d["errorMessage"] != domain.DefaultFailureMessage {
		t.Fatalf("delivery = %v", d)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t)

	tests := []struct {
		name   string
		call   func() (int, map[string]any)
		status int
	}{
		{"CreateMissingFields", func() (int, map[string]any) {
			return s.operator(http.MethodPost, "/api/delivery/create", map[string]string{"username": "Steve"})
		}, http.StatusBadRequest},
		{"CreateBadPlatform", func() (int, map[string]any) {
			return s.operator(http.MethodPost, "/api/delivery/create",
				map[string]string{"username": "Steve", "platform": "pocket", "package": "VIP"})
		}, http.StatusBadRequest},
		{"CompleteMissingID", func() (int, map[string]any) {
			return s.worker(http.MethodPost, "/api/plugin/complete", map[string]string{})
		}, http.StatusBadRequest},
		{"CompleteUnknown", func() (int, map[string]any) {
			return s.worker(http.MethodPost, "/api/plugin/complete", map[string]string{"id": "nope"})
		}, http.StatusNotFound},
		{"FailUnknown", func() (int, map[string]any) {
			return s.worker(http.MethodPost, "/api/plugin/failed", map[string]string{"id": "nope"})
		}, http.StatusNotFound},
		{"GetUnknown", func() (int, map[string]any) {
			return s.operator(http.MethodGet, "/api/delivery/nope", nil)
		}, http.StatusNotFound},
		{"OperatorWithoutToken", func() (int, map[string]any) {
			return s.do(http.MethodGet, "/api/delivery/history", nil, nil)
		}, http.StatusUnauthorized},
		{"WorkerWithWrongKey", func() (int, map[string]any) {
			return s.do(http.MethodGet, "/api/plugin/pending", nil, map[string]string{"X-API-Key": "wrong"})
		}, http.StatusUnauthorized},
		{"OperatorKeyOnWorkerRoute", func() (int, map[string]any) {
			return s.do(http.MethodGet, "/api/plugin/pending", nil, map[string]string{"Authorization": "Bearer " + s.token})
		}, http.StatusUnauthorized},
		{"UnknownRoute", func() (int, map[string]any) {
			return s.do(http.MethodGet, "/nowhere", nil, nil)
		}, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := tc.call()
			if code != tc.status {
				t.Fatalf("status = %d, want %d (body %v)", code, tc.status, body)
			}
			if body["error"] == nil {
				t.Fatalf("body has no error field: %v", body)
			}
		})
	}
}

func TestHistoryPagination(t *testing.T) {
	s := newServer(t)
	for _, name := range []string{"a", "b", "c"} {
		s.createDelivery(name)
	}

	code, body := s.operator(http.MethodGet, "/api/delivery/history?page=2&limit=2", nil)
	if code != http.StatusOK {
		t.Fatalf("history: status %d", code)
	}
	p := body["pagination"].(map[string]any)
	if p["total"].(float64) != 3 || p["page"].(float64) != 2 || p["limit"].(float64) != 2 || p["pages"].(float64) != 2 {
		t.Fatalf("pagination = %v", p)
	}
	if n := len(body["deliveries"].([]any)); n != 1 {
		t.Fatalf("page 2 has %d deliveries, want 1", n)
	}

	code, body = s.operator(http.MethodGet, "/api/delivery/user/b", nil)
	if code != http.StatusOK || len(body["deliveries"].([]any)) != 1 {
		t.Fatalf("by username: status %d body %v", code, body)
	}
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	code, body := s.do(http.MethodGet, "/health", nil, nil)
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: status %d body %v", code, body)
	}
}
