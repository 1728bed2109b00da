package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func doJSON(t *testing.T, server *HTTPServer, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	payload := map[string]any{}
	if len(rr.Body.Bytes()) > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv()
	server := NewHTTPServer(env.service, "*")

	rr, payload := doJSON(t, server, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload["ok"])
	}
}

func TestReadyEndpointDatabaseFailure(t *testing.T) {
	env := newTestEnv()
	env.store.pingErr = errors.New("connection refused")
	server := NewHTTPServer(env.service, "*")

	rr, payload := doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if payload["status"] != "not_ready" {
		t.Fatalf("expected status=not_ready, got %v", payload["status"])
	}
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	env := newTestEnv()
	server := NewHTTPServer(env.service, "*")

	rr, payload := doJSON(t, server, http.MethodGet, "/api/projects", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected code UNAUTHORIZED, got %v", payload["code"])
	}
}

func TestSignupRejectsInvalidBody(t *testing.T) {
	env := newTestEnv()
	server := NewHTTPServer(env.service, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", bytes.NewBufferString(`{"email":`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestLoginInvalidCredentialsContract(t *testing.T) {
	env := newTestEnv()
	server := NewHTTPServer(env.service, "*")

	rr, _ := doJSON(t, server, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":    "avery@example.com",
		"username": "avery",
		"password": "hunter2hunter2",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup: expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, payload := doJSON(t, server, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    "avery@example.com",
		"password": "wrong-password",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected code INVALID_CREDENTIALS, got %v", payload["code"])
	}
}

// End to end: sign up, upload a corpus, apply a correction with
// apply-to-all, and read the cascade contract off the wire.
func TestReplacementCascadeOverHTTP(t *testing.T) {
	env := newTestEnv()
	server := NewHTTPServer(env.service, "*")

	rr, session := doJSON(t, server, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":    "avery@example.com",
		"username": "avery",
		"password": "hunter2hunter2",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup: expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	token, _ := session["token"].(string)
	if token == "" {
		t.Fatalf("missing access token: %v", session)
	}

	rr, project := doJSON(t, server, http.MethodPost, "/api/projects", token, map[string]any{
		"name": "Norm Round",
		"texts": []map[string]any{
			{"original": "Teh house"},
			{"original": "big Teh"},
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create project: expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	projectID, _ := project["id"].(string)

	rr, page := doJSON(t, server, http.MethodGet, fmt.Sprintf("/api/projects/%s/texts", projectID), token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list texts: expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	texts, _ := page["texts"].([]any)
	if len(texts) != 2 {
		t.Fatalf("text count = %d, want 2", len(texts))
	}
	first, _ := texts[0].(map[string]any)
	textID, _ := first["id"].(string)
	tokens, _ := first["tokens"].([]any)
	var tokenID string
	for _, raw := range tokens {
		view, _ := raw.(map[string]any)
		if view["original"] == "Teh" {
			tokenID, _ = view["tokenId"].(string)
		}
	}
	if textID == "" || tokenID == "" {
		t.Fatalf("could not locate focus token in %v", first)
	}

	path := fmt.Sprintf("/api/projects/%s/texts/%s/tokens/%s/replacement", projectID, textID, tokenID)
	rr, result := doJSON(t, server, http.MethodPost, path, token, map[string]any{
		"replacement": "The",
		"applyAll":    true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("replacement: expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if result["matches"] != float64(1) {
		t.Fatalf("matches = %v, want 1", result["matches"])
	}
	if _, ok := result["cascadeError"]; ok {
		t.Fatalf("unexpected cascadeError: %v", result["cascadeError"])
	}
	touched, _ := result["textTokenIds"].(map[string]any)
	if len(touched) != 2 {
		t.Fatalf("textTokenIds = %v, want both texts", touched)
	}
}
