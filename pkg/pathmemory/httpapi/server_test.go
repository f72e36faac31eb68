package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jllopis/synod/pkg/core"
	"github.com/jllopis/synod/pkg/pathmemory"
)

func newTestServer(t *testing.T, auth AuthConfig) *httptest.Server {
	t.Helper()
	health := core.NewHealthRegistry()
	store := pathmemory.NewMemoryStore()
	health.Register("store", core.PingChecker(store.Ping))
	handler, err := New(Config{Service: pathmemory.NewService(store), Auth: auth, Health: health})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func asPrincipal(p string) map[string]string {
	return map[string]string{PrincipalHeader: p}
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Status     string              `json:"status"`
		Components []core.HealthResult `json:"components"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" || len(out.Components) != 1 {
		t.Fatalf("unexpected health %+v", out)
	}
}

func TestRequestsRequirePrincipal(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/project/run/hash", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRecordAndQueryOverHTTP(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})

	record := RecordRequest{
		Target:    "project",
		Kind:      "negative",
		Signature: SignatureBody{Steps: []string{"test_defenses"}, Outcome: OutcomeBody{Result: "fail"}},
	}
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/paths/record", record, asPrincipal("team/red"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for team writing project, got %d: %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code != "unauthorized" {
		t.Fatalf("unexpected error envelope %s", body)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/paths/record", record, asPrincipal("orchestrator"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var stored SignatureBody
	if err := json.Unmarshal(body, &stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.Hash == "" || stored.Scope != "project" {
		t.Fatalf("unexpected stored signature %+v", stored)
	}

	query := QueryRequest{
		Target:    "project",
		Kind:      "negative",
		Signature: SignatureBody{Steps: []string{"test_defenses", "pivot"}},
	}
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/paths/query", query, asPrincipal("team/red"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var result QueryResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Matches) != 1 || result.Matches[0].Signature.Hash != stored.Hash {
		t.Fatalf("unexpected matches %+v", result.Matches)
	}

	query.Kind = "positive"
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/paths/query", query, asPrincipal("team/red"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for positive query, got %d", resp.StatusCode)
	}

	query.Kind = "negative"
	query.Actor = "orchestrator"
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/paths/query", query, asPrincipal("team/red"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for impersonation, got %d", resp.StatusCode)
	}
}

func TestScopeValuesOverHTTP(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	team := asPrincipal("team/red")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/team%2Fred/notes", PutValueRequest{Key: "plan", Value: "recon"}, team)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/team%2Fred/notes/plan", nil, team)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var value ValueResponse
	if err := json.Unmarshal(body, &value); err != nil || value.Value != "recon" || value.Principal != "team/red" {
		t.Fatalf("unexpected value %s", body)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/team%2Fred/notes/missing", nil, team)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/team%2Fred/notes/plan", nil, asPrincipal("team/blue"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign read, got %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/team%2Fred/notes/hash", nil, asPrincipal("orchestrator"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var h HashResponse
	if err := json.Unmarshal(body, &h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Hash != pathmemory.HashValues(map[string]string{"plan": "recon"}) {
		t.Fatalf("unexpected hash %s", h.Hash)
	}
}

func TestJWTPrincipal(t *testing.T) {
	const secret = "test-secret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/project/run/hash", nil, asPrincipal("orchestrator"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("header principal must be ignored when JWT is configured, got %d", resp.StatusCode)
	}

	bad, err := IssueToken("other-secret", "orchestrator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/project/run/hash", nil, map[string]string{"Authorization": "Bearer " + bad})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong signature, got %d", resp.StatusCode)
	}

	token, err := IssueToken(secret, "orchestrator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/project/run/hash", nil, map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
}
