package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agileflow/internal/config"
	"agileflow/internal/db"
	"agileflow/internal/domain"
	"agileflow/internal/engine"
	"agileflow/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("demo", "DEMO")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg, "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "alice")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestIssueTransitionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/demo/issues", map[string]any{
		"summary": "Broken login",
		"type":    "Bug",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create issue: %d %s", res.StatusCode, string(data))
	}
	var created domain.Issue
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal issue: %v", err)
	}
	if created.Key != "DEMO-1" || created.Status != "Open" {
		t.Fatalf("unexpected issue: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/issues/DEMO-1/transitions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transitions: %d %s", res.StatusCode, string(data))
	}
	var list TransitionListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal transitions: %v", err)
	}
	if len(list.Transitions) != 3 {
		t.Fatalf("expected 3 transitions from Open: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/DEMO-1/transition", map[string]any{
		"to_status": "In Progress",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition: %d %s", res.StatusCode, string(data))
	}
	var moved TransitionResultResponse
	_ = json.Unmarshal(data, &moved)
	if moved.Status != "In Progress" || moved.Activity.Kind != domain.ActivityStatusChanged {
		t.Fatalf("unexpected result: %s", string(data))
	}

	// In Progress → Testing is not in the default scheme
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/DEMO-1/transition", map[string]any{
		"to_status": "Testing",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "illegal_transition" {
		t.Fatalf("expected illegal_transition envelope, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/issues/DEMO-1/activity", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activity: %d %s", res.StatusCode, string(data))
	}
	var records []domain.ActivityRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("unmarshal activity: %v", err)
	}
	if len(records) != 2 || records[0].Kind != domain.ActivityStatusChanged {
		t.Fatalf("unexpected activity: %s", string(data))
	}
}

func TestSchemeImportRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/demo/scheme", map[string]any{
		"statuses": []map[string]any{
			{"id": "Open", "category": "To Do"},
		},
		"transitions": []map[string]any{
			{"from": "Open", "to": "Missing"},
		},
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}

	// stored scheme must survive the rejected import
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/demo/scheme/diagram", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("diagram after rejected import: %d %s", res.StatusCode, string(data))
	}
	var d domain.Diagram
	if err := json.Unmarshal(data, &d); err != nil || len(d.Statuses) != 7 {
		t.Fatalf("default scheme lost: %s", string(data))
	}
}

func TestPermissionGateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/demo/scheme", map[string]any{
		"statuses": []map[string]any{
			{"id": "Open", "category": "To Do"},
			{"id": "Done", "category": "Done"},
		},
		"transitions": []map[string]any{
			{"from": "Open", "to": "Done", "name": "Close", "required_permission": "qa"},
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import scheme: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/demo/issues", map[string]any{
		"summary": "gated",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create issue: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/DEMO-1/transition", map[string]any{
		"to_status": "Done",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without role, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/demo/roles/grant", map[string]any{
		"actor_id": "alice",
		"role":     "qa",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("grant role: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/DEMO-1/transition", map[string]any{
		"to_status": "Done",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected transition with role, got %d %s", res.StatusCode, string(data))
	}
}

func signTestToken(t *testing.T, secret, subject string, roles []string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTRoleClaimsGateTransitions(t *testing.T) {
	const secret = "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret, Required: true})
	defer cleanup()
	client := srv.Client()

	asAlice := map[string]string{"Authorization": "Bearer " + signTestToken(t, secret, "alice", nil)}
	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/demo/scheme", map[string]any{
		"statuses": []map[string]any{
			{"id": "Open", "category": "To Do"},
			{"id": "Done", "category": "Done"},
		},
		"transitions": []map[string]any{
			{"from": "Open", "to": "Done", "name": "Close", "required_permission": "qa"},
		},
	}, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import scheme: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/demo/issues", map[string]any{
		"summary": "gated",
	}, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create issue: %d %s", res.StatusCode, string(data))
	}

	// a token without the qa claim cannot take the gated transition
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/DEMO-1/transition", map[string]any{
		"to_status": "Done",
	}, asAlice)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without qa claim, got %d %s", res.StatusCode, string(data))
	}

	// the same user with roles:["qa"] in the token succeeds, no stored grant
	withQA := map[string]string{"Authorization": "Bearer " + signTestToken(t, secret, "alice", []string{"qa"})}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/DEMO-1/transition", map[string]any{
		"to_status": "Done",
	}, withQA)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected transition with qa claim, got %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Required: true})
	defer cleanup()
	client := srv.Client()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects/demo", nil)
	res, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// health stays open
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/health", nil)
	res, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}

	plaintext, _, err := srv.Engine.CreateAPIKey(context.Background(), "bot", "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/projects/demo", nil)
	req.Header.Set("X-Api-Key", plaintext)
	res, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with api key, got %d", res.StatusCode)
	}
}
