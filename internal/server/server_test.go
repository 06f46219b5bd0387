package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"mailmerge/internal/crypto"
	"mailmerge/internal/db"
	"mailmerge/internal/domain"
	"mailmerge/internal/engine"
	"mailmerge/internal/mail"
	"mailmerge/internal/migrate"
	"mailmerge/internal/storage"
)

type fakeDispatcher struct{}

func (fakeDispatcher) Send(ctx context.Context, msg mail.Outgoing) (string, error) {
	return "id@test", nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := storage.NewLocal(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	codec, err := crypto.NewCodec("test-key")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	e := engine.New(conn, store, fakeDispatcher{}, codec, nil, filepath.Join(dir, "work"))
	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: "test-secret", TokenTTL: time.Hour},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func (s *testServer) doJSON(t *testing.T, method, path string, body any, token string) (*http.Response, []byte) {
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
	req, err := http.NewRequest(method, s.URL+"/v1"+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

// register creates a coordinator directly through the engine and logs in
// over HTTP, returning a valid bearer token.
func (s *testServer) register(t *testing.T, account string) string {
	t.Helper()
	_, err := s.Engine.CreateCoordinator(context.Background(), engine.CoordinatorCreateOptions{
		Name: account, Account: account, Password: "pw-" + account, Email: account + "@example.com",
	})
	if err != nil {
		t.Fatalf("create coordinator: %v", err)
	}
	resp, body := s.doJSON(t, http.MethodPost, "/login", map[string]string{
		"account": account, "password": "pw-" + account,
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %s", resp.StatusCode, body)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return out.Token
}

func (s *testServer) createTemplate(t *testing.T, token string) string {
	t.Helper()
	resp, body := s.doJSON(t, http.MethodPost, "/templates", map[string]any{
		"name": "headcount",
		"fields": []map[string]string{
			{"display_name": "Name", "rule": `{"type":"TEXT","required":true}`},
			{"display_name": "Age", "rule": `{"type":"INTEGER"}`},
		},
	}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create template: %d %s", resp.StatusCode, body)
	}
	var tmpl domain.Template
	if err := json.Unmarshal(body, &tmpl); err != nil {
		t.Fatalf("decode template: %v", err)
	}
	return tmpl.ID
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.doJSON(t, http.MethodGet, "/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", resp.StatusCode, body)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice")
	resp, _ := s.doJSON(t, http.MethodPost, "/login", map[string]string{
		"account": "alice", "password": "wrong",
	}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.doJSON(t, http.MethodGet, "/tasks", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp, _ = s.doJSON(t, http.MethodGet, "/tasks", nil, "not-a-jwt")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", resp.StatusCode)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "alice")
	tmplID := s.createTemplate(t, token)

	resp, body := s.doJSON(t, http.MethodPost, "/recipients", map[string]string{
		"name": "Li", "email": "li@example.com",
	}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create recipient: %d %s", resp.StatusCode, body)
	}
	var rec domain.Recipient
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatal(err)
	}

	resp, body = s.doJSON(t, http.MethodPost, "/tasks", map[string]any{
		"name": "survey-1", "template_id": tmplID,
	}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", resp.StatusCode, body)
	}
	var task domain.Task
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskDraft {
		t.Fatalf("new task should be DRAFT, got %s", task.Status)
	}

	resp, body = s.doJSON(t, http.MethodPost, "/tasks/"+task.ID+"/targets", map[string]string{
		"recipient_id": rec.ID,
	}, token)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("add target: %d %s", resp.StatusCode, body)
	}

	resp, body = s.doJSON(t, http.MethodPost, "/tasks/"+task.ID+"/activate", nil, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate: %d %s", resp.StatusCode, body)
	}
	var activated domain.Task
	if err := json.Unmarshal(body, &activated); err != nil {
		t.Fatal(err)
	}
	if activated.Status != domain.TaskActive {
		t.Fatalf("expected ACTIVE, got %s", activated.Status)
	}

	// Editing an active task is refused.
	resp, _ = s.doJSON(t, http.MethodPatch, "/tasks/"+task.ID, map[string]string{
		"name": "renamed",
	}, token)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 editing an active task, got %d", resp.StatusCode)
	}

	resp, body = s.doJSON(t, http.MethodPost, "/tasks/"+task.ID+"/close", nil, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close: %d %s", resp.StatusCode, body)
	}
	var closed domain.Task
	if err := json.Unmarshal(body, &closed); err != nil {
		t.Fatal(err)
	}
	// No replies arrived, so closing aggregates an empty artifact.
	if closed.Status != domain.TaskAggregated {
		t.Fatalf("expected AGGREGATED after close, got %s", closed.Status)
	}

	resp, body = s.doJSON(t, http.MethodGet, "/tasks/"+task.ID+"/aggregation", nil, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get aggregation: %d %s", resp.StatusCode, body)
	}
	var agg domain.Aggregation
	if err := json.Unmarshal(body, &agg); err != nil {
		t.Fatal(err)
	}
	if agg.RecordCount != 0 {
		t.Fatalf("expected empty aggregation, got %d records", agg.RecordCount)
	}
}

func TestTasksAreScopedToTheirCoordinator(t *testing.T) {
	s := newTestServer(t)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")
	tmplID := s.createTemplate(t, alice)

	resp, body := s.doJSON(t, http.MethodPost, "/tasks", map[string]any{
		"name": "private", "template_id": tmplID,
	}, alice)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", resp.StatusCode, body)
	}
	var task domain.Task
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatal(err)
	}

	resp, _ = s.doJSON(t, http.MethodGet, "/tasks/"+task.ID, nil, bob)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign task should read as 404, got %d", resp.StatusCode)
	}

	resp, body = s.doJSON(t, http.MethodGet, "/tasks", nil, bob)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", resp.StatusCode, body)
	}
	var listed struct {
		Tasks []domain.Task `json:"tasks"`
	}
	if err := json.Unmarshal(body, &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Tasks) != 0 {
		t.Fatalf("bob should see no tasks, got %d", len(listed.Tasks))
	}
}

func TestTemplateFieldEditRefusedOnceReferenced(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "alice")
	tmplID := s.createTemplate(t, token)

	resp, body := s.doJSON(t, http.MethodPost, "/tasks", map[string]any{
		"name": "survey-1", "template_id": tmplID,
	}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", resp.StatusCode, body)
	}

	resp, _ = s.doJSON(t, http.MethodPut, "/templates/"+tmplID+"/fields", map[string]any{
		"fields": []map[string]string{{"display_name": "Other"}},
	}, token)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 editing referenced template, got %d", resp.StatusCode)
	}
}

func TestValidationErrorsUseEnvelope(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "alice")

	resp, body := s.doJSON(t, http.MethodPost, "/tasks", map[string]any{
		"name": "", "template_id": "",
	}, token)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, body)
	}
	if envelope.Error.Code != "bad_request" || envelope.Error.Message == "" {
		t.Fatalf("unexpected envelope %+v", envelope)
	}
}
