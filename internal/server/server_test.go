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

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"modelsync/internal/db"
	"modelsync/internal/migrate"
	"modelsync/internal/session"
	"modelsync/internal/store"
)

const (
	testSecret   = "test-secret"
	testUser     = "alice"
	testPassword = "s3cret"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	handler, err := New(Config{
		Store:    store.New(conn),
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret: testSecret,
			Users:     map[string]string{testUser: string(hash)},
			TokenTTL:  time.Hour,
		},
		Logger: zerolog.Nop(),
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
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
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

func login(t *testing.T, srv *testServer) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", LoginRequest{Username: testUser, Password: testPassword}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if out.Token == "" {
		t.Fatalf("empty token")
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error body %s: %v", string(data), err)
	}
	return body.Error.Code
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, map[string]string{"Authorization": "Bearer junk"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected 401 invalid_credentials, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", LoginRequest{Username: testUser, Password: "wrong"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d: %s", res.StatusCode, string(data))
	}
	headers := login(t, srv)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events with token: %d %s", res.StatusCode, string(data))
	}
}

func TestObjectLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := login(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/objects/class", CommitRequest{
		Fields: map[string]any{"Name": "Device", "Abstract": true, "Base": nil},
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create class status %d: %s", res.StatusCode, string(data))
	}
	var created session.CommitResult
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal commit: %v", err)
	}
	if !created.Created || created.Ref.ID == "" {
		t.Fatalf("unexpected commit result %+v", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/objects/class/lookup?name=Device", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lookup status %d: %s", res.StatusCode, string(data))
	}
	var found LookupResponse
	if err := json.Unmarshal(data, &found); err != nil {
		t.Fatalf("unmarshal lookup: %v", err)
	}
	if !found.Found || found.Object == nil || found.Object.ID != created.Ref.ID {
		t.Fatalf("lookup mismatch: %+v", found)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/objects/class/lookup?name=Pump", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lookup missing status %d: %s", res.StatusCode, string(data))
	}
	found = LookupResponse{}
	_ = json.Unmarshal(data, &found)
	if found.Found {
		t.Fatalf("expected not found, got %+v", found)
	}

	// same values again: no delta
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/objects/class/"+created.Ref.ID, CommitRequest{
		Fields: map[string]any{"Abstract": true},
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	var updated session.CommitResult
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	if updated.Created || len(updated.Changed) != 0 {
		t.Fatalf("expected no change, got %+v", updated)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/objects/class", CommitRequest{
		Fields: map[string]any{"Name": "Device", "Abstract": false},
	}, headers)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "commit_rejected" {
		t.Fatalf("expected 422 commit_rejected, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/objects/class/does-not-exist", nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/objects/class/query", QueryRequest{
		Where: map[string]any{"Colour": "red"},
	}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=class", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts EventList
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts.Items) != 2 {
		t.Fatalf("expected 2 class events, got %d", len(evts.Items))
	}
	if evts.Items[1].Type != "object.created" || evts.Items[1].ActorID != testUser {
		t.Fatalf("unexpected first event %+v", evts.Items[1])
	}
}

func TestParseUsers(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users, err := ParseUsers([]string{"bob:" + string(hash), " "})
	if err != nil {
		t.Fatalf("parse users: %v", err)
	}
	if users["bob"] != string(hash) {
		t.Fatalf("unexpected users %v", users)
	}
	for _, bad := range []string{"bob", "bob:", ":x", "bob:not-a-hash"} {
		if _, err := ParseUsers([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
