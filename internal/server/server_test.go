package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"todoline/internal/domain"
	"todoline/internal/engine"
	"todoline/internal/registry"
	"todoline/internal/repo"
	"todoline/internal/scheduler"
	todolinesdk "todoline/sdk/go"
)

const testSecret = "test-secret"

var (
	owner    = domain.Tenant{ServerID: 900000000000000001, ChannelID: 2, UserID: 3}
	neighbor = domain.Tenant{ServerID: 900000000000000001, ChannelID: 2, UserID: 4}
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
	now := time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := repo.Open(context.Background(), repo.Config{
		Path:   filepath.Join(t.TempDir(), "tasks.db"),
		Now:    clock,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	e := engine.New(r, registry.New(logger))
	e.Now = clock
	e.Logger = logger
	e.CallbackHosts = []string{"127.0.0.1"}
	e.Scheduler = scheduler.New(scheduler.Config{Store: r, Now: clock, Logger: logger, OnRollover: e.NotifyDate})
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, DevLogin: true},
		Logger:   logger,
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
			r.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func tokenFor(t *testing.T, tenant domain.Tenant, roles ...string) string {
	t.Helper()
	token, err := SignToken(testSecret, tenant, roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func sdkFor(t *testing.T, srv *testServer, tenant domain.Tenant, roles ...string) *todolinesdk.Client {
	c := todolinesdk.New(srv.URL, tokenFor(t, tenant, roles...))
	c.HTTPClient = srv.Client()
	return c
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

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func apiStatus(t *testing.T, err error) int {
	t.Helper()
	var apiErr *todolinesdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	return apiErr.StatusCode
}

func TestHealthIsPublicAndRestRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected 401 invalid_credentials, got %d: %s", res.StatusCode, string(data))
	}
	wrong, err := signToken("other-secret", owner, nil, time.Now(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, bearer(wrong))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("token signed with another secret accepted: %d", res.StatusCode)
	}
	expired, err := signToken(testSecret, owner, nil, time.Now().Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, bearer(expired))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expired token accepted: %d", res.StatusCode)
	}
}

func TestTaskLifecycleThroughSDK(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	c := sdkFor(t, srv, owner)

	a, err := c.AddTask(ctx, "write report", "a", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if a.ID == 0 || a.Priority != "A" || a.TaskDate != "2024-06-02" || a.ServerID != owner.ServerID || a.UserID != owner.UserID {
		t.Fatalf("unexpected task: %+v", a)
	}
	b, err := c.AddTask(ctx, "water plants", "C", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := c.AddTask(ctx, "tomorrow thing", "B", "2024-06-03"); err != nil {
		t.Fatalf("add dated: %v", err)
	}

	list, err := c.ListTasks(ctx, "", true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.Date != "2024-06-02" || len(list.Tasks) != 2 || list.Tasks[0].ID != a.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	desc := "water all plants"
	prio := "A"
	edited, err := c.EditTask(ctx, b.ID, &desc, &prio)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Description != desc || edited.Priority != "A" {
		t.Fatalf("edit not applied: %+v", edited)
	}

	done, err := c.MarkDone(ctx, a.ID)
	if err != nil || !done.Done {
		t.Fatalf("done: %+v %v", done, err)
	}
	open, err := c.ListTasks(ctx, "", false)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open.Tasks) != 1 || open.Tasks[0].ID != b.ID {
		t.Fatalf("done task should be hidden: %+v", open.Tasks)
	}
	undone, err := c.MarkUndone(ctx, a.ID)
	if err != nil || undone.Done {
		t.Fatalf("undone: %+v %v", undone, err)
	}
	if _, err := c.MarkDone(ctx, a.ID); err != nil {
		t.Fatalf("done again: %v", err)
	}
	cleared, err := c.ClearCompleted(ctx, "")
	if err != nil || cleared != 1 {
		t.Fatalf("clear completed = %d, %v", cleared, err)
	}
	if _, err := c.GetTask(ctx, a.ID); apiStatus(t, err) != http.StatusNotFound {
		t.Fatalf("cleared task still readable")
	}

	deleted, err := c.DeleteTask(ctx, b.ID)
	if err != nil || deleted.ID != b.ID {
		t.Fatalf("delete: %+v %v", deleted, err)
	}
	if _, err := c.DeleteTask(ctx, b.ID); apiStatus(t, err) != http.StatusNotFound {
		t.Fatalf("second delete should be 404")
	}
}

func TestValidationErrorsAreBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	h := bearer(tokenFor(t, owner))

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		field  string
	}{
		{"blank description", http.MethodPost, "/v0/tasks", map[string]any{"description": "   ", "priority": "A"}, "description"},
		{"long description", http.MethodPost, "/v0/tasks", map[string]any{"description": strings.Repeat("x", 501), "priority": "A"}, "description"},
		{"bad priority", http.MethodPost, "/v0/tasks", map[string]any{"description": "ok", "priority": "D"}, "priority"},
		{"bad date", http.MethodPost, "/v0/tasks", map[string]any{"description": "ok", "priority": "A", "date": "06/02/2024"}, "date"},
		{"empty edit", http.MethodPatch, "/v0/tasks/1", map[string]any{}, "task"},
		{"non-positive id", http.MethodGet, "/v0/tasks/0", nil, "task_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, srv.Client(), tc.method, srv.URL+tc.path, tc.body, h)
			if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
				t.Fatalf("expected 400 bad_request, got %d: %s", res.StatusCode, string(data))
			}
			if !strings.Contains(string(data), tc.field) {
				t.Fatalf("error should name %q: %s", tc.field, string(data))
			}
		})
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/999", nil, h)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404 not_found, got %d: %s", res.StatusCode, string(data))
	}
}

func TestTasksAreTenantScoped(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	mine := sdkFor(t, srv, owner)
	theirs := sdkFor(t, srv, neighbor)

	task, err := mine.AddTask(ctx, "private", "B", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := theirs.GetTask(ctx, task.ID); apiStatus(t, err) != http.StatusNotFound {
		t.Fatalf("other user read the task")
	}
	if _, err := theirs.MarkDone(ctx, task.ID); apiStatus(t, err) != http.StatusNotFound {
		t.Fatalf("other user completed the task")
	}
	list, err := theirs.ListTasks(ctx, "", true)
	if err != nil || len(list.Tasks) != 0 {
		t.Fatalf("other user list = %+v, %v", list, err)
	}
	got, err := mine.GetTask(ctx, task.ID)
	if err != nil || got.Done {
		t.Fatalf("owner task changed: %+v %v", got, err)
	}
}

func TestMaintenanceRequiresAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	user := sdkFor(t, srv, owner)
	admin := sdkFor(t, srv, domain.Tenant{UserID: 1}, RoleAdmin)

	if _, err := user.AddTask(ctx, "carry me", "A", "2024-06-01"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := user.AddTask(ctx, "ancient", "C", "2024-05-01"); err != nil {
		t.Fatalf("add old: %v", err)
	}
	if _, err := user.Rollover(ctx, "2024-06-01", "2024-06-02"); apiStatus(t, err) != http.StatusForbidden {
		t.Fatalf("rollover without admin role should be forbidden")
	}
	res, err := admin.Rollover(ctx, "", "")
	if err != nil || res.Moved != 1 {
		t.Fatalf("rollover = %+v, %v", res, err)
	}
	if res.From != "2024-06-01" || res.To != "2024-06-02" {
		t.Fatalf("rollover should report the resolved dates: %+v", res)
	}
	res, err = admin.Rollover(ctx, "2024-06-01", "2024-06-02")
	if err != nil || res.Moved != 0 {
		t.Fatalf("repeat rollover = %+v, %v", res, err)
	}
	if _, err := admin.Rollover(ctx, "yesterday", ""); apiStatus(t, err) != http.StatusBadRequest {
		t.Fatalf("bad rollover date should be 400")
	}
	list, err := user.ListTasks(ctx, "", true)
	if err != nil || len(list.Tasks) != 1 || list.Tasks[0].Description != "carry me" {
		t.Fatalf("rolled list = %+v, %v", list, err)
	}

	if _, err := user.Cleanup(ctx, 30); apiStatus(t, err) != http.StatusForbidden {
		t.Fatalf("cleanup without admin role should be forbidden")
	}
	removed, err := admin.Cleanup(ctx, 30)
	if err != nil || removed != 1 {
		t.Fatalf("cleanup removed %d, %v", removed, err)
	}

	if _, err := user.Status(ctx); apiStatus(t, err) != http.StatusForbidden {
		t.Fatalf("status without admin role should be forbidden")
	}
	st, err := admin.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.TotalTasks != 2 || st.UniqueUsers != 1 || st.SchemaVersion < 1 || st.SchemaVersion != st.LatestSchema {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestSessionsRefreshAndEnforceOwnership(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	mine := sdkFor(t, srv, owner)
	theirs := sdkFor(t, srv, neighbor)

	sess, err := mine.OpenSession(ctx, todolinesdk.SessionOptions{})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if sess.ID == "" || !strings.Contains(sess.Content.Text, "No tasks for today") {
		t.Fatalf("unexpected session: %+v", sess)
	}
	task, err := mine.AddTask(ctx, "shown live", "A", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := mine.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if !strings.Contains(got.Content.Text, "shown live") || len(got.Content.Buttons) != 1 {
		t.Fatalf("session not refreshed by add: %+v", got.Content)
	}

	if _, _, err := theirs.Toggle(ctx, sess.ID, task.ID); apiStatus(t, err) != http.StatusForbidden {
		t.Fatalf("non-owner toggle should be forbidden")
	}
	if _, err := theirs.Session(ctx, sess.ID); apiStatus(t, err) != http.StatusForbidden {
		t.Fatalf("non-owner read should be forbidden")
	}

	toggled, content, err := mine.Toggle(ctx, sess.ID, task.ID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !toggled.Done || !strings.Contains(content.Text, "~~") || content.Buttons[0].Label != "Undo" {
		t.Fatalf("toggle result: %+v %+v", toggled, content)
	}

	if err := mine.CloseSession(ctx, sess.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := mine.Session(ctx, sess.ID); apiStatus(t, err) != http.StatusNotFound {
		t.Fatalf("closed session should be gone")
	}
}

func TestSessionCallbacksAreRestricted(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	h := bearer(tokenFor(t, owner))

	var hits atomic.Int32
	hook := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go hook.Serve(ln)
	defer hook.Shutdown(context.Background())

	cases := []struct {
		name string
		body map[string]any
	}{
		{"metadata address", map[string]any{"callback_url": "http://169.254.169.254/latest/meta-data"}},
		{"private host", map[string]any{"callback_url": "http://10.0.0.7:8080/hook"}},
		{"non-http scheme", map[string]any{"callback_url": "file:///etc/passwd"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", tc.body, h)
			if res.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "callback_url") {
				t.Fatalf("expected 400 naming callback_url, got %d: %s", res.StatusCode, string(data))
			}
		})
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", map[string]any{"ttl_seconds": 10 * 365 * 24 * 3600}, h)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("multi-year ttl accepted: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"callback_url": "http://" + ln.Addr().String() + "/hook",
	}, h)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("allowed callback rejected: %d %s", res.StatusCode, string(data))
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("callback hits = %d, want 1", n)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"server_id":  owner.ServerID,
		"channel_id": owner.ChannelID,
		"user_id":    owner.UserID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("dev login body %s: %v", string(data), err)
	}
	p, err := authenticateJWT(login.Token, testSecret)
	if err != nil {
		t.Fatalf("minted token invalid: %v", err)
	}
	if p.Tenant != owner {
		t.Fatalf("tenant = %+v, want %+v", p.Tenant, owner)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"server_id": 1}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("login without user should be 400, got %d: %s", res.StatusCode, string(data))
	}
}
