package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-quest/internal/buffer"
	"github.com/basket/go-quest/internal/bus"
	"github.com/basket/go-quest/internal/calendar"
	"github.com/basket/go-quest/internal/config"
	"github.com/basket/go-quest/internal/gateway"
	"github.com/basket/go-quest/internal/lifecycle"
	"github.com/basket/go-quest/internal/persistence"
)

// 2026-10-14 is a Wednesday.
var testNow = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

type testServer struct {
	*httptest.Server
	store *persistence.Store
	bus   *bus.Bus
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "goquest.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestServer(t *testing.T, mutate func(*gateway.Config)) *testServer {
	t.Helper()
	store := openTestStore(t)
	b := bus.New()
	now := func() time.Time { return testNow }
	m := buffer.New(buffer.Config{Store: store, Bus: b, DefaultTimeZone: "UTC"})
	svc := lifecycle.New(lifecycle.Config{
		Store:           store,
		Bus:             b,
		Filler:          m,
		DefaultTimeZone: "UTC",
		Now:             now,
	})
	cfg := gateway.Config{
		Store:             store,
		Tasks:             svc,
		Buffer:            m,
		Bus:               b,
		DefaultTimeZone:   "UTC",
		ConfigFingerprint: "cfg-test",
		Now:               now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, bus: b}
}

type reqOpt func(*http.Request)

func asUser(id string) reqOpt {
	return func(r *http.Request) { r.Header.Set(gateway.HeaderUserID, id) }
}

func withBearer(token string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func (ts *testServer) do(t *testing.T, method, path, body string, opts ...reqOpt) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field"`
}

type taskEnvelope struct {
	Task  persistence.Task `json:"task"`
	State lifecycle.State  `json:"state"`
}

type taskList struct {
	Tasks []persistence.Task `json:"tasks"`
}

func expectStatus(t *testing.T, resp *http.Response, raw []byte, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, want, raw)
	}
}

func TestTaskCRUD(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := asUser("alice")

	resp, raw := ts.do(t, "POST", "/api/tasks", `{"title":"Chore","category":"home","startDate":"2026-10-15"}`, alice)
	expectStatus(t, resp, raw, http.StatusCreated)
	created := decode[lifecycle.Result](t, raw)
	if created.Transition != lifecycle.TransitionCreate || created.Task == nil {
		t.Fatalf("create result = %s", raw)
	}
	id := created.Task.ID

	resp, raw = ts.do(t, "GET", "/api/tasks/"+id, "", alice)
	expectStatus(t, resp, raw, http.StatusOK)
	got := decode[taskEnvelope](t, raw)
	if got.State != lifecycle.StateOneTime || got.Task.Title != "Chore" {
		t.Fatalf("get = %s", raw)
	}

	resp, raw = ts.do(t, "PATCH", "/api/tasks/"+id, `{"title":"Laundry"}`, alice)
	expectStatus(t, resp, raw, http.StatusOK)
	if res := decode[lifecycle.Result](t, raw); res.Task.Title != "Laundry" {
		t.Fatalf("patched title = %q", res.Task.Title)
	}

	resp, raw = ts.do(t, "GET", "/api/tasks", "", alice)
	expectStatus(t, resp, raw, http.StatusOK)
	if list := decode[taskList](t, raw); len(list.Tasks) != 1 {
		t.Fatalf("list = %s", raw)
	}

	resp, raw = ts.do(t, "DELETE", "/api/tasks/"+id, "", alice)
	expectStatus(t, resp, raw, http.StatusOK)

	resp, raw = ts.do(t, "GET", "/api/tasks/"+id, "", alice)
	expectStatus(t, resp, raw, http.StatusNotFound)
}

func TestListTasksEmptyIsArray(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, raw := ts.do(t, "GET", "/api/tasks", "", asUser("alice"))
	expectStatus(t, resp, raw, http.StatusOK)
	if !bytes.Contains(raw, []byte(`"tasks":[]`)) {
		t.Fatalf("body = %s, want empty array", raw)
	}
}

func TestCreateRecurringFillsBuffer(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := asUser("alice")

	resp, raw := ts.do(t, "POST", "/api/tasks", `{"title":"Gym","startDate":"2026-10-14",
		"recurrence":"weekly","recurrenceDays":[1,3],"timesOfDay":["07:00"]}`, alice)
	expectStatus(t, resp, raw, http.StatusCreated)
	res := decode[lifecycle.Result](t, raw)
	if res.Generated != 12 || !res.Task.IsTemplate {
		t.Fatalf("create = %s", raw)
	}

	resp, raw = ts.do(t, "GET", "/api/tasks?seriesId="+res.Task.ID, "", alice)
	expectStatus(t, resp, raw, http.StatusOK)
	list := decode[taskList](t, raw)
	if len(list.Tasks) != 12 {
		t.Fatalf("instances = %d, want 12", len(list.Tasks))
	}
	if list.Tasks[0].StartDate == nil || *list.Tasks[0].StartDate != "2026-10-14" {
		t.Fatalf("first instance = %+v", list.Tasks[0])
	}

	resp, raw = ts.do(t, "GET", "/api/tasks?seriesId="+res.Task.ID+"&includeTemplates=true&to=2026-10-19", "", alice)
	expectStatus(t, resp, raw, http.StatusOK)
	// Template (anchored 10-14) plus the 10-14 and 10-19 instances.
	if list := decode[taskList](t, raw); len(list.Tasks) != 3 {
		t.Fatalf("bounded list = %d rows: %s", len(list.Tasks), raw)
	}

	// Editing one instance with a pattern field is refused.
	inst := list.Tasks[1]
	resp, raw = ts.do(t, "PATCH", "/api/tasks/"+inst.ID+"?scope=single", `{"recurrenceDays":[2]}`, alice)
	expectStatus(t, resp, raw, http.StatusUnprocessableEntity)

	resp, raw = ts.do(t, "PATCH", "/api/tasks/"+inst.ID+"?scope=single", `{"title":"Leg day"}`, alice)
	expectStatus(t, resp, raw, http.StatusOK)
	if res := decode[lifecycle.Result](t, raw); !res.Task.IsEditedInstance {
		t.Fatalf("edited = %s", raw)
	}

	resp, raw = ts.do(t, "DELETE", "/api/tasks/"+inst.ID+"?scope=series", "", alice)
	expectStatus(t, resp, raw, http.StatusOK)
	resp, raw = ts.do(t, "GET", "/api/tasks?includeTemplates=true", "", alice)
	expectStatus(t, resp, raw, http.StatusOK)
	if list := decode[taskList](t, raw); len(list.Tasks) != 0 {
		t.Fatalf("after series delete = %s", raw)
	}
}

func TestValidationErrorsNameField(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := asUser("alice")

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		field  string
	}{
		{"empty title", "POST", "/api/tasks", `{"title":"  "}`, "title"},
		{"missing title", "POST", "/api/tasks", `{"category":"x"}`, "title"},
		{"bad date", "POST", "/api/tasks", `{"title":"x","startDate":"10/14/2026"}`, "startDate"},
		{"wrong type", "POST", "/api/tasks", `{"title":"x","xpValue":"lots"}`, "xpValue"},
		{"weekday range", "POST", "/api/tasks", `{"title":"x","recurrence":"weekly","recurrenceDays":[9]}`, "recurrenceDays"},
		{"bad scope", "DELETE", "/api/tasks/abc?scope=everything", "", "scope"},
		{"bad list bound", "GET", "/api/tasks?from=tomorrow", "", "from"},
		{"bad bool", "GET", "/api/tasks?includeTemplates=maybe", "", "includeTemplates"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := ts.do(t, tc.method, tc.path, tc.body, alice)
			expectStatus(t, resp, raw, http.StatusBadRequest)
			if got := decode[errorBody](t, raw); got.Field != tc.field {
				t.Fatalf("field = %q, want %q (%s)", got.Field, tc.field, raw)
			}
		})
	}
}

func TestMalformedJSONIsBadRequest(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, raw := ts.do(t, "POST", "/api/tasks", `{"title":`, asUser("alice"))
	expectStatus(t, resp, raw, http.StatusBadRequest)
}

func TestTasksAreScopedToUser(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, raw := ts.do(t, "POST", "/api/tasks", `{"title":"Private"}`, asUser("alice"))
	expectStatus(t, resp, raw, http.StatusCreated)
	id := decode[lifecycle.Result](t, raw).Task.ID

	bob := asUser("bob")
	resp, raw = ts.do(t, "GET", "/api/tasks/"+id, "", bob)
	expectStatus(t, resp, raw, http.StatusNotFound)
	resp, raw = ts.do(t, "PATCH", "/api/tasks/"+id, `{"title":"Mine now"}`, bob)
	expectStatus(t, resp, raw, http.StatusNotFound)
	resp, raw = ts.do(t, "DELETE", "/api/tasks/"+id, "", bob)
	expectStatus(t, resp, raw, http.StatusNotFound)
	resp, raw = ts.do(t, "GET", "/api/tasks/"+id+"/audit", "", bob)
	expectStatus(t, resp, raw, http.StatusNotFound)
}

func TestMissingUserIsUnauthorized(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, raw := ts.do(t, "GET", "/api/tasks", "")
	expectStatus(t, resp, raw, http.StatusUnauthorized)
}

func TestTaskAudit(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := asUser("alice")
	resp, raw := ts.do(t, "POST", "/api/tasks", `{"title":"Chore"}`, alice)
	expectStatus(t, resp, raw, http.StatusCreated)
	id := decode[lifecycle.Result](t, raw).Task.ID

	if err := ts.store.AppendAudit(context.Background(), persistence.AuditRecord{
		TraceID: "trace-1", Subject: "alice", Action: "task.created", TaskID: id,
	}); err != nil {
		t.Fatalf("append audit: %v", err)
	}

	resp, raw = ts.do(t, "GET", "/api/tasks/"+id+"/audit", "", alice)
	expectStatus(t, resp, raw, http.StatusOK)
	got := decode[struct {
		Audit []persistence.AuditRecord `json:"audit"`
	}](t, raw)
	if len(got.Audit) != 1 || got.Audit[0].Action != "task.created" {
		t.Fatalf("audit = %s", raw)
	}
}

func TestBufferTrigger(t *testing.T) {
	ts := newTestServer(t, func(c *gateway.Config) { c.CronSecret = "s3cret" })

	resp, raw := ts.do(t, "POST", "/api/tasks", `{"title":"Read","recurrence":"daily","timesOfDay":["21:00"]}`, asUser("alice"))
	expectStatus(t, resp, raw, http.StatusCreated)

	resp, raw = ts.do(t, "POST", "/api/jobs/buffer", "")
	expectStatus(t, resp, raw, http.StatusUnauthorized)
	resp, raw = ts.do(t, "GET", "/api/jobs/buffer", "", withBearer("wrong"))
	expectStatus(t, resp, raw, http.StatusUnauthorized)

	resp, raw = ts.do(t, "GET", "/api/jobs/buffer", "", withBearer("s3cret"))
	expectStatus(t, resp, raw, http.StatusOK)
	summary := decode[buffer.Summary](t, raw)
	if !summary.Success || summary.Processed != 1 {
		t.Fatalf("summary = %s", raw)
	}
	if !summary.Timestamp.Equal(testNow) {
		t.Fatalf("timestamp = %v, want %v", summary.Timestamp, testNow)
	}

	runs, err := ts.store.RecentBufferRuns(context.Background(), 5)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Trigger != gateway.TriggerHTTP {
		t.Fatalf("runs = %+v", runs)
	}
}

type busyRunner struct{}

func (busyRunner) Run(context.Context, time.Time, string) (buffer.Summary, error) {
	return buffer.Summary{}, buffer.ErrRunInProgress
}

func (busyRunner) LastSummary() *buffer.Summary { return nil }

func TestBufferTriggerRunInProgress(t *testing.T) {
	ts := newTestServer(t, func(c *gateway.Config) { c.Buffer = busyRunner{} })
	resp, raw := ts.do(t, "POST", "/api/jobs/buffer", "")
	expectStatus(t, resp, raw, http.StatusConflict)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, raw := ts.do(t, "GET", "/healthz", "")
	expectStatus(t, resp, raw, http.StatusOK)
	body := decode[map[string]any](t, raw)
	if body["healthy"] != true || body["config_fingerprint"] != "cfg-test" {
		t.Fatalf("healthz = %s", raw)
	}
	if _, ok := body["last_buffer_run"]; ok {
		t.Fatal("last_buffer_run reported before any run")
	}

	ts.do(t, "POST", "/api/jobs/buffer", "")
	_, raw = ts.do(t, "GET", "/healthz", "")
	if body := decode[map[string]any](t, raw); body["last_buffer_run"] == nil {
		t.Fatalf("healthz after run = %s", raw)
	}
}

func TestHealthzReportsDatabaseDown(t *testing.T) {
	ts := newTestServer(t, nil)
	_ = ts.store.Close()
	resp, raw := ts.do(t, "GET", "/healthz", "")
	expectStatus(t, resp, raw, http.StatusServiceUnavailable)
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.bus.Subscribe("task.")

	resp, raw := ts.do(t, "GET", "/metrics", "")
	expectStatus(t, resp, raw, http.StatusOK)
	body := decode[map[string]any](t, raw)
	for _, key := range []string{"counters", "bus_dropped_events", "bus_subscribers", "goroutines", "recent_buffer_runs"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("metrics missing %q: %s", key, raw)
		}
	}
	if body["bus_subscribers"] != float64(1) {
		t.Fatalf("bus_subscribers = %v", body["bus_subscribers"])
	}
}

func TestUserPreferences(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := asUser("alice")

	resp, raw := ts.do(t, "GET", "/api/users/me", "", alice)
	expectStatus(t, resp, raw, http.StatusOK)
	if u := decode[persistence.User](t, raw); u.TimeZone != "UTC" || u.ID != "alice" {
		t.Fatalf("default user = %s", raw)
	}

	resp, raw = ts.do(t, "PUT", "/api/users/me", `{"timezone":"Mars/Olympus"}`, alice)
	expectStatus(t, resp, raw, http.StatusBadRequest)
	if got := decode[errorBody](t, raw); got.Field != "timezone" {
		t.Fatalf("field = %q", got.Field)
	}
	resp, raw = ts.do(t, "PUT", "/api/users/me", `{}`, alice)
	expectStatus(t, resp, raw, http.StatusBadRequest)

	resp, raw = ts.do(t, "PUT", "/api/users/me", `{"timezone":"Europe/Berlin","displayName":"Alice"}`, alice)
	expectStatus(t, resp, raw, http.StatusOK)
	if u := decode[persistence.User](t, raw); u.TimeZone != "Europe/Berlin" || u.DisplayName != "Alice" {
		t.Fatalf("stored user = %s", raw)
	}

	// Today is computed in the stored zone: 09:30 UTC is 11:30 in Berlin.
	resp, raw = ts.do(t, "POST", "/api/tasks", `{"title":"Walk","recurrence":"daily","timesOfDay":["12:00"]}`, alice)
	expectStatus(t, resp, raw, http.StatusCreated)
	tmpl := decode[lifecycle.Result](t, raw).Task
	if tmpl.Pattern == nil || tmpl.Pattern.StartDate != "2026-10-14" {
		t.Fatalf("template = %s", raw)
	}
}

func TestCalendarFeed(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := asUser("alice")
	resp, raw := ts.do(t, "POST", "/api/tasks", `{"title":"Gym","startDate":"2026-10-14",
		"recurrence":"weekly","recurrenceDays":[1,3],"timesOfDay":["07:00"]}`, alice)
	expectStatus(t, resp, raw, http.StatusCreated)

	resp, raw = ts.do(t, "GET", "/api/calendar.ics", "", alice)
	expectStatus(t, resp, raw, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != calendar.ContentType {
		t.Fatalf("content type = %q", ct)
	}
	body := string(raw)
	for _, want := range []string{"BEGIN:VCALENDAR", "BEGIN:VEVENT", "RRULE:", "SUMMARY:Gym"} {
		if !strings.Contains(body, want) {
			t.Fatalf("calendar missing %q:\n%s", want, body)
		}
	}
}

func TestTraceIDEchoed(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.do(t, "GET", "/healthz", "", func(r *http.Request) { r.Header.Set(gateway.HeaderTraceID, "trace-abc") })
	if got := resp.Header.Get(gateway.HeaderTraceID); got != "trace-abc" {
		t.Fatalf("trace id = %q", got)
	}
	resp, _ = ts.do(t, "GET", "/healthz", "")
	if resp.Header.Get(gateway.HeaderTraceID) == "" {
		t.Fatal("expected a minted trace id")
	}
}

func TestAuthEnabledMapsKeyToUser(t *testing.T) {
	ts := newTestServer(t, func(c *gateway.Config) {
		c.Auth = gateway.NewAuthMiddleware(config.AuthConfig{
			Enabled: true,
			Keys: []config.APIKeyEntry{
				{Name: "alice-phone", Key: "k-alice", UserID: "alice"},
				{Name: "bob-laptop", Key: "k-bob", UserID: "bob"},
			},
		})
	})

	resp, raw := ts.do(t, "POST", "/api/tasks", `{"title":"Chore"}`, withBearer("k-alice"))
	expectStatus(t, resp, raw, http.StatusCreated)
	task := decode[lifecycle.Result](t, raw).Task
	if task.UserID != "alice" {
		t.Fatalf("owner = %q", task.UserID)
	}

	resp, raw = ts.do(t, "GET", "/api/tasks/"+task.ID, "", withBearer("k-bob"))
	expectStatus(t, resp, raw, http.StatusNotFound)

	resp, raw = ts.do(t, "GET", "/api/tasks", "", asUser("alice"))
	expectStatus(t, resp, raw, http.StatusUnauthorized)

	resp, raw = ts.do(t, "GET", "/healthz", "")
	expectStatus(t, resp, raw, http.StatusOK)
}

func TestRequestSizeLimit(t *testing.T) {
	ts := newTestServer(t, func(c *gateway.Config) { c.MaxRequestBytes = 64 })
	body := `{"title":"` + strings.Repeat("x", 200) + `"}`
	resp, raw := ts.do(t, "POST", "/api/tasks", body, asUser("alice"))
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
}

func TestRateLimitAppliesPerUser(t *testing.T) {
	ts := newTestServer(t, func(c *gateway.Config) {
		c.RateLimit = gateway.NewRateLimitMiddleware(config.RateLimitConfig{
			Enabled: true, RequestsPerMinute: 1, BurstSize: 1,
		}, nil)
	})

	resp, raw := ts.do(t, "GET", "/api/tasks", "", asUser("alice"))
	expectStatus(t, resp, raw, http.StatusOK)
	resp, raw = ts.do(t, "GET", "/api/tasks", "", asUser("alice"))
	expectStatus(t, resp, raw, http.StatusTooManyRequests)
	resp, raw = ts.do(t, "GET", "/api/tasks", "", asUser("bob"))
	expectStatus(t, resp, raw, http.StatusOK)
}
