package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"capture_scheduler/core-go/internal/agents"
	"capture_scheduler/core-go/internal/metrics"
	"capture_scheduler/core-go/internal/recording"
	"capture_scheduler/core-go/internal/schedule"
)

type testEnv struct {
	h   *Handler
	now time.Time
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{now: time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.now }

	registry := agents.NewRegistry(agents.NewMemoryStore(), agents.WithClock(clock))
	log := NewLogger(LogConfig{Level: "debug", Output: io.Discard})
	facade := schedule.NewFacade(log, schedule.NewMemoryStore(), registry, schedule.FacadeOptions{
		SerializeByDevice: true,
		Now:               clock,
		Metrics:           opts.Metrics,
	})

	if opts.NewID == nil {
		n := 0
		opts.NewID = func() string {
			n++
			return fmt.Sprintf("evt-%d", n)
		}
	}
	env.h = NewHandler(log, facade, opts)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.h.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode body as json: %v\nbody=%s", err, rr.Body.String())
	}
	return v
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to decode body: %v\nbody=%s", err, rr.Body.String())
	}
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func expectErrorCode(t *testing.T, rr *httptest.ResponseRecorder, want string) map[string]any {
	t.Helper()
	body := decodeBody(t, rr)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got: %v", body)
	}
	if errObj["code"] != want {
		t.Fatalf("expected %s, got %v", want, errObj["code"])
	}
	details, _ := errObj["details"].(map[string]any)
	return details
}

func booking(id, device, start, end string) string {
	if id == "" {
		return fmt.Sprintf(`{"device_id":%q,"start":%q,"end":%q}`, device, start, end)
	}
	return fmt.Sprintf(`{"id":%q,"device_id":%q,"start":%q,"end":%q}`, id, device, start, end)
}

func TestHealthz_SetsRequestID(t *testing.T) {
	env := newTestEnv(t, Options{})
	rr := env.do(t, http.MethodGet, "/healthz", "")
	expectStatus(t, rr, http.StatusOK)

	if got := rr.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("expected json content-type, got %q", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestHealthz_UsesUpstreamRequestID(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	env.h.Router().ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("expected request id to be preserved, got %q", got)
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, Options{})
	expectStatus(t, env.do(t, http.MethodGet, "/readyz", ""), http.StatusOK)

	failing := newTestEnv(t, Options{Ready: func(context.Context) error { return errors.New("connection refused") }})
	rr := failing.do(t, http.MethodGet, "/readyz", "")
	expectStatus(t, rr, http.StatusServiceUnavailable)
	expectErrorCode(t, rr, "store_unavailable")

	bare := NewHandler(NewLogger(LogConfig{Level: "debug", Output: io.Discard}), nil, Options{})
	rr = httptest.NewRecorder()
	bare.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	expectStatus(t, rr, http.StatusServiceUnavailable)
}

func TestEvents_Schedule_MintsID(t *testing.T) {
	env := newTestEnv(t, Options{})
	rr := env.do(t, http.MethodPost, "/api/v1/events",
		`{"device_id":" room-101 ","start":"2024-06-03T09:00:00Z","end":"2024-06-03T10:00:00Z","metadata":{"title":"Lecture 1"}}`)
	expectStatus(t, rr, http.StatusCreated)

	var e schedule.Event
	decodeInto(t, rr, &e)
	if e.ID != "evt-1" || e.DeviceID != "room-101" || e.Metadata["title"] != "Lecture 1" {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.LastModified.IsZero() {
		t.Fatalf("expected the event to be stamped")
	}
}

func TestEvents_Schedule_Conflict(t *testing.T) {
	env := newTestEnv(t, Options{})
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/events",
		booking("a", "room-101", "2024-06-03T09:00:00Z", "2024-06-03T10:00:00Z")), http.StatusCreated)

	rr := env.do(t, http.MethodPost, "/api/v1/events",
		booking("b", "room-101", "2024-06-03T09:30:00Z", "2024-06-03T11:00:00Z"))
	expectStatus(t, rr, http.StatusConflict)
	details := expectErrorCode(t, rr, "conflict")
	conflicts, _ := details["conflicts"].([]any)
	if len(conflicts) != 1 || conflicts[0].(map[string]any)["id"] != "a" {
		t.Fatalf("expected conflict with a, got %v", details["conflicts"])
	}
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/events/b", ""), http.StatusNotFound)

	// Back to back is fine.
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/events",
		booking("c", "room-101", "2024-06-03T10:00:00Z", "2024-06-03T11:00:00Z")), http.StatusCreated)
}

func TestEvents_Schedule_ForceIndexesOverlap(t *testing.T) {
	env := newTestEnv(t, Options{})
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/events",
		booking("a", "room-101", "2024-06-03T09:00:00Z", "2024-06-03T10:00:00Z")), http.StatusCreated)

	rr := env.do(t, http.MethodPost, "/api/v1/events?force=true",
		booking("b", "room-101", "2024-06-03T09:30:00Z", "2024-06-03T11:00:00Z"))
	expectStatus(t, rr, http.StatusCreated)

	rr = env.do(t, http.MethodPost, "/api/v1/events?force=maybe",
		booking("c", "room-101", "2024-06-03T09:30:00Z", "2024-06-03T11:00:00Z"))
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestEvents_Schedule_Validation(t *testing.T) {
	env := newTestEnv(t, Options{})

	tests := []struct {
		name string
		body string
		code string
	}{
		{"unknown field", `{"device_id":"room-101","start":"2024-06-03T09:00:00Z","end":"2024-06-03T10:00:00Z","color":"red"}`, "validation_failed"},
		{"trailing data", booking("a", "room-101", "2024-06-03T09:00:00Z", "2024-06-03T10:00:00Z") + `{}`, "validation_failed"},
		{"end before start", booking("a", "room-101", "2024-06-03T10:00:00Z", "2024-06-03T09:00:00Z"), "invalid_window"},
		{"empty window", booking("a", "room-101", "2024-06-03T10:00:00Z", "2024-06-03T10:00:00Z"), "invalid_window"},
		{"missing end", `{"device_id":"room-101","start":"2024-06-03T09:00:00Z"}`, "invalid_window"},
		{"blank device", booking("a", "  ", "2024-06-03T09:00:00Z", "2024-06-03T10:00:00Z"), "invalid_event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/v1/events", tt.body)
			expectStatus(t, rr, http.StatusBadRequest)
			expectErrorCode(t, rr, tt.code)
		})
	}
}

func TestEvents_Get_NotFound(t *testing.T) {
	env := newTestEnv(t, Options{})
	rr := env.do(t, http.MethodGet, "/api/v1/events/ghost", "")
	expectStatus(t, rr, http.StatusNotFound)
	details := expectErrorCode(t, rr, "not_found")
	if details["id"] != "ghost" {
		t.Fatalf("expected id in details, got %v", details)
	}
}

func TestEvents_Reschedule(t *testing.T) {
	env := newTestEnv(t, Options{})
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/events",
		booking("a", "room-101", "2024-06-03T09:00:00Z", "2024-06-03T10:00:00Z")), http.StatusCreated)
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/events",
		booking("b", "room-101", "2024-06-03T11:00:00Z", "2024-06-03T12:00:00Z")), http.StatusCreated)

	// Extending a into b is rejected.
	rr := env.do(t, http.MethodPut, "/api/v1/events/a", `{"end":"2024-06-03T11:30:00Z"}`)
	expectStatus(t, rr, http.StatusConflict)
	expectErrorCode(t, rr, "conflict")

	// Extending within its own slot never conflicts with itself.
	rr = env.do(t, http.MethodPut, "/api/v1/events/a", `{"end":"2024-06-03T11:00:00Z","metadata":{"title":"Longer"}}`)
	expectStatus(t, rr, http.StatusOK)
	var e schedule.Event
	decodeInto(t, rr, &e)
	want := time.Date(2024, 6, 3, 11, 0, 0, 0, time.UTC)
	if !e.Window.End.Equal(want) || e.Metadata["title"] != "Longer" {
		t.Fatalf("unexpected event after reschedule: %+v", e)
	}

	// Force overrides the check.
	rr = env.do(t, http.MethodPut, "/api/v1/events/a?force=1", `{"end":"2024-06-03T11:30:00Z"}`)
	expectStatus(t, rr, http.StatusOK)

	expectStatus(t, env.do(t, http.MethodPut, "/api/v1/events/ghost", `{"end":"2024-06-03T11:30:00Z"}`), http.StatusNotFound)
}

func TestEvents_DeleteTombstones(t *testing.T) {
	env := newTestEnv(t, Options{})
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/events",
		booking("a", "room-101", "2024-06-03T09:00:00Z", "2024-06-03T10:00:00Z")), http.StatusCreated)

	expectStatus(t, env.do(t, http.MethodDelete, "/api/v1/events/a", ""), http.StatusNoContent)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/events/a", ""), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodDelete, "/api/v1/events/ghost", ""), http.StatusNotFound)

	var page struct {
		Events []schedule.Event `json:"events"`
	}
	rr := env.do(t, http.MethodGet, "/api/v1/events", "")
	expectStatus(t, rr, http.StatusOK)
	decodeInto(t, rr, &page)
	if len(page.Events) != 0 {
		t.Fatalf("tombstones must be hidden by default, got %+v", page.Events)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/events?include_deleted=true", "")
	expectStatus(t, rr, http.StatusOK)
	decodeInto(t, rr, &page)
	if len(page.Events) != 1 || !page.Events[0].Deleted {
		t.Fatalf("expected the tombstone, got %+v", page.Events)
	}

	// The slot is free again.
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/events",
		booking("b", "room-101", "2024-06-03T09:00:00Z", "2024-06-03T10:00:00Z")), http.StatusCreated)
}

func TestEvents_ListFilterAndSince(t *testing.T) {
	env := newTestEnv(t, Options{})
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/events",
		booking("a", "room-101", "2024-06-03T09:00:00Z", "2024-06-03T10:00:00Z")), http.StatusCreated)
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/events",
		booking("b", "room-102", "2024-06-03T09:00:00Z", "2024-06-03T10:00:00Z")), http.StatusCreated)

	var page struct {
		Events       []schedule.Event `json:"events"`
		LastModified *time.Time       `json:"last_modified"`
	}
	rr := env.do(t, http.MethodGet, "/api/v1/events?device_id=room-101", "")
	expectStatus(t, rr, http.StatusOK)
	decodeInto(t, rr, &page)
	if len(page.Events) != 1 || page.Events[0].ID != "a" {
		t.Fatalf("expected only a, got %+v", page.Events)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/events", "")
	decodeInto(t, rr, &page)
	if len(page.Events) != 2 || page.LastModified == nil {
		t.Fatalf("unexpected page %+v", page)
	}
	since := page.LastModified.Format(time.RFC3339Nano)

	expectStatus(t, env.do(t, http.MethodPut, "/api/v1/events/b", `{"metadata":{"title":"renamed"}}`), http.StatusOK)

	rr = env.do(t, http.MethodGet, "/api/v1/events?since="+url.QueryEscape(since), "")
	expectStatus(t, rr, http.StatusOK)
	page.Events = nil
	decodeInto(t, rr, &page)
	if len(page.Events) != 1 || page.Events[0].ID != "b" {
		t.Fatalf("expected only the changed event, got %+v", page.Events)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/events?starts_from=yesterday", "")
	expectStatus(t, rr, http.StatusBadRequest)
	expectErrorCode(t, rr, "validation_failed")
}

func TestEvents_LastModified(t *testing.T) {
	env := newTestEnv(t, Options{})
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/events/lastmodified", ""), http.StatusNoContent)

	rr := env.do(t, http.MethodPost, "/api/v1/events",
		booking("a", "room-101", "2024-06-03T09:00:00Z", "2024-06-03T10:00:00Z"))
	var created schedule.Event
	decodeInto(t, rr, &created)

	rr = env.do(t, http.MethodGet, "/api/v1/events/lastmodified?device_id=room-101", "")
	expectStatus(t, rr, http.StatusOK)
	var body struct {
		LastModified time.Time `json:"last_modified"`
	}
	decodeInto(t, rr, &body)
	if !body.LastModified.Equal(created.LastModified) {
		t.Fatalf("last_modified = %v, want %v", body.LastModified, created.LastModified)
	}

	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/events/lastmodified?device_id=room-999", ""), http.StatusNoContent)
}

func TestConflicts_Check(t *testing.T) {
	env := newTestEnv(t, Options{})
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/events",
		booking("a", "room-101", "2024-06-03T09:00:00Z", "2024-06-03T10:00:00Z")), http.StatusCreated)

	var resp struct {
		Conflicts []schedule.Event `json:"conflicts"`
	}
	rr := env.do(t, http.MethodPost, "/api/v1/conflicts",
		`{"device_id":"room-101","start":"2024-06-03T09:59:00Z","end":"2024-06-03T11:00:00Z"}`)
	expectStatus(t, rr, http.StatusOK)
	decodeInto(t, rr, &resp)
	if len(resp.Conflicts) != 1 || resp.Conflicts[0].ID != "a" {
		t.Fatalf("expected conflict with a, got %+v", resp.Conflicts)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/conflicts",
		`{"device_id":"room-101","start":"2024-06-03T09:59:00Z","end":"2024-06-03T11:00:00Z","exclude":["a"]}`)
	expectStatus(t, rr, http.StatusOK)
	decodeInto(t, rr, &resp)
	if len(resp.Conflicts) != 0 {
		t.Fatalf("excluded event reported: %+v", resp.Conflicts)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/conflicts",
		`{"device_id":"room-101","start":"2024-06-03T11:00:00Z","end":"2024-06-03T09:00:00Z"}`)
	expectStatus(t, rr, http.StatusBadRequest)
	expectErrorCode(t, rr, "invalid_window")
}

func TestEvents_AttachProperties(t *testing.T) {
	env := newTestEnv(t, Options{})
	expectStatus(t, env.do(t, http.MethodPut, "/api/v1/events/a/agent-properties",
		`{"properties":{"capture.device.names":"screen"}}`), http.StatusNotFound)

	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/events",
		booking("a", "room-101", "2024-06-03T09:00:00Z", "2024-06-03T10:00:00Z")), http.StatusCreated)
	rr := env.do(t, http.MethodPut, "/api/v1/events/a/agent-properties",
		`{"properties":{"capture.device.names":"screen"}}`)
	expectStatus(t, rr, http.StatusOK)

	var e schedule.Event
	decodeInto(t, rr, &e)
	if e.CaptureAgentProperties["capture.device.names"] != "screen" {
		t.Fatalf("properties not attached: %+v", e)
	}
}

func TestRecording_Lifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})
	expectStatus(t, env.do(t, http.MethodPut, "/api/v1/events/ghost/recording", `{"state":"CAPTURING"}`), http.StatusNotFound)

	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/events",
		booking("a", "room-101", "2024-06-03T09:00:00Z", "2024-06-03T10:00:00Z")), http.StatusCreated)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/events/a/recording", ""), http.StatusNotFound)

	rr := env.do(t, http.MethodPut, "/api/v1/events/a/recording", `{"state":"capturing"}`)
	expectStatus(t, rr, http.StatusOK)
	var job recording.Job
	decodeInto(t, rr, &job)
	if job.State != recording.StateCapturing || job.EventID != "a" {
		t.Fatalf("unexpected job %+v", job)
	}

	rr = env.do(t, http.MethodPut, "/api/v1/events/a/recording", `{"state":"UPLOAD_FINISHED"}`)
	expectStatus(t, rr, http.StatusConflict)
	details := expectErrorCode(t, rr, "illegal_transition")
	if details["current_state"] != string(recording.StateCapturing) {
		t.Fatalf("expected current state in details, got %v", details)
	}

	rr = env.do(t, http.MethodPut, "/api/v1/events/a/recording", `{"state":"DANCING"}`)
	expectStatus(t, rr, http.StatusBadRequest)
	expectErrorCode(t, rr, "unknown_state")

	rr = env.do(t, http.MethodGet, "/api/v1/events/a/recording", "")
	expectStatus(t, rr, http.StatusOK)
	decodeInto(t, rr, &job)
	if job.State != recording.StateCapturing {
		t.Fatalf("rejected transitions must not change the job, got %s", job.State)
	}
}

func TestAgents_HeartbeatAndStaleness(t *testing.T) {
	env := newTestEnv(t, Options{StaleAfter: time.Minute})

	rr := env.do(t, http.MethodPost, "/api/v1/agents/room-101/heartbeat", `{"state":"idle"}`)
	expectStatus(t, rr, http.StatusOK)
	body := decodeBody(t, rr)
	if body["name"] != "room-101" || body["state"] != "idle" {
		t.Fatalf("unexpected agent %v", body)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/agents/room-101", "")
	expectStatus(t, rr, http.StatusOK)
	if body := decodeBody(t, rr); body["stale"] != false {
		t.Fatalf("fresh agent reported stale: %v", body)
	}

	env.now = env.now.Add(2 * time.Minute)
	rr = env.do(t, http.MethodGet, "/api/v1/agents", "")
	expectStatus(t, rr, http.StatusOK)
	var list []map[string]any
	decodeInto(t, rr, &list)
	if len(list) != 1 || list[0]["stale"] != true {
		t.Fatalf("expected one stale agent, got %v", list)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/agents/room-101/heartbeat", `{"state":" "}`)
	expectStatus(t, rr, http.StatusBadRequest)
	expectErrorCode(t, rr, "invalid_heartbeat")

	rr = env.do(t, http.MethodGet, "/api/v1/agents/ghost", "")
	expectStatus(t, rr, http.StatusNotFound)
	expectErrorCode(t, rr, "not_found")
}

func TestAgents_Update(t *testing.T) {
	env := newTestEnv(t, Options{})
	expectStatus(t, env.do(t, http.MethodPut, "/api/v1/agents/room-101", `{"url":"http://10.0.0.5:8080"}`), http.StatusNotFound)

	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/agents/room-101/heartbeat", `{"state":"idle"}`), http.StatusOK)
	rr := env.do(t, http.MethodPut, "/api/v1/agents/room-101",
		`{"url":"http://10.0.0.5:8080","capabilities":{"camera":"true"}}`)
	expectStatus(t, rr, http.StatusOK)

	var a agents.Agent
	decodeInto(t, rr, &a)
	if a.URL != "http://10.0.0.5:8080" || a.Capabilities["camera"] != "true" || a.State != "idle" {
		t.Fatalf("unexpected agent %+v", a)
	}

	rr = env.do(t, http.MethodPut, "/api/v1/agents/room-101", `{"name":"renamed"}`)
	expectStatus(t, rr, http.StatusBadRequest)
	expectErrorCode(t, rr, "validation_failed")
}

func TestMetrics_LabelsByRoutePattern(t *testing.T) {
	env := newTestEnv(t, Options{Metrics: metrics.New()})
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/events/ghost", ""), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/events",
		booking("a", "room-101", "2024-06-03T09:00:00Z", "2024-06-03T10:00:00Z")), http.StatusCreated)

	rr := env.do(t, http.MethodGet, "/metrics", "")
	expectStatus(t, rr, http.StatusOK)
	out := rr.Body.String()

	for _, want := range []string{
		`path="/api/v1/events/{id}`,
		`status="404"`,
		`capsched_schedule_requests_total{operation="schedule",outcome="accepted"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "ghost") {
		t.Fatalf("raw ids must not become metric labels:\n%s", out)
	}
}
