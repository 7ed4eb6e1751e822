package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"signalhub/internal/broadcast"
	"signalhub/internal/rules"
	"signalhub/internal/signal"
	"signalhub/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *store.BoltStore) {
	t.Helper()
	logger := testLogger()

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	engine := rules.NewEngine(st, time.Minute, logger)
	bus := broadcast.New(logger)

	s := NewServer(st, engine, bus, logger, opts...)
	t.Cleanup(s.Stop)
	return s, st
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthAndVersion(t *testing.T) {
	s, _ := newTestServer(t, WithVersion("1.2.3"))

	w := doJSON(t, s, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/api/version", nil)
	var resp map[string]string
	decodeBody(t, w, &resp)
	if resp["version"] != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp["version"])
	}
}

func TestAPIKeyAuth(t *testing.T) {
	s, _ := newTestServer(t, WithAPIKey("secret"))

	w := doJSON(t, s, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-API-Key", "wrong")
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-API-Key", "secret")
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid key status = %d, want 200", w.Code)
	}
}

func TestCORSBlocksUnknownOrigin(t *testing.T) {
	s, _ := newTestServer(t, WithAllowedOrigins([]string{"https://hub.local"}))

	req := httptest.NewRequest(http.MethodPost, "/api/rules", bytes.NewReader([]byte("{}")))
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}

	// GET requests are allowed regardless of origin.
	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("GET status = %d, want 200", w.Code)
	}
}

func TestReadingsEndpoints(t *testing.T) {
	s, st := newTestServer(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := st.InsertReadings([]signal.SensorReading{
		{ID: "a", DeviceID: "therm", Metric: "temperature", Value: 20, TimestampUTC: base},
		{ID: "b", DeviceID: "therm", Metric: "humidity", Value: 50, TimestampUTC: base.Add(time.Second)},
		{ID: "c", DeviceID: "other", Metric: "temperature", Value: 21, TimestampUTC: base.Add(2 * time.Second)},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := doJSON(t, s, http.MethodGet, "/api/readings", nil)
	var all []signal.SensorReading
	decodeBody(t, w, &all)
	if len(all) != 3 {
		t.Errorf("all readings = %d, want 3", len(all))
	}

	w = doJSON(t, s, http.MethodGet, "/api/readings/therm/temperature", nil)
	var filtered []signal.SensorReading
	decodeBody(t, w, &filtered)
	if len(filtered) != 1 || filtered[0].ID != "a" {
		t.Errorf("filtered = %+v, want only reading a", filtered)
	}

	w = doJSON(t, s, http.MethodGet, "/api/readings?take=2", nil)
	var limited []signal.SensorReading
	decodeBody(t, w, &limited)
	if len(limited) != 2 {
		t.Errorf("limited = %d, want 2", len(limited))
	}
}

func TestSignalsAndTriggersEndpoints(t *testing.T) {
	s, st := newTestServer(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := st.InsertSignalEvents([]signal.SignalEvent{
		{ID: "s1", DeviceID: "btn", Capability: "button", TimestampUTC: ts},
		{ID: "s2", DeviceID: "therm", Capability: "temperature", TimestampUTC: ts.Add(time.Second)},
	}); err != nil {
		t.Fatalf("insert signals: %v", err)
	}
	if err := st.InsertTriggerEvents([]signal.TriggerEvent{
		{ID: "t1", DeviceID: "btn", TriggerType: "button:single", TimestampUTC: ts},
	}); err != nil {
		t.Fatalf("insert triggers: %v", err)
	}

	w := doJSON(t, s, http.MethodGet, "/api/signals?device=btn", nil)
	var events []signal.SignalEvent
	decodeBody(t, w, &events)
	if len(events) != 1 || events[0].ID != "s1" {
		t.Errorf("signals = %+v, want only s1", events)
	}

	w = doJSON(t, s, http.MethodGet, "/api/triggers", nil)
	var triggers []signal.TriggerEvent
	decodeBody(t, w, &triggers)
	if len(triggers) != 1 || triggers[0].TriggerType != "button:single" {
		t.Errorf("triggers = %+v", triggers)
	}
}

func validRuleBody() map[string]any {
	return map[string]any{
		"name":             "overheat",
		"trigger_type":     "overheat",
		"device_id":        "kitchen-therm",
		"metric":           "temperature",
		"operator":         "greater_than",
		"threshold":        30.0,
		"cooldown_seconds": 60,
	}
}

func TestCreateRuleValidation(t *testing.T) {
	s, _ := newTestServer(t)

	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing name", func(b map[string]any) { delete(b, "name") }},
		{"missing device", func(b map[string]any) { delete(b, "device_id") }},
		{"missing metric", func(b map[string]any) { delete(b, "metric") }},
		{"unknown operator", func(b map[string]any) { b["operator"] = "sideways" }},
		{"between without threshold2", func(b map[string]any) { b["operator"] = "between" }},
		{"expression without expression", func(b map[string]any) { b["operator"] = "expression" }},
		{"negative cooldown", func(b map[string]any) { b["cooldown_seconds"] = -5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := validRuleBody()
			tc.mutate(body)
			w := doJSON(t, s, http.MethodPost, "/api/rules", body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestRuleLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/rules", validRuleBody())
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	var created rules.CustomTriggerRule
	decodeBody(t, w, &created)
	if created.ID == "" || !created.Enabled {
		t.Errorf("created rule = %+v, want id set and enabled", created)
	}

	w = doJSON(t, s, http.MethodGet, "/api/rules/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/api/rules", nil)
	var list []rules.CustomTriggerRule
	decodeBody(t, w, &list)
	if len(list) != 1 {
		t.Errorf("list = %d rules, want 1", len(list))
	}

	// Update changes the threshold.
	body := validRuleBody()
	body["threshold"] = 35.0
	w = doJSON(t, s, http.MethodPut, "/api/rules/"+created.ID, body)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d", w.Code)
	}
	var updated rules.CustomTriggerRule
	decodeBody(t, w, &updated)
	if updated.Threshold != 35 {
		t.Errorf("threshold = %v, want 35", updated.Threshold)
	}

	w = doJSON(t, s, http.MethodPost, "/api/rules/"+created.ID+"/toggle", nil)
	var toggled map[string]any
	decodeBody(t, w, &toggled)
	if toggled["enabled"] != false {
		t.Errorf("toggle enabled = %v, want false", toggled["enabled"])
	}

	w = doJSON(t, s, http.MethodGet, "/api/rules/"+created.ID+"/logs", nil)
	if w.Code != http.StatusOK {
		t.Errorf("logs status = %d", w.Code)
	}
	var logs []rules.CustomTriggerLog
	decodeBody(t, w, &logs)
	if len(logs) != 0 {
		t.Errorf("logs = %d, want 0", len(logs))
	}

	w = doJSON(t, s, http.MethodDelete, "/api/rules/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}
	w = doJSON(t, s, http.MethodGet, "/api/rules/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestRuleNotFoundPaths(t *testing.T) {
	s, _ := newTestServer(t)

	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/api/rules/absent", nil},
		{http.MethodPut, "/api/rules/absent", validRuleBody()},
		{http.MethodDelete, "/api/rules/absent", nil},
		{http.MethodPost, "/api/rules/absent/toggle", nil},
		{http.MethodGet, "/api/rules/absent/logs", nil},
	} {
		w := doJSON(t, s, tc.method, tc.path, tc.body)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", tc.method, tc.path, w.Code)
		}
	}
}
