package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/uwbctl/internal/config"
	"github.com/danmuck/uwbctl/internal/multichip"
	profilesqlite "github.com/danmuck/uwbctl/internal/profile/sqlite"
	"github.com/danmuck/uwbctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func newTestService(t *testing.T, mutate ...func(*config.Config)) *Service {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := profilesqlite.Open(context.Background(), filepath.Join(t.TempDir(), "profiles.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	cfg.Name = "uwbd-test"
	cfg.Chips = []multichip.Chip{{ID: "uwb0"}, {ID: "uwb1"}}
	cfg.DefaultChip = "uwb0"
	cfg.Engine.ReportInterval = 10 * time.Millisecond
	for _, fn := range mutate {
		fn(&cfg)
	}

	s, err := NewService(cfg, store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func doJSON(t *testing.T, s *Service, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	out := map[string]any{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr.Code, out
}

func addProfile(t *testing.T, s *Service) string {
	t.Helper()
	code, out := doJSON(t, s, http.MethodPost, "/profiles", map[string]any{
		"service_id":       "pacs",
		"uid":              1000,
		"package_name":     "com.example.access",
		"session_id":       42,
		"device_address":   "0A:01",
		"peer_addresses":   []string{"0B:01"},
		"protocol_version": "1.1",
	})
	if code != http.StatusCreated {
		t.Fatalf("expected 201 adding profile, got %d body=%v", code, out)
	}
	p := out["profile"].(map[string]any)
	return p["service_instance_id"].(string)
}

func waitForState(t *testing.T, s *Service, handle string, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, out := doJSON(t, s, http.MethodGet, "/sessions/"+handle, nil)
		if sess, ok := out["session"].(map[string]any); ok && sess["state"] == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s", handle, want)
}

func TestHealthAndChips(t *testing.T) {
	testlog.Start(t)
	s := newTestService(t)

	code, out := doJSON(t, s, http.MethodGet, "/health", nil)
	if code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("unexpected health: %d %v", code, out)
	}

	code, out = doJSON(t, s, http.MethodGet, "/chips", nil)
	if code != http.StatusOK || out["default"] != "uwb0" {
		t.Fatalf("unexpected chips: %d %v", code, out)
	}

	code, out = doJSON(t, s, http.MethodGet, "/chips/uwb1/spec", nil)
	if code != http.StatusOK {
		t.Fatalf("expected spec for uwb1, got %d %v", code, out)
	}
	spec := out["spec"].(map[string]any)
	if spec["max_protocol_version"] != "2.0" {
		t.Fatalf("unexpected spec: %v", spec)
	}

	if code, _ := doJSON(t, s, http.MethodGet, "/chips/nope/spec", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown chip, got %d", code)
	}
}

func TestProfileCRUD(t *testing.T) {
	testlog.Start(t)
	s := newTestService(t)

	id := addProfile(t, s)

	code, out := doJSON(t, s, http.MethodGet, "/profiles/"+id, nil)
	if code != http.StatusOK {
		t.Fatalf("get profile: %d %v", code, out)
	}
	p := out["profile"].(map[string]any)
	if p["device_address"] != "0A:01" || p["service_id"] != "pacs" {
		t.Fatalf("unexpected profile: %v", p)
	}

	code, out = doJSON(t, s, http.MethodGet, "/profiles", nil)
	if code != http.StatusOK || len(out["profiles"].([]any)) != 1 {
		t.Fatalf("unexpected list: %d %v", code, out)
	}

	code, _ = doJSON(t, s, http.MethodPost, "/profiles", map[string]any{
		"service_id":     "pacs",
		"package_name":   "com.example.access",
		"device_address": "0A:01",
	})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for profile without peers, got %d", code)
	}

	if code, _ := doJSON(t, s, http.MethodDelete, "/profiles/"+id, nil); code != http.StatusOK {
		t.Fatalf("remove profile: %d", code)
	}
	if code, _ := doJSON(t, s, http.MethodGet, "/profiles/"+id, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 after remove, got %d", code)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	testlog.Start(t)
	s := newTestService(t)
	id := addProfile(t, s)

	code, out := doJSON(t, s, http.MethodPost, "/sessions", map[string]any{
		"profile_id": id,
		"role":       "controller",
		"chip_id":    "uwb1",
	})
	if code != http.StatusCreated {
		t.Fatalf("create session: %d %v", code, out)
	}
	sess := out["session"].(map[string]any)
	if sess["state"] != "configured" || sess["chip_id"] != "uwb1" {
		t.Fatalf("unexpected created session: %v", sess)
	}
	cfg := sess["config"].(map[string]any)
	if cfg["device_role"] != "controller_and_initiator" || cfg["channel_number"].(float64) != 9 {
		t.Fatalf("unexpected derived config: %v", cfg)
	}
	handle := jsonHandle(sess)

	if code, out := doJSON(t, s, http.MethodPost, "/sessions/"+handle+"/actions/open", nil); code != http.StatusAccepted {
		t.Fatalf("open: %d %v", code, out)
	}
	waitForState(t, s, handle, "open")

	if code, out := doJSON(t, s, http.MethodPost, "/sessions/"+handle+"/actions/start", nil); code != http.StatusAccepted {
		t.Fatalf("start: %d %v", code, out)
	}
	waitForState(t, s, handle, "active")

	code, out = doJSON(t, s, http.MethodPost, "/sessions/"+handle+"/reconfigure", map[string]int32{"ranging_interval_ms": 100})
	if code != http.StatusAccepted {
		t.Fatalf("reconfigure: %d %v", code, out)
	}
	waitForState(t, s, handle, "active")
	waitForEvent(t, s, handle, "reconfigured")
	_, out = doJSON(t, s, http.MethodGet, "/sessions/"+handle, nil)
	overrides, _ := out["session"].(map[string]any)["overrides"].(map[string]any)
	if overrides["ranging_interval_ms"] != float64(100) {
		t.Fatalf("expected reconfigure override recorded, got %v", out["session"])
	}

	waitForEvent(t, s, handle, "report")

	if code, _ := doJSON(t, s, http.MethodPost, "/sessions/"+handle+"/actions/stop", nil); code != http.StatusAccepted {
		t.Fatalf("stop: %d", code)
	}
	waitForState(t, s, handle, "stopped")

	if code, _ := doJSON(t, s, http.MethodPost, "/sessions/"+handle+"/actions/close", nil); code != http.StatusAccepted {
		t.Fatalf("close: %d", code)
	}
	waitForState(t, s, handle, "closed")
	waitForEvent(t, s, handle, "closed")

	if _, ok := s.Registry().Get(parseHandle(t, handle)); ok {
		t.Fatalf("expected registry to release closed handle")
	}

	code, _ = doJSON(t, s, http.MethodPost, "/sessions/"+handle+"/actions/start", nil)
	if code != http.StatusConflict {
		t.Fatalf("expected 409 starting a closed session, got %d", code)
	}

	if code, _ := doJSON(t, s, http.MethodDelete, "/sessions/"+handle, nil); code != http.StatusOK {
		t.Fatalf("remove session: %d", code)
	}
	if code, _ := doJSON(t, s, http.MethodGet, "/sessions/"+handle, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 after remove, got %d", code)
	}
}

func TestDisabledAdapterFailsOpen(t *testing.T) {
	testlog.Start(t)
	s := newTestService(t)
	id := addProfile(t, s)

	if code, out := doJSON(t, s, http.MethodPost, "/adapter/disable", nil); code != http.StatusOK || out["enabled"] != false {
		t.Fatalf("disable: %d %v", code, out)
	}

	_, out := doJSON(t, s, http.MethodPost, "/sessions", map[string]any{"profile_id": id})
	handle := jsonHandle(out["session"].(map[string]any))

	if code, _ := doJSON(t, s, http.MethodPost, "/sessions/"+handle+"/actions/open", nil); code != http.StatusAccepted {
		t.Fatalf("open should be accepted and fail through callbacks, got %d", code)
	}
	rec := waitForEvent(t, s, handle, "open_failed")
	if rec["reason"] != "system_policy" {
		t.Fatalf("unexpected open failure reason: %v", rec)
	}
	waitForState(t, s, handle, "configured")
}

func TestSessionRequestValidation(t *testing.T) {
	testlog.Start(t)
	s := newTestService(t)
	id := addProfile(t, s)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"bad uuid", map[string]any{"profile_id": "nope"}, http.StatusBadRequest},
		{"unknown profile", map[string]any{"profile_id": "6f1c2a52-4f7b-4b5e-9d2c-000000000001"}, http.StatusNotFound},
		{"unknown role", map[string]any{"profile_id": id, "role": "observer"}, http.StatusBadRequest},
		{"unknown chip", map[string]any{"profile_id": id, "chip_id": "uwb9"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if code, out := doJSON(t, s, http.MethodPost, "/sessions", tc.body); code != tc.want {
			t.Fatalf("%s: expected %d, got %d %v", tc.name, tc.want, code, out)
		}
	}
	if len(s.Sessions()) != 0 {
		t.Fatalf("failed creates must not leave sessions behind: %v", s.Sessions())
	}
	if code, _ := doJSON(t, s, http.MethodGet, "/sessions/abc", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed handle, got %d", code)
	}
}

func waitForEvent(t *testing.T, s *Service, handle, callback string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, out := doJSON(t, s, http.MethodGet, "/sessions/"+handle+"/events", nil)
		events, _ := out["events"].([]any)
		for _, e := range events {
			rec := e.(map[string]any)
			if rec["callback"] == callback {
				return rec
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never delivered %s", handle, callback)
	return nil
}

func TestRemoveActiveSessionReleasesEngine(t *testing.T) {
	testlog.Start(t)
	s := newTestService(t)
	id := addProfile(t, s)

	_, out := doJSON(t, s, http.MethodPost, "/sessions", map[string]any{"profile_id": id, "role": "controlee"})
	sess := out["session"].(map[string]any)
	if sess["config"].(map[string]any)["device_role"] != "controlee_and_responder" {
		t.Fatalf("unexpected controlee role: %v", sess)
	}
	handle := jsonHandle(sess)
	doJSON(t, s, http.MethodPost, "/sessions/"+handle+"/actions/open", nil)
	waitForState(t, s, handle, "open")
	doJSON(t, s, http.MethodPost, "/sessions/"+handle+"/actions/start", nil)
	waitForState(t, s, handle, "active")

	if got := s.Engine().SessionCount(); got != 1 {
		t.Fatalf("expected one engine session, got %d", got)
	}
	if code, _ := doJSON(t, s, http.MethodDelete, "/sessions/"+handle, nil); code != http.StatusOK {
		t.Fatalf("remove session: %d", code)
	}
	if got := s.Engine().SessionCount(); got != 0 {
		t.Fatalf("expected engine session released, got %d", got)
	}
	if _, ok := s.Registry().Get(parseHandle(t, handle)); ok {
		t.Fatalf("expected registry entry removed")
	}
}

func TestRemoveOpeningSessionReleasesEngine(t *testing.T) {
	testlog.Start(t)
	s := newTestService(t, func(cfg *config.Config) { cfg.Engine.MaxSessions = 2 })
	id := addProfile(t, s)

	// More removals than engine slots: each close queued behind a pending
	// open has to reach the engine.
	for i := 0; i < 4; i++ {
		code, out := doJSON(t, s, http.MethodPost, "/sessions", map[string]any{"profile_id": id})
		if code != http.StatusCreated {
			t.Fatalf("create session: %d %v", code, out)
		}
		handle := jsonHandle(out["session"].(map[string]any))
		if code, out := doJSON(t, s, http.MethodPost, "/sessions/"+handle+"/actions/open", nil); code != http.StatusAccepted {
			t.Fatalf("open: %d %v", code, out)
		}
		if code, _ := doJSON(t, s, http.MethodDelete, "/sessions/"+handle, nil); code != http.StatusOK {
			t.Fatalf("remove session: %d", code)
		}
		if got := s.Engine().SessionCount(); got != 0 {
			t.Fatalf("round %d: expected engine session released, got %d", i, got)
		}
	}

	_, out := doJSON(t, s, http.MethodPost, "/sessions", map[string]any{"profile_id": id})
	handle := jsonHandle(out["session"].(map[string]any))
	doJSON(t, s, http.MethodPost, "/sessions/"+handle+"/actions/open", nil)
	waitForState(t, s, handle, "open")
}

func TestAdminTokenGuardsMutatingRoutes(t *testing.T) {
	testlog.Start(t)
	s := newTestService(t, func(cfg *config.Config) { cfg.AdminToken = "s3cret" })

	if code, _ := doJSON(t, s, http.MethodGet, "/sessions", nil); code != http.StatusOK {
		t.Fatalf("expected read routes open, got %d", code)
	}
	if code, _ := doJSON(t, s, http.MethodPost, "/adapter/disable", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if !s.Engine().Enabled() {
		t.Fatalf("unauthorized request must not reach the engine")
	}

	req := httptest.NewRequest(http.MethodPost, "/adapter/disable", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || s.Engine().Enabled() {
		t.Fatalf("expected authorized disable, got %d enabled=%v", rr.Code, s.Engine().Enabled())
	}
}
