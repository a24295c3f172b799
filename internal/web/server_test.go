package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"quilt-bridge/internal/reconcile"
)

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *reconcile.Reconciler, *reconcile.EventBus) {
	t.Helper()
	bus := reconcile.NewEventBus(slog.Default())
	rec := reconcile.New(bus, time.Minute, nil)

	systems := func() []SystemStatus {
		return []SystemStatus{{SystemID: "sys-1", Name: "Home", Connection: "connected"}}
	}
	s := NewServer(rec, bus, systems, slog.Default(), opts...)
	t.Cleanup(s.Stop)
	return s, rec, bus
}

func seedSpace(rec *reconcile.Reconciler) {
	rec.Apply(reconcile.SpaceUpdate{
		SpaceID:   "space-a",
		SystemID:  "sys-1",
		Source:    reconcile.SourcePoll,
		Timestamp: time.Now(),
		Fields: map[string]any{
			reconcile.FieldName:     "Living Room",
			reconcile.FieldHVACMode: "heat",
		},
	})
}

func TestAPIStatus(t *testing.T) {
	s, _, _ := newTestServer(t, WithVersion("1.2.3"))

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest("GET", "/api/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Version string         `json:"version"`
		Healthy bool           `json:"healthy"`
		Systems []SystemStatus `json:"systems"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Version != "1.2.3" {
		t.Errorf("version = %q", body.Version)
	}
	if !body.Healthy {
		t.Error("expected healthy")
	}
	if len(body.Systems) != 1 || body.Systems[0].SystemID != "sys-1" {
		t.Errorf("systems = %+v", body.Systems)
	}
}

func TestAPIStatusUnhealthyWhenDisconnected(t *testing.T) {
	bus := reconcile.NewEventBus(slog.Default())
	rec := reconcile.New(bus, time.Minute, nil)
	s := NewServer(rec, bus, func() []SystemStatus {
		return []SystemStatus{{SystemID: "sys-1", Connection: "disconnected"}}
	}, slog.Default())
	defer s.Stop()

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest("GET", "/api/status", nil))

	var body struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Healthy {
		t.Error("disconnected system must report unhealthy")
	}
}

func TestAPISpaces(t *testing.T) {
	s, rec, _ := newTestServer(t)
	seedSpace(rec)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest("GET", "/api/spaces", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var views []spaceView
	if err := json.Unmarshal(rr.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d spaces", len(views))
	}
	if views[0].Name != "Living Room" || !views[0].Available {
		t.Errorf("space = %+v", views[0])
	}
}

func TestAPIGetSpace(t *testing.T) {
	s, rec, _ := newTestServer(t)
	seedSpace(rec)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest("GET", "/api/spaces/space-a", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest("GET", "/api/spaces/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing space status = %d", rr.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	s, _, _ := newTestServer(t, WithAPIKey("secret"))

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest("GET", "/api/status", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d", rr.Code)
	}

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("X-API-Key", "wrong")
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d", rr.Code)
	}

	req = httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("valid key: status = %d", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _, _ := newTestServer(t, WithAllowedOrigins([]string{"https://app.example.com"}))

	req := httptest.NewRequest("OPTIONS", "/api/status", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("allowed origin: status = %d", rr.Code)
	}

	req = httptest.NewRequest("OPTIONS", "/api/status", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("blocked origin: status = %d", rr.Code)
	}
}

func TestWSBroadcastsEvents(t *testing.T) {
	s, _, bus := newTestServer(t, WithAllowedOrigins([]string{"*"}))

	srv := httptest.NewServer(s)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the hub a moment to register the client before broadcasting.
	time.Sleep(50 * time.Millisecond)

	bus.Emit(reconcile.Event{
		Type: reconcile.EventSpaceUpdate,
		Data: reconcile.SpaceEvent{SpaceID: "space-a", SystemID: "sys-1", Fields: map[string]any{"hvac_mode": "cool"}},
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatal(err)
	}
	if event.Type != reconcile.EventSpaceUpdate {
		t.Errorf("event type = %q", event.Type)
	}
}
