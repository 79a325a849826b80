package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakePBX struct{ connected bool }

func (f fakePBX) Connected() bool { return f.connected }

func TestHandleHealthOK(t *testing.T) {
	s := NewServer(fakePBX{connected: true}, time.Now().Add(-5*time.Second))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var body healthBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status field = %q, want ok", body.Status)
	}
	if !body.PBXConnected {
		t.Error("expected pbxConnected=true")
	}
	if body.UptimeS < 4 {
		t.Errorf("uptime_s = %d, want >= 4", body.UptimeS)
	}
}

func TestHandleHealthNoPBXProvider(t *testing.T) {
	s := NewServer(nil, time.Now())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	var body healthBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.PBXConnected {
		t.Error("expected pbxConnected=false with nil provider")
	}
}

func TestReadyRoute(t *testing.T) {
	s := NewServer(fakePBX{connected: false}, time.Now())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestMetricsRouteServesPrometheusFormat(t *testing.T) {
	s := NewServer(nil, time.Now())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if ct == "" {
		t.Error("expected a Content-Type header from promhttp handler")
	}
}
