package statusapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeChecker struct {
	healthy bool
	reason  string
}

func (f fakeChecker) Healthy() (bool, string) { return f.healthy, f.reason }

func TestHealthzReportsHealthy(t *testing.T) {
	srv := NewServer(":0", "test", time.Now(), fakeChecker{healthy: true}, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
}

func TestHealthzReportsUnhealthy(t *testing.T) {
	srv := NewServer(":0", "test", time.Now(), fakeChecker{healthy: false, reason: "extractor stalled"}, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Detail != "extractor stalled" {
		t.Errorf("detail = %q", resp.Detail)
	}
}
