package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vibeconnect/rendezvous/internal/clock"
	"github.com/vibeconnect/rendezvous/internal/conn"
	"github.com/vibeconnect/rendezvous/internal/metrics"
	"github.com/vibeconnect/rendezvous/internal/pairing"
	"github.com/vibeconnect/rendezvous/internal/queue"
	"github.com/vibeconnect/rendezvous/internal/router"
	"github.com/vibeconnect/rendezvous/internal/security"
	"github.com/vibeconnect/rendezvous/internal/transport"
)

func newTestServer(t *testing.T, adminToken string) *Server {
	t.Helper()
	fc := clock.NewFake()
	qm := queue.New(fc, 100, int64(300*time.Second), false)
	pm := pairing.New(fc, int64(30*time.Second))
	cm := conn.New(fc, int64(60*time.Second))
	sm, err := security.New(fc, security.Config{
		MaxConnectionsPerIP:        20,
		ConnectionWindow:           time.Minute,
		BanDuration:                time.Hour,
		WindowInactivity:           time.Hour,
		RateLimitMessagesPerMinute: 30,
		RateLimitSkipsPerMinute:    10,
		RateLimitReportsPerHour:    3,
		MaxMessageLength:           500,
		FingerprintCapacity:        1000,
	})
	if err != nil {
		t.Fatalf("construct security manager: %v", err)
	}
	t.Cleanup(sm.Close)

	reg := metrics.New(prometheus.NewRegistry())
	rt := router.New(fc, qm, pm, cm, sm, reg, router.Config{MaxFrameSize: 10240})
	front := transport.New(sm, cm, rt)
	return New(front, qm, cm, sm, reg, true, adminToken, time.Now())
}

func TestHealthReportsQueueSizes(t *testing.T) {
	s := newTestServer(t, "")
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected status: %+v", health)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := newTestServer(t, "")
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAdminRoutesRequireBearerToken(t *testing.T) {
	s := newTestServer(t, "sekret")
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/admin/bans")
	if err != nil {
		t.Fatalf("GET /admin/bans: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/admin/bans", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed GET /admin/bans: %v", err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d", authed.StatusCode)
	}
}

func TestAdminBanAndUnban(t *testing.T) {
	s := newTestServer(t, "sekret")
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	body, _ := json.Marshal(createBanRequest{IP: "203.0.113.9", Reason: "manual ban"})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/admin/bans", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer sekret")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /admin/bans: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if !s.security.IsIPBanned("203.0.113.9") {
		t.Fatalf("expected ip to be banned")
	}

	delReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/admin/bans/203.0.113.9", nil)
	delReq.Header.Set("Authorization", "Bearer sekret")
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE /admin/bans/203.0.113.9: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delResp.StatusCode)
	}
	if s.security.IsIPBanned("203.0.113.9") {
		t.Fatalf("expected ip to be unbanned")
	}
}
