package management

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"interceptproxy/internal/config"
	"interceptproxy/internal/metrics"
	"interceptproxy/internal/rule"
)

func testConfig() *config.Config {
	return &config.Config{
		ProxyPort:      8080,
		ManagementPort: 8081,
		Type:           config.TypeHTTP,
		LocalHosts:     []string{"127.0.0.1:8080"},
	}
}

func TestStatus_ReturnsProxyInfo(t *testing.T) {
	srv := New(testConfig(), nil, rule.NewDefault("test"), nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "running" {
		t.Errorf("status field = %v, want running", body["status"])
	}
	if body["proxyPort"].(float64) != 8080 {
		t.Errorf("proxyPort = %v, want 8080", body["proxyPort"])
	}
}

func TestMetrics_DisabledReturns503(t *testing.T) {
	srv := New(testConfig(), nil, rule.NewDefault("test"), nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestMetrics_EnabledReturnsSnapshot(t *testing.T) {
	m := metrics.New()
	m.RequestsTotal.Add(3)
	srv := New(testConfig(), nil, rule.NewDefault("test"), m, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var snap metrics.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Requests.Total != 3 {
		t.Errorf("Requests.Total = %d, want 3", snap.Requests.Total)
	}
}

type reloadableRule struct {
	*rule.Default
	reloaded bool
}

func (r *reloadableRule) Reload() error {
	r.reloaded = true
	return nil
}

func TestRulesReload_NotImplementedReturns501(t *testing.T) {
	srv := New(testConfig(), nil, rule.NewDefault("test"), nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/rules/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /rules/reload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}

func TestRulesReload_CallsReloadable(t *testing.T) {
	rl := &reloadableRule{Default: rule.NewDefault("test")}
	srv := New(testConfig(), nil, rl, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/rules/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /rules/reload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !rl.reloaded {
		t.Error("expected Reload to have been called")
	}
}

func TestRulesReload_WrongMethod(t *testing.T) {
	srv := New(testConfig(), nil, rule.NewDefault("test"), nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/rules/reload")
	if err != nil {
		t.Fatalf("GET /rules/reload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	cfg := testConfig()
	cfg.ManagementToken = "secret"
	srv := New(cfg, nil, rule.NewDefault("test"), nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthMiddleware_RejectsWrongToken(t *testing.T) {
	cfg := testConfig()
	cfg.ManagementToken = "secret"
	srv := New(cfg, nil, rule.NewDefault("test"), nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthMiddleware_AcceptsValidToken(t *testing.T) {
	cfg := testConfig()
	cfg.ManagementToken = "secret"
	srv := New(cfg, nil, rule.NewDefault("test"), nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
