// Package management provides a lightweight HTTP API for runtime inspection
// and control of the running proxy.
//
// Endpoints:
//
//	GET  /status        - proxy health, uptime, localHosts, CA trust state
//	GET  /metrics        - metrics.Snapshot as JSON (503 if metrics disabled)
//	POST /rules/reload   - reloads the configured Rule if it implements
//	                       rule.Reloadable; 501 otherwise
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"interceptproxy/internal/ca"
	"interceptproxy/internal/config"
	"interceptproxy/internal/logger"
	"interceptproxy/internal/metrics"
	"interceptproxy/internal/rule"
)

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	store     *ca.Store
	rule      rule.Rule
	token     string // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics // nil = no metrics
	log       *logger.Logger
}

// New creates a management server. store may be nil if the CA has not
// been generated/loaded yet; r may be nil (no reload support).
func New(cfg *config.Config, store *ca.Store, r rule.Rule, m *metrics.Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.New("MANAGEMENT", "info")
	}
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		store:     store,
		rule:      r,
		token:     cfg.ManagementToken,
		metrics:   m,
		log:       log,
	}
	if s.token != "" {
		s.log.Infof("auth", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/rules/reload", s.handleRulesReload)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status     string   `json:"status"`
		Uptime     string   `json:"uptime"`
		ProxyPort  int      `json:"proxyPort"`
		ProxyType  string   `json:"proxyType"`
		LocalHosts []string `json:"localHosts"`
		CATrust    string   `json:"caTrust"`
	}

	resp := response{
		Status:     "running",
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		ProxyPort:  s.cfg.ProxyPort,
		ProxyType:  string(s.cfg.Type),
		LocalHosts: s.cfg.LocalHosts,
		CATrust:    "unknown",
	}
	if s.store != nil && s.store.Certificate() != nil {
		resp.CATrust = s.store.IsTrusted().String()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleRulesReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	reloadable, ok := s.rule.(rule.Reloadable)
	if !ok {
		http.Error(w, "configured rule does not support reload", http.StatusNotImplemented)
		return
	}
	if err := reloadable.Reload(); err != nil {
		s.log.Errorf("reload", "%v", err)
		http.Error(w, fmt.Sprintf("reload failed: %v", err), http.StatusInternalServerError)
		return
	}
	s.log.Infof("reload", "rule reloaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort: client may already be gone
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.ManagementPort)
	s.log.Infof("listen", "management API listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
