// Package proxy implements the Proxy Lifecycle: it validates configuration,
// owns the Socket Registry, Cert Cache, and MITM Pool, and drives the
// INIT→READY→CLOSED state machine around the outer listener that hands
// accepted connections to the dispatcher.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"interceptproxy/internal/ca"
	"interceptproxy/internal/certcache"
	"interceptproxy/internal/config"
	"interceptproxy/internal/dispatcher"
	"interceptproxy/internal/logger"
	"interceptproxy/internal/metrics"
	"interceptproxy/internal/mitmpool"
	"interceptproxy/internal/recorder"
	"interceptproxy/internal/registry"
	"interceptproxy/internal/rule"
)

// Status is the proxy's lifecycle state.
type Status int

// Lifecycle states. Transitions are strictly INIT→READY→CLOSED.
const (
	StatusInit Status = iota
	StatusReady
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusReady:
		return "READY"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Proxy ties the dispatcher, cert cache, MITM pool, and socket registry
// together behind a start/close lifecycle.
type Proxy struct {
	cfg *config.Config
	log *logger.Logger

	mu     sync.Mutex
	status Status

	store      *ca.Store
	certs      *certcache.Cache
	mitm       *mitmpool.Pool
	sockets    *registry.Registry
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Metrics

	listener net.Listener
	server   *http.Server
}

// New constructs a Proxy in the INIT state. The Rule, Recorder, and
// LocalHandler it will run are supplied later to Start, which is where
// they're actually wired; New only allocates the components owned for the
// whole lifetime of the Proxy (the socket registry, metrics, and CA store).
func New(cfg *config.Config, log *logger.Logger) *Proxy {
	if log == nil {
		log = logger.New("PROXY", cfg.LogLevel)
	}
	return &Proxy{
		cfg:     cfg,
		log:     log,
		status:  StatusInit,
		sockets: registry.New(),
		metrics: metrics.New(),
		store:   ca.New(cfg.CADir, ca.Subject(cfg.CASubject), log),
	}
}

// Metrics returns the proxy's metrics collector for wiring into the
// management API.
func (p *Proxy) Metrics() *metrics.Metrics { return p.metrics }

// Store returns the CA store, for wiring into the management API's status
// endpoint and the generate-ca CLI subcommand.
func (p *Proxy) Store() *ca.Store { return p.store }

// Status reports the current lifecycle state.
func (p *Proxy) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Start validates configuration, wires every owned component, binds the
// port, and transitions INIT→READY. On any failure it returns an error and
// remains in INIT; on success it returns nil and the outer listener is
// already accepting connections in a background goroutine.
func (p *Proxy) Start(r rule.Rule, rec recorder.Recorder, local dispatcher.LocalHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusInit {
		return fmt.Errorf("proxy: Start called from state %s, want INIT", p.status)
	}

	caExists := p.store.Exists()
	if err := p.cfg.Validate(caExists); err != nil {
		p.log.Errorf("start", "%v", err)
		return err
	}

	// Step 1: if type=https, or forceProxyHttps/MITM is in play, the root
	// CA must be available; acquire leaves through the Cert Cache.
	needsCA := p.cfg.Type == config.TypeHTTPS || p.cfg.ForceProxyHTTPS || len(p.cfg.LocalHosts) > 0
	if needsCA {
		if caExists {
			if err := p.store.Load(); err != nil {
				p.log.Errorf("start", "load CA: %v", err)
				return fmt.Errorf("proxy: load CA: %w", err)
			}
		} else if p.cfg.Type == config.TypeHTTPS || p.cfg.ForceProxyHTTPS {
			return fmt.Errorf("proxy: no root CA at %s; run generate-ca first", p.cfg.CADir)
		}
	}

	var issuer *ca.Issuer
	if p.store.Certificate() != nil {
		var err error
		issuer, err = ca.NewIssuer(p.store)
		if err != nil {
			return fmt.Errorf("proxy: build leaf issuer: %w", err)
		}
		p.certs = certcache.New(issuer, p.log)
		p.certs.Metrics = p.metrics
		p.mitm = mitmpool.New(p.certs, p.log)
	}

	rec = resolveRecorder(p.cfg, rec, p.log)

	dcfg := dispatcher.Config{
		LocalHosts:      p.cfg.LocalHosts,
		ForceProxyHTTPS: p.cfg.ForceProxyHTTPS,
	}
	p.dispatcher = dispatcher.New(dcfg, r, rec, p.certs, p.mitm, p.sockets, local, p.log)
	p.dispatcher.Metrics = p.metrics

	// Step 2+3: create the outer server (TCP or TLS) with the dispatcher
	// registered as its handler.
	addr := fmt.Sprintf("%s:%d", p.cfg.BindAddress, p.cfg.ProxyPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		p.log.Errorf("start", "listen %s: %v", addr, err)
		return fmt.Errorf("proxy: listen %s: %w", addr, err)
	}
	if p.cfg.Type == config.TypeHTTPS {
		leaf, err := p.certs.Get(p.cfg.Hostname)
		if err != nil {
			ln.Close() //nolint:errcheck
			return fmt.Errorf("proxy: issue leaf for own hostname %s: %w", p.cfg.Hostname, err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{leaf}})
	}
	p.listener = registry.WrapListener(ln, p.sockets)

	p.server = &http.Server{
		Handler:           p.dispatcher,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Step 4: bind (already bound above) and transition to READY.
	go func() {
		if err := p.server.Serve(p.listener); err != nil && err != http.ErrServerClosed {
			p.log.Errorf("serve", "%v", err)
		}
	}()

	p.status = StatusReady
	p.log.Infof("start", "ready on %s (type=%s)", addr, p.cfg.Type)
	return nil
}

// resolveRecorder builds the default JSONL recorder when cfg.RecorderPath
// is set and the caller didn't supply one; otherwise falls back to Noop.
func resolveRecorder(cfg *config.Config, rec recorder.Recorder, log *logger.Logger) recorder.Recorder {
	if rec != nil {
		return rec
	}
	if cfg.RecorderPath == "" {
		return recorder.Noop{}
	}
	jr, err := recorder.NewJSONLRecorder(cfg.RecorderPath, cfg.RecorderBodyDir, cfg.RecorderBodyCapSize, log)
	if err != nil {
		log.Warnf("start", "recorder disabled: %v", err)
		return recorder.Noop{}
	}
	return jr
}

// Close transitions READY→CLOSED: it destroys upstream connections, closes
// the MITM pool's outstanding listeners implicitly (they are tied to
// individual client connections, destroyed below), destroys every client
// connection tracked by the Socket Registry, then closes the outer
// listener. It returns once the outer server reports closed. It never
// panics; errors are returned, not thrown.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusReady {
		return fmt.Errorf("proxy: Close called from state %s, want READY", p.status)
	}

	if p.dispatcher != nil {
		p.dispatcher.CloseIdleConnections()
	}
	p.sockets.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := p.server.Shutdown(ctx)

	p.status = StatusClosed
	p.log.Infof("close", "closed")
	return err
}
