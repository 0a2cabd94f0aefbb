// Package dispatcher implements the CONNECT/upgrade/plain-HTTP state
// machine: the decision of whether an accepted client stream is tunneled
// opaquely, terminated via the MITM pool, or forwarded as a plain HTTP
// proxy request, plus the WebSocket upgrade branch.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"interceptproxy/internal/certcache"
	"interceptproxy/internal/logger"
	"interceptproxy/internal/metrics"
	"interceptproxy/internal/mitmpool"
	"interceptproxy/internal/recorder"
	"interceptproxy/internal/registry"
	"interceptproxy/internal/rule"
)

// ctxKey avoids collisions with any other package's context keys.
type ctxKey int

const (
	ctxKeyIsHTTPS ctxKey = iota
	ctxKeyHostname
)

// Config carries the dispatcher's behavioral knobs, set once at
// construction from validated Proxy Lifecycle configuration.
type Config struct {
	// LocalHosts are host[:port] values that identify the proxy itself;
	// requests or CONNECT targets matching one of these are never
	// forwarded upstream.
	LocalHosts []string
	// ForceProxyHTTPS, if true, always intercepts CONNECT targets and
	// ignores any Rule.BeforeDealHttpsRequest hook.
	ForceProxyHTTPS bool
	// UpstreamDialTimeout bounds dialing the origin for CONNECT tunnels
	// and plain HTTP forwarding.
	UpstreamDialTimeout time.Duration
	// IdleUpstreamTimeout bounds how long an idle upstream connection is
	// kept open by the shared transport.
	IdleUpstreamTimeout time.Duration
}

func (c Config) dialTimeout() time.Duration {
	if c.UpstreamDialTimeout > 0 {
		return c.UpstreamDialTimeout
	}
	return 30 * time.Second
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleUpstreamTimeout > 0 {
		return c.IdleUpstreamTimeout
	}
	return 120 * time.Second
}

// LocalHandler is the optional embedded application handler invoked when a
// request's Host matches one of Config.LocalHosts.
type LocalHandler = http.Handler

// Dispatcher owns the proxy-port-facing request handling: it is the
// http.Handler passed both to the outer plain-HTTP listener and to every
// MITM-terminated TLS connection the pool hands back.
type Dispatcher struct {
	cfg Config

	rule      rule.Rule
	recorder  recorder.Recorder
	certs     *certcache.Cache
	mitm      *mitmpool.Pool
	sockets   *registry.Registry
	transport *http.Transport
	local     LocalHandler
	log       *logger.Logger

	// Metrics is optional; when nil, counter updates are skipped. Set
	// directly after New() by the Proxy Lifecycle if metrics are enabled.
	Metrics *metrics.Metrics

	requestSeq uint64
}

// New builds a Dispatcher. rule and rec may be nil-substituted by callers
// with rule.NewDefault/recorder.Noop{}; local may be nil, in which case
// requests to LocalHosts get a terse built-in 200 response.
func New(cfg Config, r rule.Rule, rec recorder.Recorder, certs *certcache.Cache, mitm *mitmpool.Pool, sockets *registry.Registry, local LocalHandler, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.New("DISPATCH", "info")
	}
	if r == nil {
		r = rule.NewDefault("")
	}
	if rec == nil {
		rec = recorder.Noop{}
	}
	return &Dispatcher{
		cfg:      cfg,
		rule:     r,
		recorder: rec,
		certs:    certs,
		mitm:     mitm,
		sockets:  sockets,
		local:    local,
		log:      log,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   cfg.dialTimeout(),
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          200,
			IdleConnTimeout:       cfg.idleTimeout(),
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

// CloseIdleConnections releases idle upstream connections held by the
// shared transport. Called by the Proxy Lifecycle during close().
func (d *Dispatcher) CloseIdleConnections() { d.transport.CloseIdleConnections() }

func (d *Dispatcher) nextID() uint64 { return atomic.AddUint64(&d.requestSeq, 1) }

// ServeHTTP is the entry point for every parsed HTTP request on the outer
// proxy port, including requests re-entering from an MITM-terminated TLS
// connection (the mitmpool.Pool serves this same handler on the decrypted
// stream).
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		d.onConnect(w, r)
		return
	}
	if isWebSocketUpgrade(r) {
		d.onUpgrade(w, r)
		return
	}
	d.onRequest(w, r)
}

// onRequest implements spec §4.5's onRequest: local-hosts delegation, then
// the Rule request hook, upstream forwarding, and the Rule response hook.
func (d *Dispatcher) onRequest(w http.ResponseWriter, r *http.Request) {
	host, err := requestAuthority(r)
	if err != nil {
		d.writeError(w, newError(ErrProtocolViolation, err))
		return
	}

	if d.isLocalHost(host) {
		if d.Metrics != nil {
			d.Metrics.RequestsLocal.Add(1)
		}
		if d.local != nil {
			d.local.ServeHTTP(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "proxy ready\n") //nolint:errcheck // best-effort write
		return
	}

	if d.Metrics != nil {
		d.Metrics.RequestsTotal.Add(1)
	}
	reqID := d.nextID()
	start := time.Now()
	isHTTPS, _ := r.Context().Value(ctxKeyIsHTTPS).(bool)

	outbound, _, err := cloneOutbound(r, isHTTPS)
	if err != nil {
		d.writeError(w, newError(ErrProtocolViolation, err))
		return
	}

	rc := rule.Context{ConnID: reqID, Hostname: host, Intercepted: isHTTPS, Request: outbound}
	if rewritten, err := d.rule.BeforeSendRequest(r.Context(), rc); err == nil && rewritten != nil {
		outbound = rewritten
		outbound.RequestURI = ""
	}

	reqRecord := recorder.RequestRecord{
		ID:          uuid.NewString(),
		ConnID:      reqID,
		Method:      outbound.Method,
		URL:         outbound.URL.String(),
		Hostname:    host,
		Intercepted: isHTTPS,
		RequestHdr:  recorder.SanitiseHeaders(outbound.Header),
		StartedAt:   start,
	}

	upstreamStart := time.Now()
	resp, err := d.transport.RoundTrip(outbound)
	if d.Metrics != nil {
		d.Metrics.RecordUpstreamLatency(time.Since(upstreamStart))
	}
	if err != nil {
		dispErr := newError(ErrUpstreamConnectFailed, err)
		if timeout, ok := err.(net.Error); ok && timeout.Timeout() {
			dispErr = newError(ErrUpstreamTimeout, err)
		}
		if custom := d.rule.OnError(r.Context(), rc, dispErr); custom != nil {
			writeResponse(w, custom)
		} else {
			d.writeError(w, dispErr)
		}
		reqRecord.Err = dispErr.Error()
		reqRecord.FinishedAt = time.Now()
		d.recorder.EmitUpdate(reqRecord)
		return
	}
	defer resp.Body.Close()

	if rewrittenResp, err := d.rule.BeforeSendResponse(r.Context(), rc, resp); err == nil && rewrittenResp != nil {
		resp = rewrittenResp
	}

	reqRecord.StatusCode = resp.StatusCode
	reqRecord.ResponseHdr = recorder.SanitiseHeaders(resp.Header)

	removeHopByHop(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	tee := io.TeeReader(resp.Body, bodyExcerptWriter{id: reqRecord.ID, rec: d.recorder})
	io.Copy(w, tee) //nolint:errcheck // client disconnect is not an error worth surfacing here

	reqRecord.FinishedAt = time.Now()
	d.recorder.EmitUpdate(reqRecord)
	if f, ok := d.recorder.(interface{ Flush(id string) error }); ok {
		if err := f.Flush(reqRecord.ID); err != nil {
			d.log.Warnf("recorder", "flush body excerpt %s: %v", reqRecord.ID, err)
		}
	}
}

// cloneOutbound prepares a copy of r suitable for RoundTrip: absolute URL,
// stripped hop-by-hop and proxy headers, RequestURI cleared. When isHTTPS
// is true (the request arrived over an MITM'd TLS connection), the target
// scheme is forced to https.
func cloneOutbound(r *http.Request, isHTTPS bool) (*http.Request, string, error) {
	outbound := r.Clone(r.Context())
	if outbound.URL == nil {
		return nil, "", fmt.Errorf("dispatcher: request has no URL")
	}
	scheme := "http"
	if isHTTPS {
		scheme = "https"
	}
	if outbound.URL.Scheme == "" {
		outbound.URL.Scheme = scheme
	}
	if outbound.URL.Host == "" {
		outbound.URL.Host = outbound.Host
	}
	outbound.RequestURI = ""
	outbound.Header = cloneHeader(r.Header)
	removeHopByHop(outbound.Header)
	return outbound, outbound.URL.Scheme, nil
}

// requestAuthority resolves the target host[:port] per spec §4.5's
// tie-break: absolute-form URI authority takes precedence, falling back to
// the Host header; an empty result is a protocol violation (400).
func requestAuthority(r *http.Request) (string, error) {
	if r.URL != nil && r.URL.IsAbs() && r.URL.Host != "" {
		return r.URL.Host, nil
	}
	if r.Host != "" {
		return r.Host, nil
	}
	return "", fmt.Errorf("dispatcher: request carries no Host header or absolute-form URI")
}

// isLocalHost reports whether host (as given on the wire, possibly without
// an explicit port) matches one of the dispatcher's configured
// LocalHosts, using explicit host:port normalization rather than the
// buggy ":80" IP-literal special-case this logic is historically prone to.
func (d *Dispatcher) isLocalHost(host string) bool {
	normalized := normalizeAuthority(host, "http")
	for _, lh := range d.cfg.LocalHosts {
		if normalizeAuthority(lh, "http") == normalized {
			return true
		}
		// Also accept a bare host match, covering a LocalHosts entry that
		// omits the port (e.g. just "localhost").
		if _, _, err := net.SplitHostPort(lh); err != nil && lh == hostOnly(host) {
			return true
		}
	}
	return false
}

// normalizeAuthority returns host:port, defaulting the port for scheme if
// host carries none.
func normalizeAuthority(host, scheme string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := "80"
	if scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(host, port)
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (d *Dispatcher) writeError(w http.ResponseWriter, err *Error) {
	if err == nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	d.log.Warnf("error", "%v", err)
	if d.Metrics != nil {
		d.countError(err.Kind)
	}
	http.Error(w, err.Error(), statusFor(err.Kind))
}

// countError increments the Metrics counter matching kind. Callers must
// have already checked d.Metrics != nil.
func (d *Dispatcher) countError(kind ErrorKind) {
	switch kind {
	case ErrConfigInvalid:
		d.Metrics.ErrorsConfigInvalid.Add(1)
	case ErrCaUnavailable:
		d.Metrics.ErrorsCaUnavailable.Add(1)
	case ErrCertIssueFailed:
		d.Metrics.ErrorsCertIssueFailed.Add(1)
	case ErrUpstreamConnectFailed:
		d.Metrics.ErrorsUpstreamConnectFailed.Add(1)
	case ErrUpstreamTimeout:
		d.Metrics.ErrorsUpstreamTimeout.Add(1)
	case ErrClientAborted:
		d.Metrics.ErrorsClientAborted.Add(1)
	case ErrProtocolViolation:
		d.Metrics.ErrorsProtocolViolation.Add(1)
	case ErrLocalLoopBlocked:
		d.Metrics.ErrorsLocalLoopBlocked.Add(1)
	}
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		io.Copy(w, resp.Body) //nolint:errcheck // best-effort: client may already be gone
	}
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Proxy-Connection",
}

func removeHopByHop(h http.Header) {
	for _, v := range hopByHopHeaders {
		h.Del(v)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		dup := make([]string, len(vv))
		copy(dup, vv)
		out[k] = dup
	}
	return out
}

// withMitmContext tags ctx with the isHttps/hostname values spec §4.4
// requires the MITM Pool to inject before handing a decrypted stream back
// into request handling.
func withMitmContext(ctx context.Context, hostname string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyIsHTTPS, true)
	ctx = context.WithValue(ctx, ctxKeyHostname, hostname)
	return ctx
}

// bodyExcerptWriter feeds response bytes to the recorder as they stream to
// the client, without buffering the whole body in memory.
type bodyExcerptWriter struct {
	id  string
	rec recorder.Recorder
}

func (b bodyExcerptWriter) Write(p []byte) (int, error) {
	b.rec.EmitUpdateBody(b.id, p)
	return len(p), nil
}
