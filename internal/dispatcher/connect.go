package dispatcher

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"

	"interceptproxy/internal/registry"
	"interceptproxy/internal/rule"
)

// onConnect implements spec §4.5's onConnect: target parsing, the
// localHosts loop-safety check, the tunnel-vs-intercept decision, and
// either a raw bidirectional splice or a handoff to the MITM pool.
func (d *Dispatcher) onConnect(w http.ResponseWriter, r *http.Request) {
	if d.Metrics != nil {
		d.Metrics.ConnectTotal.Add(1)
	}

	target := normalizeConnectTarget(r.RequestURI)
	if target == "" {
		target = normalizeConnectTarget(r.Host)
	}

	if d.isLocalHost(target) {
		d.log.Warnf("connect", "refusing CONNECT to local host %s", target)
		if d.Metrics != nil {
			d.Metrics.ErrorsLocalLoopBlocked.Add(1)
		}
		http.Error(w, newError(ErrLocalLoopBlocked, fmt.Errorf("target %s is the proxy itself", target)).Error(), http.StatusBadRequest)
		return
	}

	hostOnly, _, err := net.SplitHostPort(target)
	if err != nil {
		hostOnly = target
	}

	intercept := d.cfg.ForceProxyHTTPS
	if !d.cfg.ForceProxyHTTPS {
		intercept = d.rule.BeforeDealHttpsRequest(r.Context(), rule.HTTPSDecision{Host: hostOnly, Port: connectPort(target)})
	} else if hasOverriddenHook(d.rule) {
		d.log.Warnf("connect", "forceProxyHttps is set; ignoring beforeDealHttpsRequest hook for %s", target)
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		d.log.Errorf("connect", "hijack %s: %v", target, err)
		return
	}

	if !intercept {
		if d.Metrics != nil {
			d.Metrics.ConnectTunneled.Add(1)
		}
		d.tunnel(clientConn, clientBuf, target)
		return
	}
	if d.Metrics != nil {
		d.Metrics.ConnectMITM.Add(1)
	}
	d.interceptMITM(clientConn, clientBuf, hostOnly, target)
}

// hasOverriddenHook reports whether r is something other than the
// no-op Default rule, used only to decide whether the forceProxyHttps
// conflict warning is worth logging.
func hasOverriddenHook(r rule.Rule) bool {
	_, isDefault := r.(*rule.Default)
	return !isDefault
}

// tunnel opens a raw TCP connection to target, writes the 200 response and
// any already-buffered client bytes, then relays both directions
// byte-for-byte until either side closes. No TLS termination occurs.
func (d *Dispatcher) tunnel(clientConn net.Conn, clientBuf *bufio.ReadWriter, target string) {
	defer clientConn.Close() //nolint:errcheck // best-effort close

	upstreamConn, err := net.DialTimeout("tcp", target, d.cfg.dialTimeout())
	if err != nil {
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n") //nolint:errcheck
		clientBuf.Flush()                                        //nolint:errcheck
		d.log.Warnf("tunnel", "dial %s: %v", target, err)
		return
	}
	defer upstreamConn.Close() //nolint:errcheck // best-effort close

	clientBuf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n") //nolint:errcheck
	if err := clientBuf.Flush(); err != nil {
		return
	}

	// clientConn is already tracked by the Socket Registry via the outer
	// listener's accept wrapper; only the new upstream dial needs tracking.
	upstreamID, _ := d.sockets.Insert(registry.KindUpstream, upstreamConn)
	defer d.sockets.Remove(upstreamID)

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstreamConn, clientBuf); done <- struct{}{} }() //nolint:errcheck
	go func() { io.Copy(clientConn, upstreamConn); done <- struct{}{} }() //nolint:errcheck
	<-done
}

// interceptMITM hands the hijacked connection to the MITM pool after
// replying 200, so the client's subsequent TLS handshake terminates
// locally and decrypted requests re-enter the dispatcher via onRequest
// with isHttps/hostname injected per spec §4.4.
func (d *Dispatcher) interceptMITM(clientConn net.Conn, clientBuf *bufio.ReadWriter, hostOnly, target string) {
	if _, err := clientBuf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		clientConn.Close() //nolint:errcheck
		return
	}
	if err := clientBuf.Flush(); err != nil {
		clientConn.Close() //nolint:errcheck
		return
	}

	// clientConn is already tracked by the Socket Registry via the outer
	// listener's accept wrapper.
	defer clientConn.Close() //nolint:errcheck // best-effort close once Serve returns

	// A client that pipelines its TLS ClientHello in the same flight as the
	// CONNECT line leaves it sitting in clientBuf's buffered reader; read
	// through that before falling through to the raw socket, same as tunnel.
	conn := &bufferedConn{Conn: clientConn, r: io.MultiReader(clientBuf.Reader, clientConn)}

	mitmHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.ServeHTTP(w, r.WithContext(withMitmContext(r.Context(), hostOnly)))
	})
	d.mitm.Serve(conn, hostOnly, mitmHandler)
}

// bufferedConn overrides net.Conn's Read with r, so bytes already buffered
// by a hijacked bufio.ReadWriter are consumed before reading the underlying
// socket directly.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// normalizeConnectTarget extracts host:port from a CONNECT request line's
// target, defaulting the port to 443 if absent (spec §4.5 tie-break).
func normalizeConnectTarget(raw string) string {
	if raw == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(raw); err == nil {
		return raw
	}
	return net.JoinHostPort(raw, "443")
}

func connectPort(target string) string {
	_, port, err := net.SplitHostPort(target)
	if err != nil {
		return "443"
	}
	return port
}
