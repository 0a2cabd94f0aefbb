// Package mitmpool terminates TLS on hijacked client connections using a
// single shared listener per accepted connection, rather than standing up a
// dedicated listener per intercepted hostname. The certificate served for
// each handshake is chosen dynamically from the TLS ClientHello's SNI value,
// via a shared tls.Config.GetCertificate callback.
package mitmpool

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"interceptproxy/internal/certcache"
	"interceptproxy/internal/logger"
)

// Pool hands out TLS-terminated HTTP service for hijacked MITM connections.
type Pool struct {
	certs *certcache.Cache
	log   *logger.Logger
}

// New returns a Pool that resolves leaf certificates through certs.
func New(certs *certcache.Cache, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.New("MITMPOOL", "info")
	}
	return &Pool{certs: certs, log: log}
}

// tlsConfig builds a *tls.Config whose GetCertificate callback dispatches on
// SNI, falling back to fallbackHost when the ClientHello carries no
// ServerName (some clients omit SNI for IP-literal CONNECT targets).
func (p *Pool) tlsConfig(fallbackHost string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = fallbackHost
			}
			cert, err := p.certs.Get(host)
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
		NextProtos: []string{"h2", "http/1.1"},
	}
}

// Serve performs a TLS handshake on clientConn (a hijacked CONNECT
// connection) and serves HTTP/1.1 or HTTP/2 requests through handler until
// the connection is closed. host seeds the certificate chosen when the
// client sends no SNI.
func (p *Pool) Serve(clientConn net.Conn, host string, handler http.Handler) {
	tlsConn := tls.Server(clientConn, p.tlsConfig(host))
	if err := tlsConn.Handshake(); err != nil {
		p.log.Warnf("handshake", "TLS handshake failed for %s: %v", host, err)
		tlsConn.Close() //nolint:errcheck // best-effort close on handshake failure
		return
	}
	defer tlsConn.Close() //nolint:errcheck // best-effort close

	switch tlsConn.ConnectionState().NegotiatedProtocol {
	case "h2":
		h2srv := &http2.Server{
			MaxConcurrentStreams:      250,
			MaxDecoderHeaderTableSize: 4096,
			MaxEncoderHeaderTableSize: 4096,
			MaxReadFrameSize:          1 << 20,
			IdleTimeout:               90 * time.Second,
		}
		h2srv.ServeConn(tlsConn, &http2.ServeConnOpts{Handler: handler})
	default:
		ln := &singleConnListener{conn: tlsConn, closed: make(chan struct{})}
		srv := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ConnState: func(_ net.Conn, s http.ConnState) {
				if s == http.StateClosed {
					ln.Close() //nolint:errcheck // unblocks Accept so Serve returns
				}
			},
		}
		srv.Serve(ln) //nolint:errcheck // returns net.ErrClosed once the single connection is closed
	}
}

// singleConnListener wraps a single net.Conn as a net.Listener. Accept
// returns the connection once, then blocks until Close is called.
type singleConnListener struct {
	conn      net.Conn
	done      bool
	closeOnce sync.Once
	closed    chan struct{}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.done {
		<-l.closed
		return nil, net.ErrClosed
	}
	l.done = true
	return l.conn, nil
}

func (l *singleConnListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return l.conn.Close()
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }
