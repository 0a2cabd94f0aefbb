package dispatcher

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"interceptproxy/internal/ca"
	"interceptproxy/internal/certcache"
	"interceptproxy/internal/mitmpool"
	"interceptproxy/internal/registry"
	"interceptproxy/internal/rule"
)

// interceptingRule forces BeforeDealHttpsRequest's decision for tests that
// need CONNECT targets to be MITM'd without configuring forceProxyHttps.
type interceptingRule struct {
	*rule.Default
	intercept bool
}

func (r interceptingRule) BeforeDealHttpsRequest(context.Context, rule.HTTPSDecision) bool {
	return r.intercept
}

func newTestDispatcher(t *testing.T, intercept bool) (*Dispatcher, *ca.Store) {
	t.Helper()
	store := ca.New(t.TempDir(), ca.Subject{Organization: "Test Proxy"}, nil)
	if _, _, err := store.Generate(false); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	issuer, err := ca.NewIssuer(store)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	certs := certcache.New(issuer, nil)
	pool := mitmpool.New(certs, nil)

	var ruleImpl rule.Rule = rule.NewDefault("test")
	if intercept {
		ruleImpl = interceptingRule{Default: rule.NewDefault("test"), intercept: true}
	}

	cfg := Config{LocalHosts: []string{"proxy.local:9999"}}
	d := New(cfg, ruleImpl, nil, certs, pool, registry.New(), nil, nil)
	return d, store
}

func TestPlainHTTPForward(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen", "1")
		w.Write([]byte("hi")) //nolint:errcheck
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(t, false)
	proxy := httptest.NewServer(d)
	defer proxy.Close()

	conn, err := net.Dial("tcp", proxy.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	upstreamAddr := upstream.Listener.Addr().String()
	fmt.Fprintf(conn, "GET http://%s/ HTTP/1.1\r\nHost: %s\r\n\r\n", upstreamAddr, upstreamAddr)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Seen"); got != "1" {
		t.Errorf("X-Seen header = %q, want 1", got)
	}
}

func TestLocalHost_DefaultResponse(t *testing.T) {
	d, _ := newTestDispatcher(t, false)
	proxy := httptest.NewServer(d)
	defer proxy.Close()

	req, _ := http.NewRequest(http.MethodGet, proxy.URL, nil)
	req.Host = "proxy.local:9999"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestConnectTunnel_NoIntercept(t *testing.T) {
	upstreamLn, upstreamAddr := newEchoServer(t)
	defer upstreamLn.Close()

	d, _ := newTestDispatcher(t, false)
	proxy := httptest.NewServer(d)
	defer proxy.Close()

	conn, err := net.Dial("tcp", proxy.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", upstreamAddr, upstreamAddr)
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read connect response: %v", err)
	}
	if line != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected CONNECT response line: %q", line)
	}
	reader.ReadString('\n') //nolint:errcheck // consume the blank line

	if _, err := conn.Write([]byte{0xDE, 0xAD}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	buf := make([]byte, 2)
	if _, err := readFull(reader, buf); err != nil {
		t.Fatalf("read echoed bytes: %v", err)
	}
	if buf[0] != 0xDE || buf[1] != 0xAD {
		t.Errorf("echoed bytes = %v, want [0xDE 0xAD]", buf)
	}
}

func TestConnectLocalLoop_Returns400(t *testing.T) {
	d, _ := newTestDispatcher(t, false)
	proxy := httptest.NewServer(d)
	defer proxy.Close()

	conn, err := net.Dial("tcp", proxy.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT proxy.local:9999 HTTP/1.1\r\nHost: proxy.local:9999\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestConnectIntercept_MITM(t *testing.T) {
	upstreamServed := make(chan string, 1)
	upstream := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamServed <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	upstream.StartTLS()
	defer upstream.Close()

	d, store := newTestDispatcher(t, true)
	// Trust the mock upstream's self-signed certificate on the re-originated leg.
	d.transport.TLSClientConfig = upstream.Client().Transport.(*http.Transport).TLSClientConfig
	proxy := httptest.NewServer(d)
	defer proxy.Close()

	targetHost := upstream.Listener.Addr().String()

	conn, err := net.Dial("tcp", proxy.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", targetHost, targetHost)
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil || line != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected CONNECT response: %q err=%v", line, err)
	}
	reader.ReadString('\n') //nolint:errcheck

	hostOnly, _, _ := net.SplitHostPort(targetHost)
	roots := x509.NewCertPool()
	roots.AddCert(store.Certificate())
	tlsConn := tls.Client(conn, &tls.Config{ServerName: hostOnly, RootCAs: roots})
	defer tlsConn.Close()

	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client tls handshake: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, "https://"+targetHost+"/x", nil)
	if err := req.Write(tlsConn); err != nil {
		t.Fatalf("write request: %v", err)
	}

	select {
	case path := <-upstreamServed:
		if path != "/x" {
			t.Errorf("upstream saw path %q, want /x", path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("upstream never received the decrypted request")
	}
}

func newEchoServer(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n]) //nolint:errcheck
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln, ln.Addr().String()
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
