package mitmpool

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"testing"
	"time"

	"interceptproxy/internal/ca"
	"interceptproxy/internal/certcache"
)

func newTestPool(t *testing.T) (*Pool, *ca.Store) {
	t.Helper()
	store := ca.New(t.TempDir(), ca.Subject{Organization: "Test Proxy"}, nil)
	if _, _, err := store.Generate(false); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	issuer, err := ca.NewIssuer(store)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	cache := certcache.New(issuer, nil)
	return New(cache, nil), store
}

func TestServe_HandshakeAndHTTP1(t *testing.T) {
	pool, store := newTestPool(t)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	handlerCalled := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(handlerCalled)
		w.WriteHeader(http.StatusOK)
	})

	go pool.Serve(serverConn, "example.com", handler)

	roots := x509.NewCertPool()
	roots.AddCert(store.Certificate())
	tlsClient := tls.Client(clientConn, &tls.Config{
		ServerName: "example.com",
		RootCAs:    roots,
	})
	defer tlsClient.Close()

	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := req.Write(tlsClient); err != nil {
		t.Fatalf("write request: %v", err)
	}

	select {
	case <-handlerCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestServe_PresentsLeafMatchingSNI(t *testing.T) {
	pool, store := newTestPool(t)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	go pool.Serve(serverConn, "fallback.example.com", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	roots := x509.NewCertPool()
	roots.AddCert(store.Certificate())
	tlsClient := tls.Client(clientConn, &tls.Config{
		ServerName: "sni.example.com",
		RootCAs:    roots,
	})
	defer tlsClient.Close()

	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	cs := tlsClient.ConnectionState()
	if len(cs.PeerCertificates) == 0 {
		t.Fatal("no peer certificates presented")
	}
	if got := cs.PeerCertificates[0].DNSNames; len(got) != 1 || got[0] != "sni.example.com" {
		t.Errorf("leaf DNSNames = %v, want [sni.example.com]", got)
	}
}
