package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"regexp"
	"time"
)

// leafValidity is the maximum leaf lifetime accepted by modern browsers
// (Safari caps trusted leaf certificates at 825 days).
const leafValidity = 825 * 24 * time.Hour

// leafBackdate puts NotBefore slightly in the past so clients with a clock
// a little behind the server don't reject the leaf as not-yet-valid.
const leafBackdate = 24 * time.Hour

// hostnameRE approximates RFC1035 hostname syntax: labels of letters,
// digits and hyphens, not starting or ending with a hyphen, joined by dots.
var hostnameRE = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// Issuer mints leaf certificates signed by a loaded Store's root, reusing a
// single RSA key pair across every leaf it signs (the key pair itself
// carries no identity; only the certificate does, so rotating it per-host
// would add cost without adding security).
type Issuer struct {
	store   *Store
	leafKey *rsa.PrivateKey
}

// NewIssuer builds an Issuer bound to store. store must already have a
// loaded or generated root (Load/Generate called first).
func NewIssuer(store *Store) (*Issuer, error) {
	if store.Certificate() == nil || store.Key() == nil {
		return nil, fmt.Errorf("ca: issuer requires a loaded root")
	}
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("ca: generate leaf key pair: %w", err)
	}
	return &Issuer{store: store, leafKey: leafKey}, nil
}

// Sign issues a leaf certificate for hostname, valid for a window ending no
// later than leafValidity from now. hostname may be a DNS name or an IP
// literal; both get an appropriate SAN entry.
func (i *Issuer) Sign(hostname string) (tls.Certificate, error) {
	if hostname == "" {
		return tls.Certificate{}, fmt.Errorf("ca: empty hostname")
	}

	ip := net.ParseIP(hostname)
	if ip == nil && !hostnameRE.MatchString(hostname) {
		return tls.Certificate{}, fmt.Errorf("ca: %q is not a valid hostname or IP literal", hostname)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("ca: generate leaf serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hostname},
		NotBefore:             time.Now().Add(-leafBackdate),
		NotAfter:              time.Now().Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	if ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostname}
	}

	root := i.store.Certificate()
	derBytes, err := x509.CreateCertificate(rand.Reader, template, root, &i.leafKey.PublicKey, i.store.Key())
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("ca: sign leaf for %s: %w", hostname, err)
	}

	leaf, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("ca: parse signed leaf for %s: %w", hostname, err)
	}

	return tls.Certificate{
		Certificate: [][]byte{derBytes, root.Raw},
		PrivateKey:  i.leafKey,
		Leaf:        leaf,
	}, nil
}
