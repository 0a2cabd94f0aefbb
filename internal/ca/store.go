// Package ca owns the long-lived root certificate authority: its on-disk
// lifecycle (generate, load, trust verification) and per-host leaf
// certificate signing. The root is created once per installation directory
// and is immutable afterwards; overwriting requires an explicit opt-in.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"interceptproxy/internal/logger"
)

// defaultCommonName is the fixed label stamped on every root CA this proxy
// mints, mirroring the reference implementation's "AnyProxy" CN.
const defaultCommonName = "AnyProxy"

// rootValidity is the minimum lifetime required of a freshly generated root.
const rootValidity = 10 * 365 * 24 * time.Hour

// Trust is the tri-state result of isTrusted().
type Trust int

// Trust states for the root CA in the local OS trust store.
const (
	TrustUnknown Trust = iota
	TrustYes
	TrustNo
)

func (t Trust) String() string {
	switch t {
	case TrustYes:
		return "trusted"
	case TrustNo:
		return "untrusted"
	default:
		return "unknown"
	}
}

// Subject carries the subject attributes used for the self-signed root.
// Country, Organization, State and OrganizationalUnit are supplied by
// configuration; CommonName is always fixed to defaultCommonName.
type Subject struct {
	Country            string
	Organization       string
	State              string
	OrganizationalUnit string
}

// Store owns the root CA's key material on disk and its parsed form once
// loaded. The zero value is not usable; construct with New.
type Store struct {
	dir     string
	subject Subject
	log     *logger.Logger

	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// New returns a Store rooted at dir. dir is created on first Generate call
// if it does not already exist.
func New(dir string, subject Subject, log *logger.Logger) *Store {
	if log == nil {
		log = logger.New("CA", "info")
	}
	return &Store{dir: dir, subject: subject, log: log}
}

// KeyPath returns the root private key's PEM path.
func (s *Store) KeyPath() string { return filepath.Join(s.dir, "rootCA.key") }

// RootPath returns the root certificate's PEM path.
func (s *Store) RootPath() string { return filepath.Join(s.dir, "rootCA.crt") }

// Exists reports whether both the root key and root certificate files are
// present in the configured directory.
func (s *Store) Exists() bool {
	if _, err := os.Stat(s.KeyPath()); err != nil {
		return false
	}
	if _, err := os.Stat(s.RootPath()); err != nil {
		return false
	}
	return true
}

// Generate creates a new self-signed root CA and persists it to disk.
// It fails if the root already exists and overwrite is false.
func (s *Store) Generate(overwrite bool) (keyPath, certPath string, err error) {
	if s.Exists() && !overwrite {
		return "", "", fmt.Errorf("ca: root already exists at %s (pass overwrite to replace)", s.dir)
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return "", "", fmt.Errorf("ca: create directory %s: %w", s.dir, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return "", "", fmt.Errorf("ca: generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("ca: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         defaultCommonName,
			Country:            nonEmptySlice(s.subject.Country),
			Organization:       nonEmptySlice(s.subject.Organization),
			Province:           nonEmptySlice(s.subject.State),
			OrganizationalUnit: nonEmptySlice(s.subject.OrganizationalUnit),
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
		MaxPathLenZero:        false,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("ca: create root certificate: %w", err)
	}

	keyOut, err := os.OpenFile(s.KeyPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", "", fmt.Errorf("ca: create key file: %w", err)
	}
	defer keyOut.Close() //nolint:errcheck // best-effort close
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}); err != nil {
		return "", "", fmt.Errorf("ca: write key PEM: %w", err)
	}

	certOut, err := os.OpenFile(s.RootPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", "", fmt.Errorf("ca: create cert file: %w", err)
	}
	defer certOut.Close() //nolint:errcheck // best-effort close
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return "", "", fmt.Errorf("ca: write cert PEM: %w", err)
	}

	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return "", "", fmt.Errorf("ca: parse freshly generated root: %w", err)
	}
	s.cert = cert
	s.key = key

	s.log.Infof("generate", "root CA generated at %s / %s (CN=%s, valid until %s)",
		s.KeyPath(), s.RootPath(), defaultCommonName, cert.NotAfter.Format(time.RFC3339))
	return s.KeyPath(), s.RootPath(), nil
}

// Load reads the root CA's key and certificate from disk into the Store.
// Exists() must be true, or Load returns an error.
func (s *Store) Load() error {
	certPEM, err := os.ReadFile(s.RootPath())
	if err != nil {
		return fmt.Errorf("ca: read root certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(s.KeyPath())
	if err != nil {
		return fmt.Errorf("ca: read root key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("ca: no PEM block in %s", s.RootPath())
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("ca: parse root certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("ca: no PEM block in %s", s.KeyPath())
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		parsed, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return fmt.Errorf("ca: parse root key: %w (pkcs8 also failed: %v)", err, err2)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return errors.New("ca: root key is not RSA")
		}
		key = rsaKey
	}

	s.cert = cert
	s.key = key
	return nil
}

// Certificate returns the parsed root certificate. Load or Generate must
// have been called first.
func (s *Store) Certificate() *x509.Certificate { return s.cert }

// Key returns the root private key. Load or Generate must have been called
// first.
func (s *Store) Key() *rsa.PrivateKey { return s.key }

// IsTrusted probes the local OS trust store for the root. macOS and Linux
// report yes or no, falling back to unknown when the keychain query fails
// or no system CA bundle is readable; other platforms (Windows included)
// are not introspected and always report unknown, matching spec §4.1.
func (s *Store) IsTrusted() Trust {
	if s.cert == nil {
		return TrustUnknown
	}
	switch runtime.GOOS {
	case "darwin":
		return isTrustedDarwin(s.cert)
	case "linux":
		return isTrustedLinux(s.cert)
	default:
		return TrustUnknown
	}
}

func nonEmptySlice(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}
