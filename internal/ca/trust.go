package ca

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"os"
	"os/exec"
)

// isTrustedDarwin shells out to the macOS keychain to check whether a
// certificate with this fingerprint is already trusted. security(1) has no
// "query by DER bytes" primitive, so this checks for a matching common name
// in the system keychain instead — a heuristic, not a cryptographic proof,
// which is why the caller only ever sees a tri-state result.
func isTrustedDarwin(cert *x509.Certificate) Trust {
	out, err := exec.Command("security", "find-certificate", "-a", "-c", cert.Subject.CommonName, "/Library/Keychains/System.keychain").CombinedOutput()
	if err != nil {
		return TrustUnknown
	}
	if bytes.Contains(out, []byte(cert.Subject.CommonName)) {
		return TrustYes
	}
	return TrustNo
}

// linuxTrustBundlePaths lists the well-known system CA bundle locations
// across the major distro families.
var linuxTrustBundlePaths = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ssl/cert.pem",
}

// isTrustedLinux scans the system CA bundle for a PEM block matching the
// root's raw DER bytes.
func isTrustedLinux(cert *x509.Certificate) Trust {
	found := false
	for _, path := range linuxTrustBundlePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		found = true
		rest := data
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if bytes.Equal(block.Bytes, cert.Raw) {
				return TrustYes
			}
		}
	}
	if !found {
		return TrustUnknown
	}
	return TrustNo
}
