package ca

import (
	"os"
	"path/filepath"
	"testing"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(dir, Subject{Organization: "Test Proxy"}, nil)
}

func TestGenerate_CreatesFiles(t *testing.T) {
	s := tempStore(t)
	keyPath, certPath, err := s.Generate(false)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := os.Stat(keyPath); err != nil {
		t.Errorf("key file missing: %v", err)
	}
	if _, err := os.Stat(certPath); err != nil {
		t.Errorf("cert file missing: %v", err)
	}
}

func TestGenerate_FilePermissions(t *testing.T) {
	s := tempStore(t)
	keyPath, certPath, err := s.Generate(false)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, p := range []string{keyPath, certPath} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("%s permissions: got %04o, want 0600", p, perm)
		}
	}
}

func TestGenerate_RefusesOverwriteByDefault(t *testing.T) {
	s := tempStore(t)
	if _, _, err := s.Generate(false); err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	if _, _, err := s.Generate(false); err == nil {
		t.Error("expected error on second Generate without overwrite")
	}
	if _, _, err := s.Generate(true); err != nil {
		t.Errorf("Generate(overwrite=true): %v", err)
	}
}

func TestExists(t *testing.T) {
	s := tempStore(t)
	if s.Exists() {
		t.Error("Exists() true before Generate")
	}
	if _, _, err := s.Generate(false); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !s.Exists() {
		t.Error("Exists() false after Generate")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	s := tempStore(t)
	if _, _, err := s.Generate(false); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	loaded := New(filepath.Dir(s.RootPath()), Subject{}, nil)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Certificate() == nil || loaded.Key() == nil {
		t.Fatal("Load did not populate certificate/key")
	}
	if loaded.Certificate().Subject.CommonName != defaultCommonName {
		t.Errorf("CommonName = %q, want %q", loaded.Certificate().Subject.CommonName, defaultCommonName)
	}
	if !loaded.Certificate().IsCA {
		t.Error("loaded root is not marked IsCA")
	}
}

func TestLoad_MissingFiles(t *testing.T) {
	s := New(t.TempDir(), Subject{}, nil)
	if err := s.Load(); err == nil {
		t.Error("expected error loading from empty directory")
	}
}

func TestIsTrusted_UnknownWithoutCert(t *testing.T) {
	s := tempStore(t)
	if got := s.IsTrusted(); got != TrustUnknown {
		t.Errorf("IsTrusted() = %v, want %v", got, TrustUnknown)
	}
}
