package recorder

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitiseHeaders_MasksSensitiveValues(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer sk-abcdefghijklmnop")
	h.Set("X-Api-Key", "short")
	h.Set("Content-Type", "application/json")

	out := SanitiseHeaders(h)
	if out["Authorization"] == "Bearer sk-abcdefghijklmnop" {
		t.Error("Authorization value was not masked")
	}
	if out["Content-Type"] != "application/json" {
		t.Errorf("Content-Type = %q, want unchanged", out["Content-Type"])
	}
	if out["X-Api-Key"] != "***" {
		t.Errorf("short X-Api-Key should fully mask to ***, got %q", out["X-Api-Key"])
	}
}

func TestSanitiseHeaders_EmptyHeaderReturnsNil(t *testing.T) {
	if out := SanitiseHeaders(http.Header{}); out != nil {
		t.Errorf("expected nil for empty headers, got %v", out)
	}
}

func TestJSONLRecorder_EmitUpdateWritesLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.jsonl")
	r, err := NewJSONLRecorder(path, "", 0, nil)
	if err != nil {
		t.Fatalf("NewJSONLRecorder: %v", err)
	}
	defer r.Close()

	r.EmitUpdate(RequestRecord{ID: "abc", Method: "GET", URL: "http://example.com/"})

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open records file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected one line in the records file")
	}
	var rec RequestRecord
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.ID != "abc" || rec.Method != "GET" {
		t.Errorf("record = %+v, want ID=abc Method=GET", rec)
	}
}

func TestJSONLRecorder_BodyExcerptCapped(t *testing.T) {
	dir := t.TempDir()
	bodyDir := filepath.Join(dir, "bodies")
	r, err := NewJSONLRecorder(filepath.Join(dir, "records.jsonl"), bodyDir, 4, nil)
	if err != nil {
		t.Fatalf("NewJSONLRecorder: %v", err)
	}
	defer r.Close()

	r.EmitUpdateBody("req-1", []byte("hello world"))
	if err := r.Flush("req-1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(bodyDir, "req-1.body"))
	if err != nil {
		t.Fatalf("read body excerpt: %v", err)
	}
	if len(data) != 4 {
		t.Errorf("body excerpt length = %d, want 4 (capped)", len(data))
	}
}

func TestNoop_DoesNothing(t *testing.T) {
	var n Noop
	n.EmitUpdate(RequestRecord{ID: "x"})
	n.EmitUpdateBody("x", []byte("data"))
}
