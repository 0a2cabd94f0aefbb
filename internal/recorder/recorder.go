// Package recorder defines the collaborator interface the dispatcher calls
// opportunistically to record request/response traffic, plus a JSONL file
// implementation. Noop is the null object: it discards everything, and the
// dispatcher substitutes it when it is given a nil Recorder.
package recorder

import (
	"time"
)

// RequestRecord is the JSON-serialisable shape passed to emitUpdate. Header
// values should already be sanitised by the caller (see SanitiseHeaders)
// before reaching the Recorder — the Recorder persists whatever it's given
// without further redaction.
type RequestRecord struct {
	ID          string            `json:"id"`
	ConnID      uint64            `json:"conn_id"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Hostname    string            `json:"hostname"`
	Intercepted bool              `json:"intercepted"`
	RequestHdr  map[string]string `json:"request_headers,omitempty"`
	StatusCode  int               `json:"status_code,omitempty"`
	ResponseHdr map[string]string `json:"response_headers,omitempty"`
	Err         string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at,omitempty"`
}

// Recorder is the consumed interface the dispatcher calls into. Both
// methods are best-effort: a Recorder should never block the hot path on
// slow I/O; implementations typically buffer or write asynchronously.
type Recorder interface {
	// EmitUpdate records (or updates) the metadata for one request/response
	// pair, identified by rec.ID.
	EmitUpdate(rec RequestRecord)

	// EmitUpdateBody appends a body excerpt chunk for the request/response
	// identified by id. Implementations are expected to cap total bytes
	// retained per id (see limitedWriter).
	EmitUpdateBody(id string, chunk []byte)
}

// Noop is a Recorder that discards everything. Useful when recording is
// disabled but callers still want a non-nil Recorder to avoid nil checks.
type Noop struct{}

// EmitUpdate implements Recorder.
func (Noop) EmitUpdate(RequestRecord) {}

// EmitUpdateBody implements Recorder.
func (Noop) EmitUpdateBody(string, []byte) {}

var _ Recorder = Noop{}
