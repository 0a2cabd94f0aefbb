package recorder

import (
	"encoding/json"
	"os"
	"sync"

	"interceptproxy/internal/logger"
)

// JSONLRecorder appends one JSON object per line to a file, plus, when a
// body directory is configured, one "<id>.body" file per request in that
// directory holding the size-capped body excerpt. It is
// the default Recorder implementation when a deployment wants on-disk
// traffic capture without pulling in a database dependency.
type JSONLRecorder struct {
	log *logger.Logger

	mu       sync.Mutex
	file     *os.File
	enc      *json.Encoder
	bodyDir  string
	bodyCap  int
	bodyBufs map[string]*limitedWriter
}

// NewJSONLRecorder opens (creating if necessary) path for append and
// returns a JSONLRecorder that writes records there. bodyDir, if non-empty,
// receives one file per request ID holding up to bodyCap bytes of combined
// request/response body excerpt.
func NewJSONLRecorder(path, bodyDir string, bodyCap int, log *logger.Logger) (*JSONLRecorder, error) {
	if log == nil {
		log = logger.New("RECORDER", "info")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	if bodyDir != "" {
		if err := os.MkdirAll(bodyDir, 0755); err != nil {
			f.Close() //nolint:errcheck // best-effort close on setup failure
			return nil, err
		}
	}
	return &JSONLRecorder{
		log:      log,
		file:     f,
		enc:      json.NewEncoder(f),
		bodyDir:  bodyDir,
		bodyCap:  bodyCap,
		bodyBufs: make(map[string]*limitedWriter),
	}, nil
}

// EmitUpdate implements Recorder.
func (r *JSONLRecorder) EmitUpdate(rec RequestRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(rec); err != nil {
		r.log.Errorf("emit_update", "write record %s: %v", rec.ID, err)
	}
}

// EmitUpdateBody implements Recorder.
func (r *JSONLRecorder) EmitUpdateBody(id string, chunk []byte) {
	if r.bodyDir == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.bodyBufs[id]
	if !ok {
		buf = newLimitedWriter(r.bodyCap)
		r.bodyBufs[id] = buf
	}
	buf.Write(chunk) //nolint:errcheck // limitedWriter.Write never errors
}

// Flush writes any buffered body excerpts to disk and clears the in-memory
// buffers. Call this when a request/response pair completes.
func (r *JSONLRecorder) Flush(id string) error {
	r.mu.Lock()
	buf, ok := r.bodyBufs[id]
	delete(r.bodyBufs, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return os.WriteFile(r.bodyDir+"/"+id+".body", buf.Bytes(), 0644)
}

// Close closes the underlying records file. Body excerpts not yet written
// by Flush are discarded.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// limitedWriter accumulates bytes up to a cap, silently dropping anything
// beyond it rather than growing unbounded for large bodies.
type limitedWriter struct {
	buf   []byte
	limit int
}

func newLimitedWriter(limit int) *limitedWriter {
	return &limitedWriter{limit: limit}
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.limit <= 0 {
		return len(p), nil
	}
	remaining := w.limit - len(w.buf)
	if remaining > 0 {
		chunk := p
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		w.buf = append(w.buf, chunk...)
	}
	return len(p), nil
}

func (w *limitedWriter) Bytes() []byte { return w.buf }

var _ Recorder = (*JSONLRecorder)(nil)
