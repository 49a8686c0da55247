package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/0x6d61/sqlmapbatch/internal/finding"
)

// JSONLWriter appends one JSON record per finding to a file opened in
// append mode, so earlier runs' records are kept.
type JSONLWriter struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	now  func() time.Time
	path string
}

// jsonRecord is one line of the jsonl output.
type jsonRecord struct {
	SchemaVersion string              `json:"schema_version"`
	Tool          string              `json:"tool"`
	FoundAt       time.Time           `json:"found_at"`
	Target        string              `json:"target"`
	Parameter     string              `json:"parameter"`
	Place         string              `json:"place"`
	Payload       string              `json:"payload"`
	DBMS          string              `json:"dbms,omitempty"`
	Databases     []string            `json:"databases"`
	Tables        map[string][]string `json:"tables"`
}

// NewJSONLWriter opens path for appending, creating it if needed.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("report: open %s: %w", path, err)
	}
	return &JSONLWriter{
		f:    f,
		enc:  json.NewEncoder(f),
		now:  time.Now,
		path: path,
	}, nil
}

// Format returns "jsonl".
func (w *JSONLWriter) Format() string {
	return "jsonl"
}

// Append writes s as a single line.
func (w *JSONLWriter) Append(ctx context.Context, s *finding.Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("report: %s is closed", w.path)
	}

	rec := jsonRecord{
		SchemaVersion: "1.0",
		Tool:          "sqlmapbatch",
		FoundAt:       w.now().UTC(),
		Target:        s.Target,
		Parameter:     s.Parameter,
		Place:         s.Place,
		Payload:       s.Payload,
		DBMS:          s.DBMS,
		Databases:     s.Databases,
		Tables:        s.Tables,
	}
	if rec.Databases == nil {
		rec.Databases = []string{}
	}
	if rec.Tables == nil {
		rec.Tables = map[string][]string{}
	}
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("report: encode finding: %w", err)
	}
	return nil
}

// Close closes the file. It is safe to call more than once.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
