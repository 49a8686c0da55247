package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/0x6d61/sqlmapbatch/internal/finding"
)

const (
	doubleLine = "\u2550" // ═
	singleLine = "\u2500" // ─
	lineWidth  = 50
)

// NoFindings is written when a run ends without any injection point.
const NoFindings = "No injection points found."

// TextWriter keeps every finding in memory and rewrites the whole file on
// each Append, so a crash never leaves a half-written block.
type TextWriter struct {
	path string

	mu       sync.Mutex
	findings []*finding.Summary
}

// NewTextWriter returns a text writer for path. Nothing is written until
// the first Append or Close.
func NewTextWriter(path string) *TextWriter {
	return &TextWriter{path: path}
}

// Format returns "text".
func (w *TextWriter) Format() string {
	return "text"
}

// Append adds s and rewrites the file.
func (w *TextWriter) Append(ctx context.Context, s *finding.Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.findings = append(w.findings, s)
	return w.flushLocked()
}

// Close writes the final file, including the no-findings notice.
func (w *TextWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *TextWriter) flushLocked() error {
	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".sqlmapbatch-report-*")
	if err != nil {
		return fmt.Errorf("report: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := RenderText(tmp, w.findings); err != nil {
		tmp.Close()
		return fmt.Errorf("report: render: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("report: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return fmt.Errorf("report: replace %s: %w", w.path, err)
	}
	return nil
}

// RenderText writes the human-readable report for findings to out.
func RenderText(out io.Writer, findings []*finding.Summary) error {
	b := &strings.Builder{}

	doubleBar := strings.Repeat(doubleLine, lineWidth)
	singleBar := strings.Repeat(singleLine, lineWidth)

	fmt.Fprintln(b, doubleBar)
	fmt.Fprintln(b, "sqlmapbatch - SQL Injection Results")
	fmt.Fprintln(b, doubleBar)

	if len(findings) == 0 {
		fmt.Fprintln(b, NoFindings)
		fmt.Fprintln(b, doubleBar)
		_, err := io.WriteString(out, b.String())
		return err
	}

	for i, s := range findings {
		fmt.Fprintln(b, singleBar)
		fmt.Fprintf(b, "[%d] %s\n", i+1, s.Target)
		fmt.Fprintf(b, "  Parameter: %s (%s)\n", s.Parameter, s.Place)
		fmt.Fprintf(b, "  Payload:   %s\n", s.Payload)
		if s.DBMS != "" {
			fmt.Fprintf(b, "  DBMS:      %s\n", s.DBMS)
		}
		if len(s.Databases) > 0 {
			fmt.Fprintf(b, "  Databases: %s\n", strings.Join(s.Databases, ", "))
		}
		if dbs := s.SortedTableDBs(); len(dbs) > 0 {
			fmt.Fprintln(b, "  Tables:")
			for _, db := range dbs {
				fmt.Fprintf(b, "    %s: %s\n", db, strings.Join(s.Tables[db], ", "))
			}
		}
	}

	fmt.Fprintln(b, doubleBar)
	fmt.Fprintf(b, "Summary: %d injectable target(s)\n", len(findings))
	fmt.Fprintln(b, doubleBar)

	_, err := io.WriteString(out, b.String())
	return err
}
