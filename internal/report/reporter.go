// Package report writes injection findings to the results file as they
// are found.
package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/0x6d61/sqlmapbatch/internal/finding"
)

// Writer appends findings to a results file.
type Writer interface {
	// Format returns the format name (e.g., "text", "jsonl").
	Format() string

	// Append records one finding. The file on disk is complete after every
	// call.
	Append(ctx context.Context, s *finding.Summary) error

	// Close finalises the file.
	Close() error
}

// New creates a writer for path by format name ("text", "jsonl" or its
// alias "json"). The format name is case-insensitive.
func New(format, path string) (Writer, error) {
	switch strings.ToLower(format) {
	case "text", "txt":
		return NewTextWriter(path), nil
	case "jsonl", "json":
		return NewJSONLWriter(path)
	default:
		return nil, fmt.Errorf("unsupported report format: %q", format)
	}
}
