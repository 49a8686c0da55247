// Package engine drives targets through the sqlmap REST API one at a time.
package engine

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/0x6d61/sqlmapbatch/internal/capture"
	"github.com/0x6d61/sqlmapbatch/internal/finding"
)

// TargetKind says how a target is submitted to the engine.
type TargetKind int

const (
	KindURL TargetKind = iota
	KindRequest
)

// String returns a human-readable name for the kind.
func (k TargetKind) String() string {
	switch k {
	case KindURL:
		return "url"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// Target is one unit of work.
type Target struct {
	Index   int // 1-based position in the input
	Kind    TargetKind
	URL     string
	Headers map[string]string
	Raw     capture.RawRequest
}

// URLTarget returns a URL target.
func URLTarget(index int, url string, headers map[string]string) Target {
	return Target{Index: index, Kind: KindURL, URL: url, Headers: headers}
}

// RequestTarget returns a raw request target.
func RequestTarget(index int, raw capture.RawRequest) Target {
	return Target{Index: index, Kind: KindRequest, Raw: raw}
}

// Key is the stable identity used for de-duplication and the ledger.
func (t Target) Key() string {
	if t.Kind == KindURL {
		return t.URL
	}
	return fmt.Sprintf("req#%016x", xxhash.Sum64(t.Raw))
}

// Label is a short description for logs and reports: the URL, or
// "METHOD host/path" for raw requests.
func (t Target) Label() string {
	if t.Kind == KindURL {
		return t.URL
	}
	return describeRequest(t.Raw)
}

func describeRequest(raw []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(raw))
	var method, path, host string
	first := true
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if first {
			first = false
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				method, path = parts[0], parts[1]
			}
			continue
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "host") {
			host = strings.TrimSpace(value)
		}
	}
	if method == "" {
		return "raw request"
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return method + " " + path
	}
	return method + " " + host + path
}

// TaskState is the lifecycle state of one target's remote task.
type TaskState int

const (
	StateNew TaskState = iota
	StateTaskCreated
	StateScanStarted
	StateDone
	StateTimeout
	StateError
	StateSkipped
)

var stateNames = [...]string{
	"NEW", "TASK_CREATED", "SCAN_STARTED", "DONE", "TIMEOUT", "ERROR", "SKIPPED",
}

// String returns the state name.
func (s TaskState) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// ParseState is the inverse of String.
func ParseState(name string) (TaskState, bool) {
	for i, n := range stateNames {
		if n == name {
			return TaskState(i), true
		}
	}
	return StateNew, false
}

// Terminal reports whether no further transition can happen.
func (s TaskState) Terminal() bool {
	return s >= StateDone
}

// Outcome is what happened to one target.
type Outcome struct {
	Target   Target
	TaskID   string
	State    TaskState
	Err      error
	Summary  *finding.Summary // set when the scan found an injection
	RawData  []byte           // /scan/{id}/data body, DONE only
	Deleted  bool
	Started  time.Time
	Finished time.Time
}

// Duration returns how long the target took.
func (o *Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}

// RunResult holds the result of a whole batch.
type RunResult struct {
	Findings  *finding.Collection
	Outcomes  []*Outcome
	StartTime time.Time
	EndTime   time.Time
	Errors    []error
}

// Count returns how many outcomes ended in state s.
func (r *RunResult) Count(s TaskState) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == s {
			n++
		}
	}
	return n
}
