// Package sqlmapapi is a client for the sqlmap REST API served by
// sqlmapapi.py. It covers the task lifecycle calls a batch run needs.
package sqlmapapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Scan status values reported by GET /scan/{id}/status.
const (
	StatusRunning    = "running"
	StatusTerminated = "terminated"
	StatusFinished   = "finished"
	StatusNotRunning = "not running"
)

// Options is the option record posted to /scan/{id}/start. Field names
// match sqlmap's option names.
type Options struct {
	URL         string `json:"url,omitempty"`
	Headers     string `json:"headers,omitempty"`
	RequestFile string `json:"requestFile,omitempty"`
	Level       int    `json:"level,omitempty"`
	Risk        int    `json:"risk,omitempty"`
	Threads     int    `json:"threads,omitempty"`
	Timeout     int    `json:"timeout,omitempty"`
	Retries     int    `json:"retries,omitempty"`
	RandomAgent bool   `json:"randomAgent,omitempty"`
	Batch       bool   `json:"batch,omitempty"`
	GetDbs      bool   `json:"getDbs,omitempty"`
	GetTables   bool   `json:"getTables,omitempty"`
	Smart       bool   `json:"smart,omitempty"`
}

// URLScanOptions returns the fixed option record used for URL targets.
func URLScanOptions(url string, headers map[string]string) Options {
	return Options{
		URL:         url,
		Headers:     FormatHeaders(headers),
		Level:       1,
		Risk:        1,
		Threads:     3,
		Timeout:     300,
		Retries:     3,
		RandomAgent: true,
		Batch:       true,
		GetDbs:      true,
		GetTables:   true,
		Smart:       true,
	}
}

// RequestScanOptions returns the fixed option record used for raw request
// targets. timeoutSec is the per-request timeout handed to sqlmap.
func RequestScanOptions(requestFile string, timeoutSec int) Options {
	return Options{
		RequestFile: requestFile,
		Level:       2,
		Risk:        2,
		Threads:     4,
		Timeout:     timeoutSec,
		Batch:       true,
		GetDbs:      true,
		GetTables:   true,
	}
}

// formFields flattens the options into multipart form values.
func (o Options) formFields() map[string]string {
	b, _ := json.Marshal(o)
	var generic map[string]any
	_ = json.Unmarshal(b, &generic)

	fields := make(map[string]string, len(generic))
	for k, v := range generic {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case bool:
			fields[k] = strconv.FormatBool(val)
		case float64:
			fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			fields[k] = fmt.Sprint(val)
		}
	}
	return fields
}

// FormatHeaders renders a header map in sqlmap's --headers form: one
// "Name: value" pair per line, sorted by name.
func FormatHeaders(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, k := range names {
		lines = append(lines, k+": "+headers[k])
	}
	return strings.Join(lines, "\n")
}

// DataEntry is one element of the /scan/{id}/data "data" list.
type DataEntry struct {
	Status int             `json:"status"`
	Type   int             `json:"type"`
	Value  json.RawMessage `json:"value"`
}

// DataResponse is the body of GET /scan/{id}/data.
type DataResponse struct {
	Success bool        `json:"success"`
	Data    []DataEntry `json:"data"`
	Error   []string    `json:"error"`
}

// StatusResponse is the body of GET /scan/{id}/status.
type StatusResponse struct {
	Success    bool   `json:"success"`
	Status     string `json:"status"`
	ReturnCode *int   `json:"returncode"`
}

// Terminal reports whether the status ends polling successfully.
func (s *StatusResponse) Terminal() bool {
	return s.Status == StatusTerminated || s.Status == StatusFinished
}

// Running reports whether the scan is still in progress.
func (s *StatusResponse) Running() bool {
	return s.Status == StatusRunning
}

type envelope struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	TaskID   string `json:"taskid"`
	EngineID int    `json:"engineid"`
}

// APIError is returned when the engine answers with a non-200 status or
// "success": false.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sqlmapapi: %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("sqlmapapi: %s: status %d", e.Op, e.StatusCode)
}
