// Package testutil provides a scripted stand-in for the sqlmap REST API so
// the client, supervisor and orchestrator can be tested without sqlmap.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// StartRecord captures one POST /scan/{id}/start call.
type StartRecord struct {
	TaskID      string
	ContentType string
	Options     map[string]any
	Request     []byte // multipart "request" part, if any
}

// FakeEngine is an httptest server that mimics sqlmapapi.py.
//
// Behaviour is scripted through the exported fields, which must be set
// before the first request is made.
type FakeEngine struct {
	*httptest.Server

	// NewTaskFailures makes the first N /task/new calls fail with HTTP 500.
	NewTaskFailures int
	// StartFailures makes the first N /scan/{id}/start calls answer success=false.
	StartFailures int
	// Statuses is the status sequence returned per task; the last element
	// repeats. Defaults to ["running", "terminated"].
	Statuses []string
	// StatusHTTPCode, when non-zero, is returned by /scan/{id}/status instead
	// of a JSON body.
	StatusHTTPCode int
	// LivenessFailures makes the first N liveness probes answer 503.
	LivenessFailures int
	// DataFunc returns the "data" list for a task given its start options.
	DataFunc func(opts map[string]any) any

	mu           sync.Mutex
	nextID       int
	startCalls   int
	probes       int
	created      []string
	deleted      map[string]int
	stopped      map[string]int
	statusCalls  map[string]int
	starts       map[string]StartRecord
	newTaskCalls int
}

// NewFakeEngine starts a FakeEngine. Close it with Close().
func NewFakeEngine() *FakeEngine {
	fe := &FakeEngine{
		deleted:     make(map[string]int),
		stopped:     make(map[string]int),
		statusCalls: make(map[string]int),
		starts:      make(map[string]StartRecord),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/list", fe.handleLiveness)
	mux.HandleFunc("GET /admin/{token}/list", fe.handleLiveness)
	mux.HandleFunc("GET /task/new", fe.handleNewTask)
	mux.HandleFunc("GET /task/{id}/delete", fe.handleDelete)
	mux.HandleFunc("POST /scan/{id}/start", fe.handleStart)
	mux.HandleFunc("GET /scan/{id}/status", fe.handleStatus)
	mux.HandleFunc("GET /scan/{id}/data", fe.handleData)
	mux.HandleFunc("GET /scan/{id}/stop", fe.handleStop)

	fe.Server = httptest.NewServer(mux)
	return fe
}

// Created returns the task ids issued so far, in order.
func (fe *FakeEngine) Created() []string {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return append([]string(nil), fe.created...)
}

// DeleteCount returns how many times taskID was deleted.
func (fe *FakeEngine) DeleteCount(taskID string) int {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.deleted[taskID]
}

// StopCount returns how many times the scan of taskID was stopped.
func (fe *FakeEngine) StopCount(taskID string) int {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.stopped[taskID]
}

// NewTaskCalls returns the number of /task/new requests received.
func (fe *FakeEngine) NewTaskCalls() int {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.newTaskCalls
}

// Start returns the recorded start call for taskID.
func (fe *FakeEngine) Start(taskID string) (StartRecord, bool) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	rec, ok := fe.starts[taskID]
	return rec, ok
}

// Probes returns the number of liveness probes received.
func (fe *FakeEngine) Probes() int {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.probes
}

func (fe *FakeEngine) handleLiveness(w http.ResponseWriter, r *http.Request) {
	fe.mu.Lock()
	fe.probes++
	fail := fe.probes <= fe.LivenessFailures
	fe.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"success": true, "tasks": map[string]string{}, "tasks_num": 0})
}

func (fe *FakeEngine) handleNewTask(w http.ResponseWriter, r *http.Request) {
	fe.mu.Lock()
	fe.newTaskCalls++
	if fe.newTaskCalls <= fe.NewTaskFailures {
		fe.mu.Unlock()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	fe.nextID++
	id := fmt.Sprintf("%016x", fe.nextID)
	fe.created = append(fe.created, id)
	fe.mu.Unlock()

	writeJSON(w, map[string]any{"success": true, "taskid": id})
}

func (fe *FakeEngine) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fe.mu.Lock()
	known := fe.isKnown(id)
	if known {
		fe.deleted[id]++
	}
	fe.mu.Unlock()

	if !known {
		writeJSON(w, map[string]any{"success": false, "message": "Non-existing task ID"})
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

func (fe *FakeEngine) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec := StartRecord{TaskID: id, ContentType: r.Header.Get("Content-Type"), Options: map[string]any{}}

	mediaType, params, _ := mime.ParseMediaType(rec.ContentType)
	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			data, _ := io.ReadAll(part)
			if part.FormName() == "request" {
				rec.Request = data
				continue
			}
			rec.Options[part.FormName()] = string(data)
		}
	} else {
		_ = json.NewDecoder(r.Body).Decode(&rec.Options)
	}

	fe.mu.Lock()
	known := fe.isKnown(id)
	fe.startCalls++
	fail := fe.startCalls <= fe.StartFailures
	if known && !fail {
		fe.starts[id] = rec
	}
	fe.mu.Unlock()

	if !known || fail {
		writeJSON(w, map[string]any{"success": false, "message": "Invalid task ID"})
		return
	}
	writeJSON(w, map[string]any{"success": true, "engineid": 4242})
}

func (fe *FakeEngine) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fe.mu.Lock()
	if fe.StatusHTTPCode != 0 {
		code := fe.StatusHTTPCode
		fe.mu.Unlock()
		w.WriteHeader(code)
		return
	}
	seq := fe.Statuses
	if len(seq) == 0 {
		seq = []string{"running", "terminated"}
	}
	n := fe.statusCalls[id]
	fe.statusCalls[id]++
	fe.mu.Unlock()

	if n >= len(seq) {
		n = len(seq) - 1
	}
	writeJSON(w, map[string]any{"success": true, "status": seq[n], "returncode": nil})
}

func (fe *FakeEngine) handleData(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fe.mu.Lock()
	rec := fe.starts[id]
	fn := fe.DataFunc
	fe.mu.Unlock()

	var data any = []any{}
	if fn != nil {
		if d := fn(rec.Options); d != nil {
			data = d
		}
	}
	writeJSON(w, map[string]any{"success": true, "data": data, "error": []string{}})
}

func (fe *FakeEngine) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fe.mu.Lock()
	fe.stopped[id]++
	fe.mu.Unlock()
	writeJSON(w, map[string]any{"success": true})
}

// isKnown must be called with fe.mu held.
func (fe *FakeEngine) isKnown(id string) bool {
	for _, c := range fe.created {
		if c == id {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// InjectionData returns a data list with one injection point on param, a
// database list and a table map, shaped like sqlmap's output.
func InjectionData(param, place string, dbs []string, tables map[string][]string) []any {
	return []any{
		map[string]any{
			"status": 1,
			"type":   0,
			"value":  map[string]any{"url": "http://target/", "query": param + "=1"},
		},
		map[string]any{
			"status": 1,
			"type":   1,
			"value": []any{map[string]any{
				"place":     place,
				"parameter": param,
				"ptype":     1,
				"dbms":      "MySQL",
				"data": map[string]any{
					"1": map[string]any{"title": "AND boolean-based blind", "payload": param + "=1 AND 1=1"},
					"5": map[string]any{"title": "time-based blind", "payload": param + "=1 AND SLEEP(5)"},
				},
			}},
		},
		map[string]any{"status": 1, "type": 12, "value": dbs},
		map[string]any{"status": 1, "type": 13, "value": tables},
	}
}
