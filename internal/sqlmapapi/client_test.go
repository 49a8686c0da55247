package sqlmapapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/0x6d61/sqlmapbatch/internal/testutil"
	"github.com/0x6d61/sqlmapbatch/internal/transport"
)

func newTestAPI(t *testing.T, baseURL string) *Client {
	t.Helper()
	tc := transport.NewClient(transport.ClientOptions{Timeout: 5 * time.Second})
	return New(baseURL, tc, WithCallTimeout(2*time.Second))
}

// ---------------------------------------------------------------------------
// Task lifecycle against the fake engine
// ---------------------------------------------------------------------------

func TestNewTaskAndDelete(t *testing.T) {
	fe := testutil.NewFakeEngine()
	defer fe.Close()

	api := newTestAPI(t, fe.URL)
	ctx := context.Background()

	id, err := api.NewTask(ctx)
	if err != nil {
		t.Fatalf("NewTask() error: %v", err)
	}
	if id == "" {
		t.Fatal("NewTask() returned empty id")
	}

	if err := api.DeleteTask(ctx, id); err != nil {
		t.Fatalf("DeleteTask() error: %v", err)
	}
	if n := fe.DeleteCount(id); n != 1 {
		t.Errorf("DeleteCount(%s) = %d, want 1", id, n)
	}
}

func TestDeleteUnknownTask(t *testing.T) {
	fe := testutil.NewFakeEngine()
	defer fe.Close()

	api := newTestAPI(t, fe.URL)
	err := api.DeleteTask(context.Background(), "deadbeef")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("DeleteTask() error = %v, want *APIError", err)
	}
	if apiErr.Op != "task delete" {
		t.Errorf("Op = %q, want %q", apiErr.Op, "task delete")
	}
}

func TestNewTaskHTTPError(t *testing.T) {
	fe := testutil.NewFakeEngine()
	fe.NewTaskFailures = 1
	defer fe.Close()

	api := newTestAPI(t, fe.URL)
	_, err := api.NewTask(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("NewTask() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", apiErr.StatusCode)
	}

	// The second call succeeds.
	if _, err := api.NewTask(context.Background()); err != nil {
		t.Fatalf("NewTask() second call error: %v", err)
	}
}

func TestNewTaskSuccessFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": false, "message": "boom"}`)
	}))
	defer srv.Close()

	api := newTestAPI(t, srv.URL)
	_, err := api.NewTask(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("NewTask() error = %v, want *APIError", err)
	}
	if apiErr.Message != "boom" {
		t.Errorf("Message = %q, want %q", apiErr.Message, "boom")
	}
	if !strings.Contains(err.Error(), "task new") {
		t.Errorf("Error() = %q, want it to name the operation", err.Error())
	}
}

func TestNewTaskEmptyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": true}`)
	}))
	defer srv.Close()

	api := newTestAPI(t, srv.URL)
	if _, err := api.NewTask(context.Background()); err == nil {
		t.Fatal("NewTask() with empty taskid should fail")
	}
}

func TestNewTaskMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	}))
	defer srv.Close()

	api := newTestAPI(t, srv.URL)
	if _, err := api.NewTask(context.Background()); err == nil {
		t.Fatal("NewTask() with malformed body should fail")
	}
}

// ---------------------------------------------------------------------------
// Scan start
// ---------------------------------------------------------------------------

func TestStartScanJSON(t *testing.T) {
	fe := testutil.NewFakeEngine()
	defer fe.Close()

	api := newTestAPI(t, fe.URL)
	ctx := context.Background()
	id, err := api.NewTask(ctx)
	if err != nil {
		t.Fatalf("NewTask() error: %v", err)
	}

	opts := URLScanOptions("http://target/item?id=1", map[string]string{
		"User-Agent": "ua",
		"Cookie":     "a=b",
	})
	if err := api.StartScan(ctx, id, opts); err != nil {
		t.Fatalf("StartScan() error: %v", err)
	}

	rec, ok := fe.Start(id)
	if !ok {
		t.Fatal("engine did not record the start call")
	}
	if rec.ContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", rec.ContentType)
	}
	if rec.Options["url"] != "http://target/item?id=1" {
		t.Errorf("url = %v", rec.Options["url"])
	}
	if rec.Options["headers"] != "Cookie: a=b\nUser-Agent: ua" {
		t.Errorf("headers = %q", rec.Options["headers"])
	}
	if rec.Options["batch"] != true || rec.Options["getDbs"] != true || rec.Options["getTables"] != true {
		t.Errorf("batch/getDbs/getTables not set: %v", rec.Options)
	}
	if lvl, _ := rec.Options["level"].(float64); lvl != 1 {
		t.Errorf("level = %v, want 1", rec.Options["level"])
	}
}

func TestStartScanRequestFile(t *testing.T) {
	fe := testutil.NewFakeEngine()
	defer fe.Close()

	api := newTestAPI(t, fe.URL)
	ctx := context.Background()
	id, _ := api.NewTask(ctx)

	if err := api.StartScan(ctx, id, RequestScanOptions("/tmp/req.txt", 30)); err != nil {
		t.Fatalf("StartScan() error: %v", err)
	}
	rec, _ := fe.Start(id)
	if rec.Options["requestFile"] != "/tmp/req.txt" {
		t.Errorf("requestFile = %v", rec.Options["requestFile"])
	}
	if _, ok := rec.Options["url"]; ok {
		t.Error("url should be omitted for raw request scans")
	}
	if lvl, _ := rec.Options["level"].(float64); lvl != 2 {
		t.Errorf("level = %v, want 2", rec.Options["level"])
	}
}

func TestStartScanMultipart(t *testing.T) {
	fe := testutil.NewFakeEngine()
	defer fe.Close()

	api := newTestAPI(t, fe.URL)
	ctx := context.Background()
	id, _ := api.NewTask(ctx)

	raw := []byte("POST /login HTTP/1.1\r\nHost: target\r\n\r\nuser=a")
	opts := RequestScanOptions("", 30)
	if err := api.StartScanMultipart(ctx, id, opts, raw); err != nil {
		t.Fatalf("StartScanMultipart() error: %v", err)
	}

	rec, ok := fe.Start(id)
	if !ok {
		t.Fatal("engine did not record the start call")
	}
	if !strings.HasPrefix(rec.ContentType, "multipart/form-data") {
		t.Errorf("Content-Type = %q, want multipart/form-data", rec.ContentType)
	}
	if string(rec.Request) != string(raw) {
		t.Errorf("request part = %q, want %q", rec.Request, raw)
	}
	if rec.Options["level"] != "2" || rec.Options["batch"] != "true" {
		t.Errorf("form fields = %v", rec.Options)
	}
}

func TestStartScanFailure(t *testing.T) {
	fe := testutil.NewFakeEngine()
	fe.StartFailures = 1
	defer fe.Close()

	api := newTestAPI(t, fe.URL)
	ctx := context.Background()
	id, _ := api.NewTask(ctx)

	err := api.StartScan(ctx, id, URLScanOptions("http://x/", nil))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("StartScan() error = %v, want *APIError", err)
	}
}

// ---------------------------------------------------------------------------
// Status, data, stop, ping
// ---------------------------------------------------------------------------

func TestStatusSequence(t *testing.T) {
	fe := testutil.NewFakeEngine()
	fe.Statuses = []string{StatusRunning, StatusRunning, StatusTerminated}
	defer fe.Close()

	api := newTestAPI(t, fe.URL)
	ctx := context.Background()
	id, _ := api.NewTask(ctx)

	want := []string{StatusRunning, StatusRunning, StatusTerminated, StatusTerminated}
	for i, w := range want {
		st, err := api.Status(ctx, id)
		if err != nil {
			t.Fatalf("Status() #%d error: %v", i, err)
		}
		if st.Status != w {
			t.Errorf("Status() #%d = %q, want %q", i, st.Status, w)
		}
	}
}

func TestStatusHelpers(t *testing.T) {
	tests := []struct {
		status   string
		terminal bool
		running  bool
	}{
		{StatusRunning, false, true},
		{StatusTerminated, true, false},
		{StatusFinished, true, false},
		{StatusNotRunning, false, false},
	}
	for _, tt := range tests {
		st := &StatusResponse{Status: tt.status}
		if st.Terminal() != tt.terminal {
			t.Errorf("%q Terminal() = %v, want %v", tt.status, st.Terminal(), tt.terminal)
		}
		if st.Running() != tt.running {
			t.Errorf("%q Running() = %v, want %v", tt.status, st.Running(), tt.running)
		}
	}
}

func TestStatusHTTPError(t *testing.T) {
	fe := testutil.NewFakeEngine()
	fe.StatusHTTPCode = http.StatusInternalServerError
	defer fe.Close()

	api := newTestAPI(t, fe.URL)
	if _, err := api.Status(context.Background(), "x"); err == nil {
		t.Fatal("Status() should fail on HTTP 500")
	}
}

func TestData(t *testing.T) {
	fe := testutil.NewFakeEngine()
	fe.DataFunc = func(map[string]any) any {
		return testutil.InjectionData("id", "GET", []string{"shop"}, map[string][]string{"shop": {"users"}})
	}
	defer fe.Close()

	api := newTestAPI(t, fe.URL)
	ctx := context.Background()
	id, _ := api.NewTask(ctx)
	_ = api.StartScan(ctx, id, URLScanOptions("http://x/?id=1", nil))

	data, raw, err := api.Data(ctx, id)
	if err != nil {
		t.Fatalf("Data() error: %v", err)
	}
	if len(data.Data) != 4 {
		t.Fatalf("len(Data) = %d, want 4", len(data.Data))
	}
	if data.Data[1].Type != 1 {
		t.Errorf("Data[1].Type = %d, want 1", data.Data[1].Type)
	}
	if !json.Valid(raw) {
		t.Error("raw body is not valid JSON")
	}
}

func TestStopScan(t *testing.T) {
	fe := testutil.NewFakeEngine()
	defer fe.Close()

	api := newTestAPI(t, fe.URL)
	ctx := context.Background()
	id, _ := api.NewTask(ctx)

	if err := api.StopScan(ctx, id); err != nil {
		t.Fatalf("StopScan() error: %v", err)
	}
	if n := fe.StopCount(id); n != 1 {
		t.Errorf("StopCount = %d, want 1", n)
	}
}

func TestPing(t *testing.T) {
	fe := testutil.NewFakeEngine()
	fe.LivenessFailures = 1
	defer fe.Close()

	api := newTestAPI(t, fe.URL)
	ctx := context.Background()

	if err := api.Ping(ctx, "/admin/0/list"); err == nil {
		t.Error("first Ping() should fail")
	}
	if err := api.Ping(ctx, "/admin/0/list"); err != nil {
		t.Errorf("second Ping() error: %v", err)
	}
	if fe.Probes() != 2 {
		t.Errorf("Probes = %d, want 2", fe.Probes())
	}
}

func TestPingUnreachable(t *testing.T) {
	api := newTestAPI(t, "http://127.0.0.1:1")
	if err := api.Ping(context.Background(), "/admin/0/list"); err == nil {
		t.Fatal("Ping() to a closed port should fail")
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestFormatHeaders(t *testing.T) {
	if got := FormatHeaders(nil); got != "" {
		t.Errorf("FormatHeaders(nil) = %q, want empty", got)
	}
	got := FormatHeaders(map[string]string{"b": "2", "a": "1"})
	if got != "a: 1\nb: 2" {
		t.Errorf("FormatHeaders() = %q", got)
	}
}

func TestBaseURLTrimmed(t *testing.T) {
	api := newTestAPI(t, "http://127.0.0.1:8775/")
	if api.BaseURL() != "http://127.0.0.1:8775" {
		t.Errorf("BaseURL() = %q", api.BaseURL())
	}
}
