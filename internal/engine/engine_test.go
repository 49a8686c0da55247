package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/0x6d61/sqlmapbatch/internal/capture"
)

func TestTaskStateString(t *testing.T) {
	tests := []struct {
		state TaskState
		want  string
	}{
		{StateNew, "NEW"},
		{StateTaskCreated, "TASK_CREATED"},
		{StateScanStarted, "SCAN_STARTED"},
		{StateDone, "DONE"},
		{StateTimeout, "TIMEOUT"},
		{StateError, "ERROR"},
		{StateSkipped, "SKIPPED"},
		{TaskState(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("TaskState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
		if tt.want == "UNKNOWN" {
			continue
		}
		back, ok := ParseState(tt.want)
		if !ok || back != tt.state {
			t.Errorf("ParseState(%q) = %v, %v", tt.want, back, ok)
		}
	}
	if _, ok := ParseState("bogus"); ok {
		t.Error("ParseState(bogus) should fail")
	}
}

func TestTaskStateTerminal(t *testing.T) {
	for _, s := range []TaskState{StateNew, StateTaskCreated, StateScanStarted} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
	for _, s := range []TaskState{StateDone, StateTimeout, StateError, StateSkipped} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
}

func TestTargetKey(t *testing.T) {
	u := URLTarget(1, "http://a/?id=1", nil)
	if u.Key() != "http://a/?id=1" {
		t.Errorf("URL Key() = %q", u.Key())
	}

	raw := capture.RawRequest("GET / HTTP/1.1\r\nHost: a\r\n\r\n")
	r1 := RequestTarget(1, raw)
	r2 := RequestTarget(7, append(capture.RawRequest(nil), raw...))
	if !strings.HasPrefix(r1.Key(), "req#") || len(r1.Key()) != len("req#")+16 {
		t.Errorf("request Key() = %q", r1.Key())
	}
	if r1.Key() != r2.Key() {
		t.Error("equal requests should share a key")
	}
	r3 := RequestTarget(1, capture.RawRequest("GET /x HTTP/1.1\r\nHost: a\r\n\r\n"))
	if r1.Key() == r3.Key() {
		t.Error("different requests should not share a key")
	}
}

func TestTargetLabel(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"origin form", "POST /login HTTP/1.1\r\nHost: shop.local\r\n\r\na=b", "POST shop.local/login"},
		{"absolute form", "GET http://x.local/p HTTP/1.1\r\nHost: y\r\n\r\n", "GET http://x.local/p"},
		{"lowercase host", "GET /p HTTP/1.1\nhost: z\n\n", "GET z/p"},
		{"garbage", "", "raw request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RequestTarget(1, capture.RawRequest(tt.raw)).Label()
			if got != tt.want {
				t.Errorf("Label() = %q, want %q", got, tt.want)
			}
		})
	}
	if URLTarget(1, "http://u/", nil).Label() != "http://u/" {
		t.Error("URL Label() should be the URL")
	}
}

func TestRunResultCount(t *testing.T) {
	now := time.Now()
	r := &RunResult{Outcomes: []*Outcome{
		{State: StateDone, Started: now, Finished: now.Add(time.Second)},
		{State: StateDone},
		{State: StateSkipped},
	}}
	if r.Count(StateDone) != 2 || r.Count(StateSkipped) != 1 || r.Count(StateError) != 0 {
		t.Errorf("Count() mismatch")
	}
	if r.Outcomes[0].Duration() != time.Second {
		t.Errorf("Duration() = %v", r.Outcomes[0].Duration())
	}
}

func TestTargetKindString(t *testing.T) {
	if KindURL.String() != "url" || KindRequest.String() != "request" || TargetKind(5).String() != "unknown" {
		t.Error("TargetKind.String() mismatch")
	}
}
