package supervisor

import (
	"context"
	"errors"
	"net/url"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/0x6d61/sqlmapbatch/internal/testutil"
)

// fakePinger fails the first failFor probes, then succeeds. A negative
// failFor never succeeds.
type fakePinger struct {
	mu      sync.Mutex
	calls   int
	failFor int
	paths   []string
}

func (p *fakePinger) Ping(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.paths = append(p.paths, path)
	if p.failFor < 0 || p.calls <= p.failFor {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakePinger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix sleep binary")
	}
}

func TestConfigDefaults(t *testing.T) {
	s := New(Config{}, WithLogger(zerolog.Nop()), WithPinger(&fakePinger{}))
	cfg := s.Config()
	if cfg.BaseURL() != "http://127.0.0.1:8775" {
		t.Errorf("BaseURL() = %q", cfg.BaseURL())
	}
	if cfg.LivenessPath != DefaultLivenessPath {
		t.Errorf("LivenessPath = %q", cfg.LivenessPath)
	}
	if cfg.StartAttempts != DefaultStartAttempts || cfg.Backoff != DefaultBackoff || cfg.StopGrace != DefaultStopGrace {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	argv := cfg.argv()
	want := []string{"python3", "sqlmapapi.py", "-s", "-H", "127.0.0.1", "-p", "8775"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestEnsureRunningReusesHealthyEngine(t *testing.T) {
	fe := testutil.NewFakeEngine()
	defer fe.Close()

	u, _ := url.Parse(fe.URL)
	port, _ := strconv.Atoi(u.Port())

	// A command that would fail proves nothing was spawned.
	s := New(Config{
		Host:    u.Hostname(),
		Port:    port,
		Command: []string{"/nonexistent/sqlmapapi"},
	}, WithLogger(zerolog.Nop()))

	if err := s.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning() error: %v", err)
	}
	if s.Running() {
		t.Error("Running() = true, want no spawned child")
	}
	if fe.Probes() != 1 {
		t.Errorf("Probes = %d, want 1", fe.Probes())
	}
}

func TestEnsureRunningGivesUpAfterAttempts(t *testing.T) {
	skipOnWindows(t)

	p := &fakePinger{failFor: -1}
	s := New(Config{
		Command:       []string{"sleep", "30"},
		StartAttempts: 3,
		Backoff:       10 * time.Millisecond,
		StopGrace:     time.Second,
	}, WithLogger(zerolog.Nop()), WithPinger(p))

	start := time.Now()
	err := s.EnsureRunning(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("EnsureRunning() error = %v, want ErrNotReady", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("EnsureRunning() took %v, want a bounded wait", elapsed)
	}
	// One initial probe plus one per attempt.
	if p.count() != 4 {
		t.Errorf("probes = %d, want 4", p.count())
	}
	if s.Running() {
		t.Error("child should be stopped after a failed start")
	}
}

func TestEnsureRunningSpawnsAndStops(t *testing.T) {
	skipOnWindows(t)

	p := &fakePinger{failFor: 2}
	s := New(Config{
		Command:       []string{"sleep", "30"},
		StartAttempts: 5,
		Backoff:       10 * time.Millisecond,
		StopGrace:     2 * time.Second,
	}, WithLogger(zerolog.Nop()), WithPinger(p))

	if err := s.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning() error: %v", err)
	}
	if !s.Running() {
		t.Fatal("Running() = false after spawn")
	}
	for _, path := range p.paths {
		if path != DefaultLivenessPath {
			t.Errorf("probe path = %q, want %q", path, DefaultLivenessPath)
		}
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if s.Running() {
		t.Error("Running() = true after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error: %v", err)
	}
}

func TestEnsureRunningChildExits(t *testing.T) {
	skipOnWindows(t)

	s := New(Config{
		Command:       []string{"true"},
		StartAttempts: 50,
		Backoff:       50 * time.Millisecond,
	}, WithLogger(zerolog.Nop()), WithPinger(&fakePinger{failFor: -1}))

	start := time.Now()
	err := s.EnsureRunning(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("EnsureRunning() error = %v, want ErrNotReady", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("EnsureRunning() took %v, want early return on exit", elapsed)
	}
}

func TestEnsureRunningBadCommand(t *testing.T) {
	s := New(Config{
		Command: []string{"/nonexistent/binary"},
	}, WithLogger(zerolog.Nop()), WithPinger(&fakePinger{failFor: -1}))

	if err := s.EnsureRunning(context.Background()); err == nil {
		t.Fatal("EnsureRunning() with a missing binary should fail")
	}
}

func TestEnsureRunningContextCanceled(t *testing.T) {
	skipOnWindows(t)

	s := New(Config{
		Command:       []string{"sleep", "30"},
		StartAttempts: 100,
		Backoff:       50 * time.Millisecond,
		StopGrace:     time.Second,
	}, WithLogger(zerolog.Nop()), WithPinger(&fakePinger{failFor: -1}))
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := s.EnsureRunning(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("EnsureRunning() error = %v, want deadline exceeded", err)
	}
}

func TestRestart(t *testing.T) {
	skipOnWindows(t)

	p := &fakePinger{failFor: 1}
	s := New(Config{
		Command:       []string{"sleep", "30"},
		StartAttempts: 5,
		Backoff:       10 * time.Millisecond,
		StopGrace:     time.Second,
	}, WithLogger(zerolog.Nop()), WithPinger(p))
	defer s.Stop()

	if err := s.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning() error: %v", err)
	}
	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart() error: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	s := New(Config{}, WithLogger(zerolog.Nop()), WithPinger(&fakePinger{}))
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error: %v", err)
	}
}

func TestLineLogger(t *testing.T) {
	w := &lineLogger{logger: zerolog.Nop(), stream: "stdout"}
	n, err := w.Write([]byte("first\r\nsec"))
	if err != nil || n != 10 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if string(w.buf) != "sec" {
		t.Errorf("buf = %q, want %q", w.buf, "sec")
	}
	w.Write([]byte("ond\n"))
	if len(w.buf) != 0 {
		t.Errorf("buf = %q, want empty", w.buf)
	}
}
