// Package supervisor starts, watches and stops the local sqlmapapi server.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0x6d61/sqlmapbatch/internal/sqlmapapi"
	"github.com/0x6d61/sqlmapbatch/internal/transport"
)

// ErrNotReady is returned when the engine does not answer its liveness
// endpoint within the attempt bound.
var ErrNotReady = errors.New("supervisor: engine not ready")

// Defaults for Config.
const (
	DefaultLivenessPath  = "/admin/0/list"
	DefaultStartAttempts = 30
	DefaultBackoff       = time.Second
	DefaultStopGrace     = 5 * time.Second
	probeTimeout         = 3 * time.Second
)

// Config describes how to launch and probe the engine.
type Config struct {
	Python string // interpreter, e.g. "python3"
	Script string // path to sqlmapapi.py
	Host   string
	Port   int
	Dir    string // working directory of the child

	// Command overrides the Python/Script invocation when set.
	Command []string

	LivenessPath  string
	StartAttempts int
	Backoff       time.Duration
	StopGrace     time.Duration
}

// BaseURL returns the engine root, e.g. "http://127.0.0.1:8775".
func (c Config) BaseURL() string {
	return "http://" + c.Host + ":" + strconv.Itoa(c.Port)
}

func (c Config) argv() []string {
	if len(c.Command) > 0 {
		return c.Command
	}
	return []string{c.Python, c.Script, "-s", "-H", c.Host, "-p", strconv.Itoa(c.Port)}
}

func (c *Config) applyDefaults() {
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.Script == "" {
		c.Script = "sqlmapapi.py"
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8775
	}
	if c.LivenessPath == "" {
		c.LivenessPath = DefaultLivenessPath
	}
	if c.StartAttempts <= 0 {
		c.StartAttempts = DefaultStartAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
}

// Pinger probes an endpoint; *sqlmapapi.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context, path string) error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger used for lifecycle events and child output.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithPinger replaces the liveness prober.
func WithPinger(p Pinger) Option {
	return func(s *Supervisor) { s.pinger = p }
}

// Supervisor owns at most one engine child process.
type Supervisor struct {
	cfg    Config
	pinger Pinger
	logger zerolog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// New returns a Supervisor for cfg. Nothing is started until EnsureRunning.
func New(cfg Config, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:    cfg,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pinger == nil {
		tc := transport.NewClient(transport.ClientOptions{Timeout: probeTimeout})
		s.pinger = sqlmapapi.New(cfg.BaseURL(), tc, sqlmapapi.WithCallTimeout(probeTimeout))
	}
	s.logger = s.logger.With().Str("component", "supervisor").Logger()
	return s
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// Healthy reports whether the liveness endpoint answers 200.
func (s *Supervisor) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return s.pinger.Ping(ctx, s.cfg.LivenessPath) == nil
}

// Running reports whether a child started by this supervisor is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveLocked()
}

// EnsureRunning makes sure an engine answers on the configured address.
// An engine that is already healthy is reused without spawning.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	if s.Healthy(ctx) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.aliveLocked() {
		if err := s.spawnLocked(); err != nil {
			return err
		}
	}
	done := s.done

	for attempt := 1; attempt <= s.cfg.StartAttempts; attempt++ {
		if s.Healthy(ctx) {
			s.logger.Info().Str("url", s.cfg.BaseURL()).Int("attempt", attempt).Msg("engine is up")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			s.cmd = nil
			return fmt.Errorf("%w: process exited during startup", ErrNotReady)
		case <-time.After(s.cfg.Backoff):
		}
	}

	s.logger.Error().Int("attempts", s.cfg.StartAttempts).Msg("engine did not become ready")
	if err := s.stopLocked(); err != nil {
		s.logger.Warn().Err(err).Msg("stop after failed start")
	}
	return ErrNotReady
}

// Restart stops any child and brings the engine back up.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.logger.Warn().Msg("restarting engine")
	if err := s.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("stop before restart")
	}
	return s.EnsureRunning(ctx)
}

// Stop terminates the child, escalating to a kill after the grace period.
// It is safe to call more than once.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Supervisor) aliveLocked() bool {
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Supervisor) spawnLocked() error {
	argv := s.cfg.argv()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.cfg.Dir
	cmd.Stdout = &lineLogger{logger: s.logger, stream: "stdout"}
	cmd.Stderr = &lineLogger{logger: s.logger, stream: "stderr"}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start %s: %w", argv[0], err)
	}
	s.logger.Info().Int("pid", cmd.Process.Pid).Strs("argv", argv).Msg("engine process started")

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		s.logger.Debug().Err(err).Int("pid", cmd.Process.Pid).Msg("engine process exited")
		close(done)
	}()

	s.cmd = cmd
	s.done = done
	return nil
}

func (s *Supervisor) stopLocked() error {
	if s.cmd == nil {
		return nil
	}
	cmd, done := s.cmd, s.done
	s.cmd = nil

	select {
	case <-done:
		return nil
	default:
	}

	if err := terminate(cmd.Process); err != nil {
		s.logger.Debug().Err(err).Msg("terminate")
	}
	select {
	case <-done:
		s.logger.Info().Int("pid", cmd.Process.Pid).Msg("engine process stopped")
		return nil
	case <-time.After(s.cfg.StopGrace):
	}

	s.logger.Warn().Int("pid", cmd.Process.Pid).Msg("engine ignored terminate, killing")
	if err := kill(cmd.Process); err != nil {
		return fmt.Errorf("supervisor: kill: %w", err)
	}
	<-done
	return nil
}

// lineLogger forwards child output to the run log at debug level.
type lineLogger struct {
	logger zerolog.Logger
	stream string
	buf    []byte
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf[:i], "\r")
		if len(line) > 0 {
			w.logger.Debug().Str("stream", w.stream).Msg(string(line))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
