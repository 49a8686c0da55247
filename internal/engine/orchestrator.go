package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0x6d61/sqlmapbatch/internal/dedup"
	"github.com/0x6d61/sqlmapbatch/internal/finding"
	"github.com/0x6d61/sqlmapbatch/internal/metrics"
	"github.com/0x6d61/sqlmapbatch/internal/sqlmapapi"
)

// ErrTaskCreate is returned when the engine refuses to create a task.
var ErrTaskCreate = errors.New("engine: create task failed")

// ErrScanStart is returned when a created task cannot be started.
var ErrScanStart = errors.New("engine: start scan failed")

// Submit modes for raw request targets.
const (
	SubmitFile      = "file"
	SubmitMultipart = "multipart"
)

// Config holds orchestration timings and bounds.
type Config struct {
	MaxRetries    int           // attempts for task creation, submission and data fetch
	RetryDelay    time.Duration // fixed delay between attempts
	PollInterval  time.Duration
	TaskTimeout   time.Duration // wall-clock budget per scan
	DeleteTimeout time.Duration // budget for cleanup calls after an interrupt
	SubmitMode    string        // SubmitFile or SubmitMultipart
	TempDir       string        // where request files are written; "" = os.TempDir()
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		RetryDelay:    2 * time.Second,
		PollInterval:  3 * time.Second,
		TaskTimeout:   300 * time.Second,
		DeleteTimeout: 10 * time.Second,
		SubmitMode:    SubmitFile,
	}
}

// --------------------------------------------------------------------------
// Interfaces for dependency injection
// --------------------------------------------------------------------------

// API is the subset of the engine REST API the orchestrator drives.
// *sqlmapapi.Client satisfies it.
type API interface {
	NewTask(ctx context.Context) (string, error)
	DeleteTask(ctx context.Context, taskID string) error
	StartScan(ctx context.Context, taskID string, opts sqlmapapi.Options) error
	StartScanMultipart(ctx context.Context, taskID string, opts sqlmapapi.Options, raw []byte) error
	StopScan(ctx context.Context, taskID string) error
	Status(ctx context.Context, taskID string) (*sqlmapapi.StatusResponse, error)
	Data(ctx context.Context, taskID string) (*sqlmapapi.DataResponse, []byte, error)
}

// Supervisor keeps the engine process alive. *supervisor.Supervisor
// satisfies it.
type Supervisor interface {
	EnsureRunning(ctx context.Context) error
	Restart(ctx context.Context) error
}

// FindingSink receives each finding as soon as it is extracted.
type FindingSink interface {
	Append(ctx context.Context, s *finding.Summary) error
}

// Observer is told about every finished target.
type Observer interface {
	Observe(ctx context.Context, o *Outcome) error
}

// --------------------------------------------------------------------------
// Orchestrator
// --------------------------------------------------------------------------

// Orchestrator runs targets strictly one after another.
type Orchestrator struct {
	api       API
	sup       Supervisor
	config    Config
	logger    zerolog.Logger
	seen      dedup.Set
	sink      FindingSink
	observers []Observer
	metrics   *metrics.Metrics

	onProgress func(msg string)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSupervisor enables the per-target liveness check and restarts.
func WithSupervisor(s Supervisor) Option {
	return func(o *Orchestrator) { o.sup = s }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithDedup replaces the default in-memory set.
func WithDedup(s dedup.Set) Option {
	return func(o *Orchestrator) { o.seen = s }
}

// WithFindingSink sets where findings are appended.
func WithFindingSink(s FindingSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithObservers adds outcome observers.
func WithObservers(obs ...Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs...) }
}

// WithMetrics records task counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New returns an Orchestrator. Zero fields of cfg take their defaults.
func New(api API, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = def.DeleteTimeout
	}
	if cfg.SubmitMode == "" {
		cfg.SubmitMode = def.SubmitMode
	}

	o := &Orchestrator{
		api:    api,
		config: cfg,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.seen == nil {
		o.seen = dedup.NewMemory()
	}
	return o
}

// SetProgressCallback sets a function called with status messages.
func (o *Orchestrator) SetProgressCallback(fn func(string)) {
	o.onProgress = fn
}

func (o *Orchestrator) progress(format string, args ...any) {
	if o.onProgress != nil {
		o.onProgress(fmt.Sprintf(format, args...))
	}
}

// Run processes targets in order. It stops early when ctx is cancelled,
// after cleaning up the current task; the partial result is returned.
func (o *Orchestrator) Run(ctx context.Context, targets []Target) *RunResult {
	result := &RunResult{
		Findings:  &finding.Collection{},
		StartTime: time.Now(),
	}
	defer func() { result.EndTime = time.Now() }()

	for i, t := range targets {
		if ctx.Err() != nil {
			o.logger.Warn().Int("remaining", len(targets)-i).Msg("run interrupted")
			result.Errors = append(result.Errors, fmt.Errorf("run interrupted: %w", ctx.Err()))
			break
		}

		o.progress("[%d/%d] %s", i+1, len(targets), t.Label())
		out := o.process(ctx, t)
		result.Outcomes = append(result.Outcomes, out)

		if out.Err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("target %d (%s): %w", t.Index, t.Label(), out.Err))
		}
		if out.Summary != nil {
			result.Findings.Add(out.Summary)
			o.metrics.FindingRecorded()
			o.progress("injection found: parameter %q (%s)", out.Summary.Parameter, out.Summary.Place)
			if o.sink != nil {
				if err := o.sink.Append(context.WithoutCancel(ctx), out.Summary); err != nil {
					result.Errors = append(result.Errors, fmt.Errorf("write finding: %w", err))
				}
			}
		}
		o.metrics.ObserveTask(out.State.String(), out.Duration())

		for _, obs := range o.observers {
			if err := obs.Observe(context.WithoutCancel(ctx), out); err != nil {
				o.logger.Warn().Err(err).Msg("observer failed")
				result.Errors = append(result.Errors, err)
			}
		}
	}

	o.progress("run complete: %d target(s), %d finding(s)", len(result.Outcomes), result.Findings.Len())
	return result
}

// process drives one target to a terminal state.
func (o *Orchestrator) process(ctx context.Context, t Target) (out *Outcome) {
	out = &Outcome{Target: t, State: StateNew, Started: time.Now()}
	defer func() { out.Finished = time.Now() }()

	logger := o.logger.With().Int("index", t.Index).Str("target", t.Label()).Logger()

	key := t.Key()
	if seen, err := o.seen.Seen(ctx, key); err != nil {
		logger.Warn().Err(err).Msg("dedup lookup failed")
	} else if seen {
		logger.Info().Msg("already scanned, skipping")
		o.progress("skipped: already scanned")
		out.State = StateSkipped
		return out
	}

	if o.sup != nil {
		if err := o.sup.EnsureRunning(ctx); err != nil {
			logger.Error().Err(err).Msg("engine unavailable, skipping target")
			out.State = StateSkipped
			out.Err = err
			return out
		}
	}

	taskID, err := o.createTask(ctx, logger)
	if err != nil {
		out.State = StateSkipped
		out.Err = err
		return out
	}
	out.TaskID = taskID
	out.State = StateTaskCreated
	logger = logger.With().Str("task_id", taskID).Logger()
	logger.Debug().Msg("task created")

	// Exactly one delete per created task, whatever happens below.
	var requestFile string
	defer func() {
		o.deleteTask(ctx, out, logger)
		if requestFile != "" {
			os.Remove(requestFile)
		}
		if out.State == StateError {
			o.restart(ctx, logger)
		}
	}()

	// A rejected submission is a per-target failure; the engine stays up.
	requestFile, err = o.submit(ctx, taskID, t, logger)
	if err != nil {
		logger.Error().Err(err).Msg("start scan failed, skipping target")
		o.progress("skipped: scan could not be started")
		out.State = StateSkipped
		out.Err = fmt.Errorf("%w: %w", ErrScanStart, err)
		return out
	}
	out.State = StateScanStarted
	logger.Info().Msg("scan started")

	state, err := o.poll(ctx, taskID)
	switch state {
	case StateTimeout:
		logger.Warn().Dur("budget", o.config.TaskTimeout).Msg("scan timed out, result inconclusive")
		o.progress("timeout after %s", o.config.TaskTimeout)
		out.State = StateTimeout
		out.Err = err
		o.stopScan(ctx, taskID, logger)
		return out
	case StateError:
		o.fail(out, err, logger)
		return out
	}

	out.State = StateDone
	data, raw, err := o.fetchData(ctx, taskID)
	if err != nil {
		logger.Error().Err(err).Msg("fetch scan data")
		out.Err = err
		return out
	}
	out.RawData = raw

	if sum, ok := finding.Extract(t.Label(), data.Data); ok {
		out.Summary = sum
		logger.Info().
			Str("parameter", sum.Parameter).
			Str("place", sum.Place).
			Int("databases", len(sum.Databases)).
			Int("tables", sum.TableCount()).
			Msg("injection found")
	} else {
		logger.Info().Msg("no injection found")
	}
	if len(data.Error) > 0 {
		logger.Debug().Strs("engine_errors", data.Error).Msg("engine reported errors")
	}

	if err := o.seen.Mark(ctx, key); err != nil {
		logger.Warn().Err(err).Msg("dedup mark failed")
	}
	return out
}

func (o *Orchestrator) fail(out *Outcome, err error, logger zerolog.Logger) {
	out.State = StateError
	out.Err = err
	logger.Error().Err(err).Msg("task failed")
}

// restart brings the engine back after a task error. Skipped while the run
// is being interrupted.
func (o *Orchestrator) restart(ctx context.Context, logger zerolog.Logger) {
	if ctx.Err() != nil || o.sup == nil {
		return
	}
	o.metrics.EngineRestarted()
	o.progress("engine error, restarting")
	if err := o.sup.Restart(ctx); err != nil {
		logger.Error().Err(err).Msg("engine restart failed")
	}
}

func (o *Orchestrator) createTask(ctx context.Context, logger zerolog.Logger) (string, error) {
	var taskID string
	err := o.retry(ctx, "create task", logger, func() error {
		id, err := o.api.NewTask(ctx)
		if err != nil {
			return err
		}
		taskID = id
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTaskCreate, err)
	}
	return taskID, nil
}

// submit starts the scan. For file submission it returns the request file
// path, which the caller removes once the task is deleted.
func (o *Orchestrator) submit(ctx context.Context, taskID string, t Target, logger zerolog.Logger) (string, error) {
	if t.Kind == KindURL {
		opts := sqlmapapi.URLScanOptions(t.URL, t.Headers)
		return "", o.retry(ctx, "start scan", logger, func() error {
			return o.api.StartScan(ctx, taskID, opts)
		})
	}

	timeoutSec := int(o.config.TaskTimeout / time.Second)
	if o.config.SubmitMode == SubmitMultipart {
		opts := sqlmapapi.RequestScanOptions("", timeoutSec)
		return "", o.retry(ctx, "start scan", logger, func() error {
			return o.api.StartScanMultipart(ctx, taskID, opts, t.Raw)
		})
	}

	path, err := o.writeRequestFile(t.Raw)
	if err != nil {
		return "", err
	}
	opts := sqlmapapi.RequestScanOptions(path, timeoutSec)
	return path, o.retry(ctx, "start scan", logger, func() error {
		return o.api.StartScan(ctx, taskID, opts)
	})
}

func (o *Orchestrator) writeRequestFile(raw []byte) (string, error) {
	f, err := os.CreateTemp(o.config.TempDir, "sqlmapbatch-*.req")
	if err != nil {
		return "", fmt.Errorf("engine: create request file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("engine: write request file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("engine: close request file: %w", err)
	}
	abs, err := filepath.Abs(f.Name())
	if err != nil {
		return f.Name(), nil
	}
	return abs, nil
}

// poll waits until the scan reaches a terminal status. It returns
// StateDone, StateTimeout or StateError.
func (o *Orchestrator) poll(ctx context.Context, taskID string) (TaskState, error) {
	deadline := time.Now().Add(o.config.TaskTimeout)
	for {
		st, err := o.api.Status(ctx, taskID)
		if err != nil {
			return StateError, fmt.Errorf("engine: poll status: %w", err)
		}
		switch {
		case st.Terminal():
			return StateDone, nil
		case st.Running():
		default:
			return StateError, fmt.Errorf("engine: unexpected scan status %q", st.Status)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return StateTimeout, fmt.Errorf("engine: scan exceeded %s", o.config.TaskTimeout)
		}
		wait := o.config.PollInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return StateError, ctx.Err()
		case <-timer.C:
		}
		if time.Now().After(deadline) {
			return StateTimeout, fmt.Errorf("engine: scan exceeded %s", o.config.TaskTimeout)
		}
	}
}

func (o *Orchestrator) fetchData(ctx context.Context, taskID string) (*sqlmapapi.DataResponse, []byte, error) {
	var (
		data *sqlmapapi.DataResponse
		raw  []byte
	)
	err := o.retry(ctx, "fetch data", o.logger, func() error {
		d, r, err := o.api.Data(ctx, taskID)
		if err != nil {
			return err
		}
		data, raw = d, r
		return nil
	})
	return data, raw, err
}

func (o *Orchestrator) stopScan(ctx context.Context, taskID string, logger zerolog.Logger) {
	cctx, cancel := o.cleanupContext(ctx)
	defer cancel()
	if err := o.api.StopScan(cctx, taskID); err != nil {
		logger.Warn().Err(err).Msg("stop scan")
	}
}

func (o *Orchestrator) deleteTask(ctx context.Context, out *Outcome, logger zerolog.Logger) {
	cctx, cancel := o.cleanupContext(ctx)
	defer cancel()

	if err := o.api.DeleteTask(cctx, out.TaskID); err != nil {
		logger.Warn().Err(err).Msg("delete task")
	} else {
		out.Deleted = true
		logger.Debug().Msg("task deleted")
	}
}

// cleanupContext detaches from a cancelled parent so cleanup calls still
// reach the engine after an interrupt.
func (o *Orchestrator) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() != nil {
		return context.WithTimeout(context.WithoutCancel(ctx), o.config.DeleteTimeout)
	}
	return context.WithCancel(ctx)
}

// retry runs fn up to MaxRetries times with a fixed delay between attempts.
func (o *Orchestrator) retry(ctx context.Context, op string, logger zerolog.Logger, fn func() error) error {
	var err error
	for attempt := 1; attempt <= o.config.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Int("max", o.config.MaxRetries).Msg("engine call failed")
		if attempt == o.config.MaxRetries {
			break
		}
		timer := time.NewTimer(o.config.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
