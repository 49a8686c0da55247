package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/0x6d61/sqlmapbatch/internal/capture"
	"github.com/0x6d61/sqlmapbatch/internal/config"
	"github.com/0x6d61/sqlmapbatch/internal/dedup"
	"github.com/0x6d61/sqlmapbatch/internal/engine"
	"github.com/0x6d61/sqlmapbatch/internal/ledger"
	"github.com/0x6d61/sqlmapbatch/internal/metrics"
	"github.com/0x6d61/sqlmapbatch/internal/report"
	"github.com/0x6d61/sqlmapbatch/internal/sqlmapapi"
	"github.com/0x6d61/sqlmapbatch/internal/supervisor"
	"github.com/0x6d61/sqlmapbatch/internal/transport"
)

func newURLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "urls <urls.txt>",
		Short: "Scan a list of URLs, one per line",
		Long: `Urls submits every URL of the list to sqlmapapi with the same set of
extra headers, taken from a JSON object file (--headers). Blank lines and
lines starting with # are ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: runURLs,
	}
	cmd.Flags().String("headers", "headers.json", "JSON file of extra headers sent with every URL")
	return cmd
}

func newRequestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requests <requests_ok.txt>",
		Short: "Scan raw HTTP requests from a request file",
		Long: `Requests submits every raw request of a "===="-separated request file
(as written by "sqlmapbatch convert") to sqlmapapi.`,
		Args: cobra.ExactArgs(1),
		RunE: runRequests,
	}
}

func runURLs(cmd *cobra.Command, args []string) error {
	cfg, closer, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	input := args[0]
	urls, err := capture.ReadURLList(input)
	if err != nil {
		return err
	}

	headersPath, _ := cmd.Flags().GetString("headers")
	headers, err := capture.LoadHeaders(headersPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("path", headersPath).Msg("headers file not found, scanning without extra headers")
		headers = map[string]string{}
	case err != nil:
		return err
	}

	targets := make([]engine.Target, len(urls))
	for i, u := range urls {
		targets[i] = engine.URLTarget(i+1, u, headers)
	}
	return runBatch(cmd, cfg, "urls", input, targets)
}

func runRequests(cmd *cobra.Command, args []string) error {
	cfg, closer, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	input := args[0]
	reqs, err := capture.ReadRequestFilePath(input)
	if err != nil {
		return err
	}

	targets := make([]engine.Target, len(reqs))
	for i, raw := range reqs {
		targets[i] = engine.RequestTarget(i+1, raw)
	}
	return runBatch(cmd, cfg, "requests", input, targets)
}

// runBatch wires the engine client, supervisor, report writer, ledger,
// dedup set and metrics around one orchestrator run.
func runBatch(cmd *cobra.Command, cfg config.Config, mode, input string, targets []engine.Target) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, disclaimer)

	if len(targets) == 0 {
		fmt.Fprintf(out, "[!] No targets in %s\n", input)
		return nil
	}
	fmt.Fprintf(out, "[*] Loaded %d target(s) from %s\n", len(targets), input)

	// CTRL+C cancels the run after the current task is cleaned up.
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tc := transport.NewClient(transport.ClientOptions{
		Timeout: cfg.Engine.CallTimeout,
		MaxRPS:  cfg.Engine.MaxRPS,
	})
	api := sqlmapapi.New(cfg.BaseURL(), tc, sqlmapapi.WithCallTimeout(cfg.Engine.CallTimeout))

	sup := supervisor.New(supervisor.Config{
		Python:        cfg.Engine.Python,
		Script:        cfg.Engine.Script,
		Host:          cfg.Engine.Host,
		Port:          cfg.Engine.Port,
		Dir:           cfg.Engine.Dir,
		LivenessPath:  cfg.Engine.LivenessPath,
		StartAttempts: cfg.Engine.StartAttempts,
		Backoff:       cfg.Engine.Backoff,
		StopGrace:     cfg.Engine.StopGrace,
	}, supervisor.WithLogger(log.Logger), supervisor.WithPinger(api))
	defer func() {
		if err := sup.Stop(); err != nil {
			log.Warn().Err(err).Msg("stop engine")
		}
	}()

	engineURL := sup.Config().BaseURL()
	fmt.Fprintf(out, "[*] Waiting for sqlmapapi at %s\n", engineURL)
	if err := sup.EnsureRunning(ctx); err != nil {
		return fmt.Errorf("start sqlmapapi: %w", err)
	}
	if sup.Running() {
		fmt.Fprintf(out, "[*] Started sqlmapapi at %s\n", engineURL)
	} else {
		fmt.Fprintf(out, "[*] Using the sqlmapapi already listening at %s\n", engineURL)
	}

	writer, err := report.New(cfg.Output.Format, cfg.Output.Path)
	if err != nil {
		return err
	}
	defer writer.Close()

	opts := []engine.Option{
		engine.WithSupervisor(sup),
		engine.WithLogger(log.Logger),
		engine.WithFindingSink(writer),
	}

	m := metrics.New()
	opts = append(opts, engine.WithMetrics(m))
	if cfg.Metrics.Addr != "" {
		addr, err := m.Serve(ctx, cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("serve metrics on %q: %w", cfg.Metrics.Addr, err)
		}
		fmt.Fprintf(out, "[*] Metrics on http://%s/metrics\n", addr)
	}

	seen, err := openDedup(ctx, cfg)
	if err != nil {
		return err
	}
	defer seen.Close()
	opts = append(opts, engine.WithDedup(seen))

	var (
		store *ledger.SQLiteStore
		run   *ledger.Run
	)
	if cfg.Ledger.Path != "" {
		store, err = ledger.NewSQLiteStore(cfg.Ledger.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		if cfg.Ledger.Resume {
			n, err := resume(ctx, store, seen)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "[*] Resuming: %d target(s) already scanned\n", n)
		}

		run, err = store.StartRun(ctx, mode, input)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithObservers(&ledger.Recorder{Store: store, RunID: run.ID}))
	}

	orch := engine.New(api, engine.Config{
		MaxRetries:   cfg.Scan.MaxRetries,
		RetryDelay:   cfg.Scan.RetryDelay,
		PollInterval: cfg.Scan.PollInterval,
		TaskTimeout:  cfg.Scan.TaskTimeout,
		SubmitMode:   cfg.Scan.Submit,
		TempDir:      cfg.Scan.TempDir,
	}, opts...)
	orch.SetProgressCallback(func(msg string) {
		fmt.Fprintf(out, "[*] %s\n", msg)
	})

	result := orch.Run(ctx, targets)

	if err := writer.Close(); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	if store != nil {
		if err := store.FinishRun(context.WithoutCancel(ctx), run.ID, result.Findings.Len()); err != nil {
			log.Warn().Err(err).Msg("finish ledger run")
		}
	}

	printSummary(out, result, cfg.Output.Path)
	stats := tc.Stats()
	log.Info().
		Int64("api_calls", stats.TotalRequests).
		Int64("api_errors", stats.TotalErrors).
		Dur("api_avg", stats.AvgDuration).
		Msg("engine api usage")
	log.Info().
		Int("targets", len(result.Outcomes)).
		Int("findings", result.Findings.Len()).
		Int("errors", len(result.Errors)).
		Dur("elapsed", result.EndTime.Sub(result.StartTime)).
		Msg("run finished")

	if ctx.Err() != nil {
		fmt.Fprintln(out, "[!] Interrupted, partial results saved")
	}
	return nil
}

func openDedup(ctx context.Context, cfg config.Config) (dedup.Set, error) {
	if cfg.Redis.URL == "" {
		return dedup.NewMemory(), nil
	}
	key := cfg.Redis.Key
	if key == "" {
		key = dedup.DefaultRedisKey
	}
	return dedup.NewRedis(ctx, cfg.Redis.URL, key)
}

// resume marks every target whose latest ledger state is DONE as seen.
func resume(ctx context.Context, store ledger.Store, seen dedup.Set) (int, error) {
	keys, err := store.DoneKeys(ctx)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := seen.Mark(ctx, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func printSummary(out io.Writer, result *engine.RunResult, path string) {
	fmt.Fprintf(out, "[*] Scanned %d target(s) in %s: %d done, %d timeout, %d error, %d skipped\n",
		len(result.Outcomes),
		formatDuration(result.EndTime.Sub(result.StartTime)),
		result.Count(engine.StateDone),
		result.Count(engine.StateTimeout),
		result.Count(engine.StateError),
		result.Count(engine.StateSkipped),
	)
	if n := result.Findings.Len(); n > 0 {
		for _, f := range result.Findings.Items() {
			fmt.Fprintf(out, "[+] %s: %s (%s)\n", f.Target, f.Parameter, f.Place)
		}
		fmt.Fprintf(out, "[+] %d injectable target(s), results written to %s\n", n, path)
	} else {
		fmt.Fprintf(out, "[-] No injection points found, results written to %s\n", path)
	}
}
