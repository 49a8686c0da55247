package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/0x6d61/sqlmapbatch/internal/config"
	"github.com/0x6d61/sqlmapbatch/internal/logger"
)

// Version information (set by build flags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const disclaimer = "[!] Legal disclaimer: Usage of sqlmapbatch for attacking targets without prior mutual consent is illegal."

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sqlmapbatch",
		Short: "Batch driver for the sqlmap REST API",
		Long: `sqlmapbatch - Batch driver for the sqlmap REST API

Converts Burp Suite request exports to sqlmap request files, starts and
supervises a local sqlmapapi server, scans every target one at a time and
collects the injection findings into a results file.

WARNING: Use this tool only against systems you have explicit permission to test.
Unauthorized access to computer systems is illegal.`,
		SilenceUsage: true,
	}

	def := config.Default()
	pf := rootCmd.PersistentFlags()

	pf.String("config", "", "YAML config file")

	// Engine flags
	pf.String("host", def.Engine.Host, "sqlmapapi listen host")
	pf.Int("port", def.Engine.Port, "sqlmapapi listen port")
	pf.String("python", def.Engine.Python, "Python interpreter used to launch sqlmapapi")
	pf.String("sqlmapapi", def.Engine.Script, "Path to sqlmapapi.py")

	// Output flags
	pf.StringP("output", "o", def.Output.Path, "Results file path")
	pf.StringP("format", "f", def.Output.Format, "Results format (text, jsonl)")
	pf.String("log-file", def.Log.File, "Log file path (empty disables)")
	pf.String("log-level", def.Log.Level, "Log level (debug, info, warn, error)")

	// Run bookkeeping
	pf.String("ledger", def.Ledger.Path, "sqlite run ledger (empty disables)")
	pf.Bool("resume", false, "Skip targets already scanned to completion in the ledger")
	pf.String("redis-url", "", "Redis URL for a shared scanned-target set")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	// Scan timings
	pf.Duration("task-timeout", def.Scan.TaskTimeout, "Wall-clock budget per scan")
	pf.Duration("poll-interval", def.Scan.PollInterval, "Status poll interval")
	pf.String("submit", def.Scan.Submit, "How raw requests are submitted (file, multipart)")

	rootCmd.AddCommand(
		newConvertCmd(),
		newURLsCmd(),
		newRequestsCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig layers defaults, the --config file, the environment and the
// command-line flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	return config.Load(file, cmd.Flags())
}

// setup loads the configuration and installs the run logger. The returned
// closer must be closed when the command ends.
func setup(cmd *cobra.Command) (config.Config, io.Closer, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, err
	}
	closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("open log file %q: %w", cfg.Log.File, err)
	}
	return cfg, closer, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sqlmapbatch %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
