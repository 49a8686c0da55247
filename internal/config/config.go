// Package config loads sqlmapbatch settings from defaults, an optional YAML
// file, SQLMAPBATCH_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/0x6d61/sqlmapbatch/internal/logger"
)

// EnvPrefix prefixes every environment variable, e.g. SQLMAPBATCH_ENGINE_PORT.
const EnvPrefix = "SQLMAPBATCH"

// Config is the complete configuration record.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Scan    ScanConfig    `mapstructure:"scan"`
	Output  OutputConfig  `mapstructure:"output"`
	Log     logger.Config `mapstructure:"log"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// EngineConfig describes the sqlmapapi server and how to launch it.
type EngineConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Python        string        `mapstructure:"python"`
	Script        string        `mapstructure:"script"`
	Dir           string        `mapstructure:"dir"`
	LivenessPath  string        `mapstructure:"liveness_path"`
	StartAttempts int           `mapstructure:"start_attempts"`
	Backoff       time.Duration `mapstructure:"backoff"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	MaxRPS        float64       `mapstructure:"max_rps"`
}

// ScanConfig holds orchestration timings.
type ScanConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`
	Submit       string        `mapstructure:"submit"`
	TempDir      string        `mapstructure:"temp_dir"`
}

// OutputConfig selects the results file.
type OutputConfig struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
}

// LedgerConfig locates the run ledger.
type LedgerConfig struct {
	Path   string `mapstructure:"path"` // "" disables the ledger
	Resume bool   `mapstructure:"resume"`
}

// RedisConfig enables the shared dedup set.
type RedisConfig struct {
	URL string `mapstructure:"url"`
	Key string `mapstructure:"key"`
}

// MetricsConfig enables the /metrics endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			Host:          "127.0.0.1",
			Port:          8775,
			Python:        "python3",
			Script:        "sqlmapapi.py",
			LivenessPath:  "/admin/0/list",
			StartAttempts: 30,
			Backoff:       time.Second,
			StopGrace:     5 * time.Second,
			CallTimeout:   30 * time.Second,
		},
		Scan: ScanConfig{
			MaxRetries:   3,
			RetryDelay:   2 * time.Second,
			PollInterval: 3 * time.Second,
			TaskTimeout:  300 * time.Second,
			Submit:       "file",
		},
		Output: OutputConfig{
			Path:   "injection_results.txt",
			Format: "text",
		},
		Log: logger.Config{
			Level: "info",
			File:  "sqlmapbatch.log",
		},
		Ledger: LedgerConfig{
			Path: "sqlmapbatch.db",
		},
	}
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"host":          "engine.host",
	"port":          "engine.port",
	"python":        "engine.python",
	"sqlmapapi":     "engine.script",
	"output":        "output.path",
	"format":        "output.format",
	"log-file":      "log.file",
	"log-level":     "log.level",
	"ledger":        "ledger.path",
	"resume":        "ledger.resume",
	"redis-url":     "redis.url",
	"metrics-addr":  "metrics.addr",
	"task-timeout":  "scan.task_timeout",
	"poll-interval": "scan.poll_interval",
	"submit":        "scan.submit",
}

// Load builds a Config. file may be empty; flags may be nil. Only flags the
// user actually set override file and environment values.
func Load(file string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	if c.Engine.Port <= 0 || c.Engine.Port > 65535 {
		return fmt.Errorf("config: engine.port %d out of range", c.Engine.Port)
	}
	switch c.Scan.Submit {
	case "file", "multipart":
	default:
		return fmt.Errorf("config: scan.submit must be file or multipart, got %q", c.Scan.Submit)
	}
	switch strings.ToLower(c.Output.Format) {
	case "text", "txt", "json", "jsonl":
	default:
		return fmt.Errorf("config: output.format must be text or jsonl, got %q", c.Output.Format)
	}
	if c.Scan.TaskTimeout <= 0 || c.Scan.PollInterval <= 0 {
		return fmt.Errorf("config: scan.task_timeout and scan.poll_interval must be positive")
	}
	if c.Ledger.Resume && c.Ledger.Path == "" {
		return fmt.Errorf("config: ledger.resume needs ledger.path")
	}
	return nil
}

// BaseURL returns the engine root URL.
func (c Config) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Engine.Host, c.Engine.Port)
}

// setDefaults registers every key so AutomaticEnv can see it during
// Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("engine.host", d.Engine.Host)
	v.SetDefault("engine.port", d.Engine.Port)
	v.SetDefault("engine.python", d.Engine.Python)
	v.SetDefault("engine.script", d.Engine.Script)
	v.SetDefault("engine.dir", d.Engine.Dir)
	v.SetDefault("engine.liveness_path", d.Engine.LivenessPath)
	v.SetDefault("engine.start_attempts", d.Engine.StartAttempts)
	v.SetDefault("engine.backoff", d.Engine.Backoff)
	v.SetDefault("engine.stop_grace", d.Engine.StopGrace)
	v.SetDefault("engine.call_timeout", d.Engine.CallTimeout)
	v.SetDefault("engine.max_rps", d.Engine.MaxRPS)

	v.SetDefault("scan.max_retries", d.Scan.MaxRetries)
	v.SetDefault("scan.retry_delay", d.Scan.RetryDelay)
	v.SetDefault("scan.poll_interval", d.Scan.PollInterval)
	v.SetDefault("scan.task_timeout", d.Scan.TaskTimeout)
	v.SetDefault("scan.submit", d.Scan.Submit)
	v.SetDefault("scan.temp_dir", d.Scan.TempDir)

	v.SetDefault("output.path", d.Output.Path)
	v.SetDefault("output.format", d.Output.Format)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.json_format", d.Log.JSONFormat)

	v.SetDefault("ledger.path", d.Ledger.Path)
	v.SetDefault("ledger.resume", d.Ledger.Resume)

	v.SetDefault("redis.url", d.Redis.URL)
	v.SetDefault("redis.key", d.Redis.Key)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}
