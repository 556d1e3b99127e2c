package model

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
	LogFile    = "file"

	LogJSON    = "json"
	LogConsole = "console"
)

// Config is passed explicitly into every component. Nothing reads ambient
// state once the process is up.
type Config struct {
	Queue     Queue     `mapstructure:"queue" yaml:"queue"`
	Home      string    `mapstructure:"home" yaml:"home"`
	Host      Host      `mapstructure:"host" yaml:"host"`
	Watch     Watch     `mapstructure:"watch" yaml:"watch"`
	Slicer    Slicer    `mapstructure:"slicer" yaml:"slicer"`
	Retention Retention `mapstructure:"retention" yaml:"retention"`
	Log       Log       `mapstructure:"log" yaml:"log"`
	DryRun    bool      `mapstructure:"dry_run" yaml:"dry_run"`
}

// Queue configures the remote job queue this worker polls.
type Queue struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	Token        string        `mapstructure:"token" yaml:"token"`
	Worker       string        `mapstructure:"worker" yaml:"worker"`
	Algorithms   []string      `mapstructure:"algorithms" yaml:"algorithms"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	BlobUploads  bool          `mapstructure:"blob_uploads" yaml:"blob_uploads"`
}

// Host configures the interactive application and its control interface.
type Host struct {
	Control         string        `mapstructure:"control" yaml:"control"`
	App             string        `mapstructure:"app" yaml:"app"`
	ScriptsDir      string        `mapstructure:"scripts_dir" yaml:"scripts_dir"`
	PrimeCommand    string        `mapstructure:"prime_command" yaml:"prime_command"`
	MeshExt         string        `mapstructure:"mesh_ext" yaml:"mesh_ext"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	GenerateTimeout time.Duration `mapstructure:"generate_timeout" yaml:"generate_timeout"`
	ProbeDelay      time.Duration `mapstructure:"probe_delay" yaml:"probe_delay"`
	Phase1Attempts  int           `mapstructure:"phase1_attempts" yaml:"phase1_attempts"`
	Phase2Attempts  int           `mapstructure:"phase2_attempts" yaml:"phase2_attempts"`
	KillWait        time.Duration `mapstructure:"kill_wait" yaml:"kill_wait"`
	CloseAfterJob   bool          `mapstructure:"close_after_job" yaml:"close_after_job"`
}

// Watch configures the output stabilization heuristic.
type Watch struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MinSize  int64         `mapstructure:"min_size" yaml:"min_size"`
	Samples  int           `mapstructure:"samples" yaml:"samples"`
}

// Slicer configures the print package tool.
type Slicer struct {
	Binary   string        `mapstructure:"binary" yaml:"binary"`
	Profiles []string      `mapstructure:"profiles" yaml:"profiles"`
	Ext      string        `mapstructure:"ext" yaml:"ext"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Retention configures the periodic archive and log cleanup. Days <= 0
// disables pruning entirely.
type Retention struct {
	Days  int           `mapstructure:"days" yaml:"days"`
	Cron  string        `mapstructure:"cron" yaml:"cron"`
	Every time.Duration `mapstructure:"every" yaml:"every"`
}

type Log struct {
	Verbose bool   `mapstructure:"verbose" yaml:"verbose"`
	Format  string `mapstructure:"format" yaml:"format"`
	Output  string `mapstructure:"output" yaml:"output"`
}

// DefaultConfig returns the configuration written out on first run. The
// supervision and stabilization budgets carry the field-proven values.
func DefaultConfig() Config {
	home := "SplintFactoryFiles"
	if userHome, err := os.UserHomeDir(); err == nil {
		home = filepath.Join(userHome, "SplintFactoryFiles")
	}
	return Config{
		Queue: Queue{
			PollInterval: 10 * time.Second,
		},
		Home: home,
		Host: Host{
			Control:         "rhinocode",
			MeshExt:         "obj",
			ProbeTimeout:    10 * time.Second,
			GenerateTimeout: 5 * time.Minute,
			ProbeDelay:      5 * time.Second,
			Phase1Attempts:  9,
			Phase2Attempts:  12,
			KillWait:        3 * time.Second,
		},
		Watch: Watch{
			Interval: 500 * time.Millisecond,
			Timeout:  60 * time.Second,
			MinSize:  1024,
			Samples:  2,
		},
		Slicer: Slicer{
			Ext:     "3mf",
			Timeout: 10 * time.Minute,
		},
		Retention: Retention{
			Days:  14,
			Every: 24 * time.Hour,
		},
		Log: Log{
			Format: LogJSON,
			Output: LogStderr,
		},
	}
}

// LoadConfig reads path over DefaultConfig, so absent keys keep their
// defaults. ${VAR} references in the queue url and token are expanded,
// secrets stay out of the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	cfg.Queue.URL = os.ExpandEnv(cfg.Queue.URL)
	cfg.Queue.Token = os.ExpandEnv(cfg.Queue.Token)
	return cfg, nil
}

// Validate rejects structurally broken configurations. Missing external
// tools are deliberately not checked here: their absence fails individual
// jobs, not the worker.
func (c Config) Validate() error {
	var errs []error

	if c.Queue.URL == "" {
		errs = append(errs, errors.New("queue.url is required"))
	} else if err := validateQueueURL(c.Queue.URL); err != nil {
		errs = append(errs, err)
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, errors.New("queue.poll_interval must be positive"))
	}
	for _, name := range c.Queue.Algorithms {
		if err := ValidAlgorithm(name); err != nil {
			errs = append(errs, fmt.Errorf("queue.algorithms: %w", err))
		}
	}

	if c.Home == "" {
		errs = append(errs, errors.New("home is required"))
	}

	if c.Host.ProbeDelay <= 0 {
		errs = append(errs, errors.New("host.probe_delay must be positive"))
	}
	if c.Host.Phase1Attempts <= 0 || c.Host.Phase2Attempts <= 0 {
		errs = append(errs, errors.New("host phase attempt counts must be positive"))
	}

	if c.Watch.Interval <= 0 {
		errs = append(errs, errors.New("watch.interval must be positive"))
	}
	if c.Watch.Timeout <= c.Watch.Interval {
		errs = append(errs, errors.New("watch.timeout must exceed watch.interval"))
	}
	if c.Watch.Samples < 2 {
		errs = append(errs, errors.New("watch.samples must be at least 2"))
	}

	return errors.Join(errs...)
}

// validateQueueURL applies the same rule as the client: scheme and host,
// no path.
func validateQueueURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("queue.url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" || strings.TrimRight(parsed.Path, "/") != "" {
		return errors.New("queue.url needs a scheme and no path, e.g. `https://queue.example.com`")
	}
	return nil
}
