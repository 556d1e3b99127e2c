package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/SplintFactory/Foundry/internal/log"
	"github.com/SplintFactory/Foundry/internal/model"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/foundry on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	fileLog *log.DailyWriter // non-nil when log.output is "file"
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "foundry")
}

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is foundry.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initFoundry

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)

	err := rootCmd.Execute()
	if fileLog != nil {
		_ = fileLog.Close()
	}
	if err != nil {
		slog.Error("foundry failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "foundry",
	Short:        "Worker turning queued splint jobs into sliced print packages",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run polls the queue and processes jobs until interrupted",
	RunE:  doRun,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "once claims at most one job, processes it and exits",
	RunE:  doOnce,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "doctor checks the local setup and reports problems",
	RunE:  doDoctor,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of a foundry",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("foundry: version info not available")
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("foundry: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initFoundry(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("FOUNDRYCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "foundry.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "foundry.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		var err error
		config, err = model.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// validation happens in the commands that need a working setup,
	// version and doctor must run on an unconfigured machine

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Log.Verbose = true
	}

	// initialize logging
	out, err := logOutput(config)
	if err != nil {
		return err
	}
	slog.SetDefault(log.NewWriter(out, config.Log.Format, config.Log.Verbose))

	slog.Debug("foundry run", "configPath", configPath)
	slog.Debug("foundry run", "config", config)
	return nil
}

func logOutput(cfg model.Config) (io.Writer, error) {
	switch cfg.Log.Output {
	case model.LogStdout:
		return os.Stdout, nil
	case model.LogDiscard:
		return io.Discard, nil
	case model.LogFile:
		logs := model.Paths{Home: cfg.Home}.Logs()
		if err := os.MkdirAll(logs, 0o750); err != nil {
			return nil, fmt.Errorf("creating log directory %s: %w", logs, err)
		}
		fileLog = log.NewDailyWriter(logs, "foundry")
		return fileLog, nil
	default:
		return os.Stderr, nil
	}
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
