package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Settings is the process configuration. Values come from flags and an
// optional YAML file; flags given on the command line win.
type Settings struct {
	ConfigPath string `yaml:"-"`

	ModelDir  string `yaml:"model_dir"`
	Seed      int64  `yaml:"seed"`
	BatchSize int    `yaml:"batch_size"`
	MaxLength int    `yaml:"max_length"`
	CacheSize int    `yaml:"cache_size"`

	ListenAddr    string `yaml:"listen"`
	FlightAddr    string `yaml:"flight"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	MaxBody       string `yaml:"max_body"`

	ServerAddr      string        `yaml:"server"`
	Dataset         string        `yaml:"dataset"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`

	LogLevel   string        `yaml:"log_level"`
	EnableOTel bool          `yaml:"otel"`
	CPUProfile string        `yaml:"cpuprofile"`
	Duration   time.Duration `yaml:"duration"`
	Format     string        `yaml:"format"`
}

func defaultSettings() Settings {
	return Settings{
		ModelDir:        ".",
		BatchSize:       32,
		MaxLength:       512,
		CacheSize:       100000,
		MaxConcurrent:   16384,
		MaxBody:         "32MB",
		Dataset:         "fletcher_predictions",
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
		LogLevel:        "info",
		Format:          "text",
	}
}

func (s *Settings) register(fs *flag.FlagSet) {
	fs.StringVar(&s.ConfigPath, "config", "", "YAML settings file (supports ${VAR} expansion)")
	fs.StringVar(&s.ModelDir, "model", s.ModelDir, "Model directory with config.json, model.safetensors and vocab.txt")
	fs.Int64Var(&s.Seed, "seed", s.Seed, "Seed for weights missing from the checkpoint")
	fs.IntVar(&s.BatchSize, "batch-size", s.BatchSize, "Texts per forward pass")
	fs.IntVar(&s.MaxLength, "max-length", s.MaxLength, "Maximum tokens per text including [CLS] and [SEP]")
	fs.IntVar(&s.CacheSize, "cache-size", s.CacheSize, "Cached predictions (0 disables the cache)")
	fs.StringVar(&s.ListenAddr, "listen", s.ListenAddr, "Address to listen on for HTTP Server (e.g. :8080)")
	fs.StringVar(&s.FlightAddr, "flight", s.FlightAddr, "Address to listen on for Flight Server (e.g. :9090)")
	fs.IntVar(&s.MaxConcurrent, "max-concurrent", s.MaxConcurrent, "Maximum number of concurrent sequences to process")
	fs.StringVar(&s.MaxBody, "max-body", s.MaxBody, "Maximum request body size (e.g. 32MB)")
	fs.StringVar(&s.ServerAddr, "server", s.ServerAddr, "Longbow server address to forward predictions to (e.g., localhost:3000)")
	fs.StringVar(&s.Dataset, "dataset", s.Dataset, "Target dataset name on server")
	fs.IntVar(&s.BreakerFailures, "breaker-failures", s.BreakerFailures, "Consecutive forwarding failures before the circuit opens")
	fs.DurationVar(&s.BreakerTimeout, "breaker-timeout", s.BreakerTimeout, "Time the circuit stays open before probing")
	fs.StringVar(&s.LogLevel, "log-level", s.LogLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&s.EnableOTel, "otel", s.EnableOTel, "Enable OpenTelemetry tracing (stdout)")
	fs.StringVar(&s.CPUProfile, "cpuprofile", s.CPUProfile, "Write cpu profile to file")
	fs.DurationVar(&s.Duration, "duration", s.Duration, "Run soak test for specified duration (e.g. 10s, 20m)")
	fs.StringVar(&s.Format, "format", s.Format, "CLI output: text or arrow")
}

// parseSettings loads .env, parses args and merges the settings file.
func parseSettings(args []string) (Settings, []string, error) {
	// A missing .env is fine
	_ = godotenv.Load()

	s := defaultSettings()
	fs := flag.NewFlagSet("classifier", flag.ContinueOnError)
	s.register(fs)
	if err := fs.Parse(args); err != nil {
		return s, nil, err
	}
	if s.ConfigPath == "" {
		return s, fs.Args(), nil
	}

	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })
	if err := s.loadFile(s.ConfigPath); err != nil {
		return s, nil, err
	}
	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return s, nil, err
		}
	}
	return s, fs.Args(), nil
}

func (s *Settings) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), s); err != nil {
		return fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	return nil
}

func parseBytes(s string) (int64, error) {
	// 4GB, 100MB, 1024
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	val, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	switch unit := strings.ToUpper(strings.TrimSpace(s[i:])); unit {
	case "GB", "G":
		return val * 1024 * 1024 * 1024, nil
	case "MB", "M":
		return val * 1024 * 1024, nil
	case "KB", "K":
		return val * 1024, nil
	case "", "B":
		return val, nil
	default:
		return 0, fmt.Errorf("invalid size unit %q", unit)
	}
}
