// Package config loads restructure.yml and applies CLI flag overrides,
// producing the immutable Config value every other package is wired from.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig names one storage backend and its backend-specific
// address. Backend is one of "local", "hdfs", "s3", "gcs", "azure".
type StorageConfig struct {
	Backend string `yaml:"backend"`

	// LocalDir roots the "local" backend.
	LocalDir string `yaml:"localDir"`

	// Namenodes roots the "hdfs" backend; multiple entries are tried in
	// order for HA failover.
	Namenodes []string `yaml:"namenodes"`
	HDFSUser  string   `yaml:"hdfsUser"`

	// Bucket/Container roots the "s3"/"gcs"/"azure" backends.
	Bucket        string `yaml:"bucket"`
	Container     string `yaml:"container"`
	AccountName   string `yaml:"accountName"`
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint"`
}

// RedisConfig configures the distributed lock backend.
type RedisConfig struct {
	Address    string        `yaml:"address"`
	LockPrefix string        `yaml:"lockPrefix"`
	LockTTL    time.Duration `yaml:"lockTTL"`
}

// ServiceConfig configures the long-running service loop.
type ServiceConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// CleanerConfig configures the C8 cleaner pass.
type CleanerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	Age              time.Duration `yaml:"age"`
	EmitDeleteBin    bool          `yaml:"emitDeleteBin"`
	CacheOffsetsSize int           `yaml:"cacheOffsetsSize"`
}

// Config is the fully-resolved, immutable configuration for one
// restructure run.
type Config struct {
	Source StorageConfig `yaml:"source"`
	Output StorageConfig `yaml:"output"`
	Redis  RedisConfig   `yaml:"redis"`
	Service ServiceConfig `yaml:"service"`
	Cleaner CleanerConfig `yaml:"cleaner"`

	Format      string `yaml:"format"`      // "csv" | "json"
	Compression string `yaml:"compression"` // "gzip" | "zip" | "none"

	CacheSize        int           `yaml:"cacheSize"`
	NumThreads       int           `yaml:"numThreads"`
	MaxFilesPerTopic int           `yaml:"maxFilesPerTopic"`
	MinimumFileAge   time.Duration `yaml:"minimumFileAge"`
	TmpDir           string        `yaml:"tmpDir"`

	Deduplicate    bool     `yaml:"deduplicate"`
	DistinctFields []string `yaml:"distinctFields"`
	IgnoreFields   []string `yaml:"ignoreFields"`
	Progress       bool     `yaml:"progress"`

	ExcludedTopics []string `yaml:"excludedTopics"`

	NoRestructure bool `yaml:"-"`

	MetricsAddress string `yaml:"metricsAddress"`
	LogLevel       string `yaml:"logLevel"`
	LogFormat      string `yaml:"logFormat"`
}

// Default returns a Config with every field set to its documented
// default, before a YAML file or flags are applied.
func Default() Config {
	return Config{
		Source: StorageConfig{Backend: "local", LocalDir: "./landing"},
		Output: StorageConfig{Backend: "local", LocalDir: "./restructured"},
		Redis:  RedisConfig{Address: "localhost:6379", LockPrefix: "restructure/lock/", LockTTL: 5 * time.Minute},
		Service: ServiceConfig{Enabled: false, Interval: time.Minute},
		Cleaner: CleanerConfig{Enabled: false, Interval: 10 * time.Minute, Age: 7 * 24 * time.Hour, CacheOffsetsSize: 10000},

		Format:      "csv",
		Compression: "gzip",

		CacheSize:        16,
		NumThreads:       4,
		MaxFilesPerTopic: 100,
		MinimumFileAge:   time.Minute,
		TmpDir:           os.TempDir(),

		MetricsAddress: ":9090",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads path (if it exists; a missing file is not an error, only
// defaults apply) and overlays flag.CommandLine-style arguments on top.
// Exit codes downstream: callers should treat a non-nil error from Load
// as a configuration error (process exit code 1).
func Load(path string, args []string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := applyFlags(&cfg, args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("restructure", flag.ContinueOnError)

	service := fs.Bool("service", cfg.Service.Enabled, "run as a long-lived service instead of a single pass")
	pollInterval := fs.Duration("poll-interval", cfg.Service.Interval, "service pass interval")
	cacheSize := fs.Int("cache-size", cfg.CacheSize, "FileCacheStore capacity per worker")
	numThreads := fs.Int("num-threads", cfg.NumThreads, "worker pool size")
	maxFilesPerTopic := fs.Int("max-files-per-topic", cfg.MaxFilesPerTopic, "max files processed per topic per pass")
	tmpDir := fs.String("tmp-dir", cfg.TmpDir, "scratch directory for staged output")
	format := fs.String("format", cfg.Format, "output record format: csv|json")
	compression := fs.String("compression", cfg.Compression, "output compression: gzip|zip|none")
	deduplicate := fs.Bool("deduplicate", cfg.Deduplicate, "deduplicate records on publish")
	clean := fs.Bool("clean", cfg.Cleaner.Enabled, "enable the cleaner pass")
	noRestructure := fs.Bool("no-restructure", cfg.NoRestructure, "skip the restructure pass (cleaner only)")
	sourceDir := fs.String("source-dir", cfg.Source.LocalDir, "source landing zone root (local backend)")
	outputDir := fs.String("output-dir", cfg.Output.LocalDir, "restructured output root (local backend)")
	progress := fs.Bool("progress", cfg.Progress, "log periodic progress while scanning large source files")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.Service.Enabled = *service
	cfg.Service.Interval = *pollInterval
	cfg.CacheSize = *cacheSize
	cfg.NumThreads = *numThreads
	cfg.MaxFilesPerTopic = *maxFilesPerTopic
	cfg.TmpDir = *tmpDir
	cfg.Format = *format
	cfg.Compression = *compression
	cfg.Deduplicate = *deduplicate
	cfg.Cleaner.Enabled = *clean
	cfg.NoRestructure = *noRestructure
	cfg.Source.LocalDir = *sourceDir
	cfg.Output.LocalDir = *outputDir
	cfg.Progress = *progress
	return nil
}

// Validate rejects a Config that cannot possibly run: unknown format,
// unknown compression, or a non-positive resource bound.
func (c Config) Validate() error {
	switch c.Format {
	case "csv", "json":
	default:
		return fmt.Errorf("unknown format %q", c.Format)
	}
	switch c.Compression {
	case "gzip", "zip", "none":
	default:
		return fmt.Errorf("unknown compression %q", c.Compression)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("cacheSize must be >= 1, got %d", c.CacheSize)
	}
	if c.NumThreads < 1 {
		return fmt.Errorf("numThreads must be >= 1, got %d", c.NumThreads)
	}
	switch c.Source.Backend {
	case "local", "hdfs", "s3", "gcs", "azure":
	default:
		return fmt.Errorf("unknown source backend %q", c.Source.Backend)
	}
	switch c.Output.Backend {
	case "local", "hdfs", "s3", "gcs", "azure":
	default:
		return fmt.Errorf("unknown output backend %q", c.Output.Backend)
	}
	return nil
}
