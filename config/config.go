// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config loads rbk's configuration from a YAML file and RBK_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mmp/rbk/backup"
	"github.com/mmp/rbk/selection"
	u "github.com/mmp/rbk/util"
)

type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Backup  BackupConfig  `mapstructure:"backup" yaml:"backup"`
	Regress RegressConfig `mapstructure:"regress" yaml:"regress"`
	Stats   StatsConfig   `mapstructure:"stats" yaml:"stats"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=console json"`
	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ByteSize is a byte count that may be given as "10MB", "1.5GiB", etc.
type ByteSize int64

func (b ByteSize) String() string {
	return u.FmtBytes(int64(b))
}

type BackupConfig struct {
	CacheSize      int `mapstructure:"cache_size" yaml:"cache_size" validate:"gt=0"`
	FlushThreshold int `mapstructure:"flush_threshold" yaml:"flush_threshold" validate:"gt=0"`

	Compression         bool   `mapstructure:"compression" yaml:"compression"`
	NoCompressionRegexp string `mapstructure:"no_compression_regexp" yaml:"no_compression_regexp"`
	SplitBits           uint   `mapstructure:"split_bits" yaml:"split_bits" validate:"gte=8,lte=18"`

	// MaxBytesPerSecond limits how fast file contents are read from the
	// source; zero means no limit.
	MaxBytesPerSecond ByteSize `mapstructure:"max_bytes_per_second" yaml:"max_bytes_per_second" validate:"gte=0"`

	Exclude             []string `mapstructure:"exclude" yaml:"exclude"`
	OneFileSystem       bool     `mapstructure:"one_file_system" yaml:"one_file_system"`
	PreserveHardlinks   bool     `mapstructure:"preserve_hardlinks" yaml:"preserve_hardlinks"`
	RelaxDirPermissions bool     `mapstructure:"relax_dir_permissions" yaml:"relax_dir_permissions"`

	Parity       bool `mapstructure:"parity" yaml:"parity"`
	MaxDiffChain int  `mapstructure:"max_diff_chain" yaml:"max_diff_chain" validate:"gte=1"`

	// LockTimeout is how long to wait for another process to release
	// the repository.
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout" validate:"gte=0"`
}

type RegressConfig struct {
	Force bool `mapstructure:"force" yaml:"force"`
}

type StatsConfig struct {
	History            bool   `mapstructure:"history" yaml:"history"`
	PrometheusTextfile string `mapstructure:"prometheus_textfile" yaml:"prometheus_textfile"`
}

// Load reads the configuration at path, or from the default location if
// path is empty; a missing default file isn't an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		byteSizeHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, path string) {
	v.SetEnvPrefix("RBK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(Dir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// setDefaults registers every key with viper, so that environment
// variables are seen for keys the file doesn't mention.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("backup.cache_size", d.Backup.CacheSize)
	v.SetDefault("backup.flush_threshold", d.Backup.FlushThreshold)
	v.SetDefault("backup.compression", d.Backup.Compression)
	v.SetDefault("backup.no_compression_regexp", d.Backup.NoCompressionRegexp)
	v.SetDefault("backup.split_bits", d.Backup.SplitBits)
	v.SetDefault("backup.max_bytes_per_second", "0")
	v.SetDefault("backup.exclude", []string{})
	v.SetDefault("backup.one_file_system", d.Backup.OneFileSystem)
	v.SetDefault("backup.preserve_hardlinks", d.Backup.PreserveHardlinks)
	v.SetDefault("backup.relax_dir_permissions", d.Backup.RelaxDirPermissions)
	v.SetDefault("backup.parity", d.Backup.Parity)
	v.SetDefault("backup.max_diff_chain", d.Backup.MaxDiffChain)
	v.SetDefault("backup.lock_timeout", d.Backup.LockTimeout.String())
	v.SetDefault("regress.force", d.Regress.Force)
	v.SetDefault("stats.history", d.Stats.History)
	v.SetDefault("stats.prometheus_textfile", d.Stats.PrometheusTextfile)
}

// byteSizeHook decodes human-readable sizes into ByteSize fields.
func byteSizeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(ByteSize(0)) || from.Kind() != reflect.String {
		return data, nil
	}
	n, err := humanize.ParseBytes(data.(string))
	if err != nil {
		return nil, err
	}
	return ByteSize(n), nil
}

// Dir returns the directory the default configuration file is read
// from.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "rbk")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "rbk")
}

func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// WriteDefault writes the default configuration to path as YAML. It
// won't overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s: %w", path, os.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	b, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// MarshalYAML writes sizes in their human-readable form.
func (b ByteSize) MarshalYAML() (any, error) {
	if b == 0 {
		return "0", nil
	}
	return humanize.IBytes(uint64(b)), nil
}

// Logger builds the logger the logging section describes.
func (c *Config) Logger(verbose, debug bool) (*u.Logger, error) {
	lc := u.LogConfig{
		Level:  strings.ToLower(c.Logging.Level),
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
	if verbose && lc.Level != "debug" {
		lc.Level = "info"
	}
	if debug {
		lc.Level = "debug"
	}
	return u.NewLoggerWithConfig(lc)
}

// RunOptions returns the backup options the configuration describes.
// The caller owns the returned limiter, if any.
func (c *Config) RunOptions(log *u.Logger) (backup.RunOptions, error) {
	b := c.Backup
	opts := backup.RunOptions{Options: backup.DefaultOptions()}
	opts.Log = log
	opts.CacheSize = b.CacheSize
	opts.FlushThreshold = b.FlushThreshold
	opts.Hardlinks = b.PreserveHardlinks
	opts.RelaxPerms = opts.RelaxPerms && b.RelaxDirPermissions
	opts.Increments.Compress = b.Compression
	opts.Increments.SplitBits = b.SplitBits
	if b.NoCompressionRegexp != "" {
		re, err := regexp.Compile(b.NoCompressionRegexp)
		if err != nil {
			return opts, fmt.Errorf("no_compression_regexp: %w", err)
		}
		opts.Increments.NoCompress = re
	}
	if b.MaxBytesPerSecond > 0 {
		opts.Limiter = u.NewLimiter(int(b.MaxBytesPerSecond))
	}

	opts.Selection = selection.Options{OneFileSystem: b.OneFileSystem, Log: log}
	for _, p := range b.Exclude {
		if err := opts.Selection.AddExclude(p); err != nil {
			return opts, fmt.Errorf("exclude %q: %w", p, err)
		}
	}

	opts.MaxDiffChain = b.MaxDiffChain
	opts.Parity = b.Parity
	opts.LockTimeout = b.LockTimeout
	opts.Force = c.Regress.Force
	opts.History = c.Stats.History
	opts.PrometheusPath = c.Stats.PrometheusTextfile
	return opts, nil
}
