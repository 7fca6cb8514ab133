// config/defaults.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"strings"

	"github.com/mmp/rbk/backup"
	"github.com/mmp/rbk/cache"
	"github.com/mmp/rbk/delta"
	"github.com/mmp/rbk/metadata"
)

// DefaultNoCompressionRegexp matches files that are already compressed.
const DefaultNoCompressionRegexp = `(?i)\.(gz|tgz|bz2|xz|zst|zip|7z|rar|jpe?g|png|gif|mp3|mp4|mkv|ogg|flac)$`

func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "warn", Format: "console", Output: "stderr"},
		Backup: BackupConfig{
			CacheSize:           cache.DefaultSize,
			FlushThreshold:      backup.DefaultFlushThreshold,
			Compression:         true,
			NoCompressionRegexp: DefaultNoCompressionRegexp,
			SplitBits:           delta.DefaultSplitBits,
			PreserveHardlinks:   true,
			RelaxDirPermissions: true,
			MaxDiffChain:        metadata.DefaultMaxChain,
		},
		Stats: StatsConfig{History: true},
	}
}

// ApplyDefaults fills in zero values that can't be valid settings.
func ApplyDefaults(cfg *Config) {
	d := Default()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = d.Logging.Output
	}
	if cfg.Backup.CacheSize == 0 {
		cfg.Backup.CacheSize = d.Backup.CacheSize
	}
	if cfg.Backup.FlushThreshold == 0 {
		cfg.Backup.FlushThreshold = d.Backup.FlushThreshold
	}
	if cfg.Backup.SplitBits == 0 {
		cfg.Backup.SplitBits = d.Backup.SplitBits
	}
	if len(cfg.Backup.Exclude) == 0 {
		cfg.Backup.Exclude = nil
	}
	if cfg.Backup.MaxDiffChain == 0 {
		cfg.Backup.MaxDiffChain = d.Backup.MaxDiffChain
	}
}
