// config/validation.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the struct tags and then the rules that span fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%s: failed '%s' check (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return err
	}

	b := cfg.Backup
	if b.CacheSize <= b.FlushThreshold {
		return fmt.Errorf("backup.cache_size (%d) must be larger than backup.flush_threshold (%d)",
			b.CacheSize, b.FlushThreshold)
	}
	if _, err := regexp.Compile(b.NoCompressionRegexp); err != nil {
		return fmt.Errorf("backup.no_compression_regexp: %w", err)
	}
	for i, p := range b.Exclude {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("backup.exclude[%d]: %w", i, err)
		}
	}
	return nil
}
