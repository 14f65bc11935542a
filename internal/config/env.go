package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VTRACE_"

// ApplyEnv overrides cfg with VTRACE_* variables. When envFile is not
// empty it is read with godotenv first; a missing file is not an error.
// Process variables win over the file.
func ApplyEnv(cfg *Config, envFile string) error {
	vars := map[string]string{}
	if envFile != "" {
		fileVars, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading env file %s: %w", envFile, err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	lookup := func(name string) (string, bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			return v, true
		}
		v, ok := vars[EnvPrefix+name]
		return v, ok
	}

	var errs []error
	setBool := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	setString := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	setBool("ENABLED", &cfg.Enabled)
	setBool("CONSOLE", &cfg.Console.Enabled)
	if v, ok := lookup("CONSOLE_COLOR"); ok {
		color, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sCONSOLE_COLOR: %w", EnvPrefix, err))
		} else {
			cfg.Console.Color = &color
		}
	}
	setString("CONSOLE_LEVEL", &cfg.Console.MinLevel)
	setString("FILE", &cfg.File.Path)
	setString("FILE_LEVEL", &cfg.File.MinLevel)
	setString("FILE_FORMAT", &cfg.File.Format)
	setBool("FILE_BUFFERED", &cfg.File.Buffered)
	if v, ok := lookup("FILE_BUFFER_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sFILE_BUFFER_SIZE: %w", EnvPrefix, err))
		} else {
			cfg.File.BufferSize = n
		}
	}
	setDuration("SWEEP_MAX_AGE", &cfg.Sweep.MaxAge)
	setDuration("SWEEP_INTERVAL", &cfg.Sweep.Interval)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	return cfg.Validate()
}
