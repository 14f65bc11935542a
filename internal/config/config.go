// Package config describes how a tracer is assembled: which sinks exist,
// their thresholds and formats, and whether stale traces are swept.
//
// A config comes from a preset, a YAML file, or both (the file overrides
// the preset). VTRACE_* variables, read from the process environment and an
// optional .env file, override the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vosaka/vtracer"
)

// Common configuration errors.
var (
	ErrUnknownPreset = errors.New("unknown preset")
	ErrInvalidLevel  = errors.New("invalid level")
	ErrInvalidFormat = errors.New("invalid file format")
)

// File formats.
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Preset names.
const (
	PresetDefault    = "default"
	PresetProduction = "production"
)

// DefaultFilePath is the trace file used by the presets.
const DefaultFilePath = "trace.log"

// Config is the root configuration.
type Config struct {
	Enabled bool          `yaml:"enabled"`
	Console ConsoleConfig `yaml:"console"`
	File    FileConfig    `yaml:"file"`
	Sweep   SweepConfig   `yaml:"sweep"`
}

// ConsoleConfig configures the console sink.
type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
	// Color forces colors on or off. Unset means: on when writing to a
	// terminal.
	Color    *bool  `yaml:"color,omitempty"`
	MinLevel string `yaml:"min_level"`
}

// FileConfig configures the file sink. An empty Path disables it.
type FileConfig struct {
	Path     string `yaml:"path"`
	MinLevel string `yaml:"min_level"`
	Format   string `yaml:"format"`
	// Buffered puts a Collector of BufferSize events in front of the file,
	// so writes happen off the tracing goroutine.
	Buffered   bool `yaml:"buffered"`
	BufferSize int  `yaml:"buffer_size"`
}

// SweepConfig enables the stale trace sweep when both values are positive.
type SweepConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`
	Interval time.Duration `yaml:"interval"`
}

// Preset returns a named preset:
//
//   - default: console at DEBUG and trace.log at INFO;
//   - production: trace.log at WARN, buffered.
func Preset(name string) (*Config, error) {
	switch strings.ToLower(name) {
	case "", PresetDefault:
		return &Config{
			Enabled: true,
			Console: ConsoleConfig{Enabled: true, MinLevel: "DEBUG"},
			File:    FileConfig{Path: DefaultFilePath, MinLevel: "INFO", Format: FormatJSON},
		}, nil
	case PresetProduction:
		return &Config{
			Enabled: true,
			File: FileConfig{
				Path:       DefaultFilePath,
				MinLevel:   "WARN",
				Format:     FormatJSON,
				Buffered:   true,
				BufferSize: 1024,
			},
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
}

// Load reads a YAML file over the named preset. ${VAR} references in the
// file are expanded from the environment before parsing.
func Load(path, preset string) (*Config, error) {
	cfg, err := Preset(preset)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Keys absent from data keep cfg's values.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

// Validate checks levels and the file format.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Console.MinLevel); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	if _, err := parseLevel(c.File.MinLevel); err != nil {
		return fmt.Errorf("file: %w", err)
	}
	switch strings.ToLower(c.File.Format) {
	case "", FormatJSON, FormatMsgpack:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFormat, c.File.Format)
	}
	return nil
}

// ConsoleLevel returns the console threshold, DEBUG when unset.
func (c *Config) ConsoleLevel() vtracer.Level {
	l, _ := parseLevel(c.Console.MinLevel)
	return l
}

// FileLevel returns the file threshold, DEBUG when unset.
func (c *Config) FileLevel() vtracer.Level {
	l, _ := parseLevel(c.File.MinLevel)
	return l
}

// YAML renders the config.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func parseLevel(s string) (vtracer.Level, error) {
	if s == "" {
		return vtracer.LevelDebug, nil
	}
	l, err := vtracer.ParseLevel(s)
	if err != nil {
		return vtracer.LevelDebug, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
	return l, nil
}
