package vsqpack

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/woozymasta/pathrules"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of an overlay deployment, read from
// YAML:
//
//	sqpack: /games/ffxiv/game/sqpack
//	overrides: /games/ffxiv/game/data
//	mountpoint: /games/ffxiv-overlay/sqpack
//	exclude: ["**/*.bak", ".git/"]
//	log_level: info
type Config struct {
	// SqPack is the real SqPack directory.
	SqPack string `yaml:"sqpack"`

	// Overrides is the root of the loose override tree.
	Overrides string `yaml:"overrides"`

	// Mountpoint is where the FUSE front-end exposes the overlaid SqPack
	// directory.
	Mountpoint string `yaml:"mountpoint"`

	// AllowOther lets other users read the mount.
	AllowOther bool `yaml:"allow_other"`

	// Include restricts discovery to matching archive paths when set.
	Include []string `yaml:"include"`

	// Exclude drops matching archive paths from discovery. Exclusions are
	// evaluated after inclusions.
	Exclude []string `yaml:"exclude"`

	// CaseSensitive makes Include and Exclude patterns case-sensitive.
	// SqPack paths are case-insensitive, so this is off by default.
	CaseSensitive bool `yaml:"case_sensitive"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`

	// LogFormat is text or json. Defaults to text.
	LogFormat string `yaml:"log_format"`

	OpenFileCacheSize int `yaml:"open_file_cache_size"`
	ResolveCacheSize  int `yaml:"resolve_cache_size"`
	LoadWorkers       int `yaml:"load_workers"`

	// Profiling enables the pprof endpoint and execution trace.
	Profiling ProfilingConfig `yaml:"profiling"`
}

// LoadConfig reads a YAML configuration file. Unknown keys are rejected so
// typos surface instead of silently falling back to defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML configuration document.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// Rules converts Include and Exclude into discovery rules.
func (c Config) Rules() []pathrules.Rule {
	rules := make([]pathrules.Rule, 0, len(c.Include)+len(c.Exclude))
	for _, p := range c.Include {
		rules = append(rules, pathrules.Rule{Action: pathrules.ActionInclude, Pattern: p})
	}
	for _, p := range c.Exclude {
		rules = append(rules, pathrules.Rule{Action: pathrules.ActionExclude, Pattern: p})
	}
	return rules
}

// Options converts the configuration into engine options using logger.
func (c Config) Options(logger *slog.Logger) Options {
	def := pathrules.ActionInclude
	if len(c.Include) > 0 {
		def = pathrules.ActionExclude
	}
	return Options{
		Logger: logger,
		Rules:  c.Rules(),
		MatcherOptions: pathrules.MatcherOptions{
			CaseInsensitive: !c.CaseSensitive,
			DefaultAction:   def,
		},
		OpenFileCacheSize: c.OpenFileCacheSize,
		ResolveCacheSize:  c.ResolveCacheSize,
		LoadWorkers:       c.LoadWorkers,
	}
}

// NewLogger builds the logger described by LogLevel and LogFormat,
// writing to w.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.LogFormat) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
}
