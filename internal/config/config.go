// Package config loads the seqstore command configuration from layered files.
package config

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/seqstore/pkg/seqstore"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
	ErrDirEmpty           = errors.New("dir cannot be empty")
)

// FileName is the project config file looked up in the working directory.
const FileName = ".seqstore.json"

// DefaultDir is the environment directory used when none is configured,
// relative to the working directory.
const DefaultDir = ".seqstore"

// File is one config file. Unset fields leave the lower layer alone; limits
// are pointers so that an explicit zero disables them.
type File struct {
	Dir                     string `json:"dir,omitempty"                        yaml:"dir,omitempty"`
	BucketSpan              string `json:"bucket_span,omitempty"                yaml:"bucket_span,omitempty"`
	MaxBucketEntries        *int64 `json:"max_bucket_entries,omitempty"         yaml:"max_bucket_entries,omitempty"`
	MaxBucketBytes          *int64 `json:"max_bucket_bytes,omitempty"           yaml:"max_bucket_bytes,omitempty"`
	DedicatedThresholdBytes *int64 `json:"dedicated_threshold_bytes,omitempty"  yaml:"dedicated_threshold_bytes,omitempty"`
	MaxOpenDedicatedBuckets *int   `json:"max_open_dedicated_buckets,omitempty" yaml:"max_open_dedicated_buckets,omitempty"`
	StatsTTL                string `json:"stats_ttl,omitempty"                  yaml:"stats_ttl,omitempty"`
	LockTimeout             string `json:"lock_timeout,omitempty"               yaml:"lock_timeout,omitempty"`
	CacheSizeKiB            *int   `json:"cache_size_kib,omitempty"             yaml:"cache_size_kib,omitempty"`
	Retention               string `json:"retention,omitempty"                  yaml:"retention,omitempty"`

	MaxInflight       *int   `json:"max_inflight,omitempty"       yaml:"max_inflight,omitempty"`
	MaxInflightBytes  *int64 `json:"max_inflight_bytes,omitempty" yaml:"max_inflight_bytes,omitempty"`
	RedeliveryTimeout string `json:"redelivery_timeout,omitempty" yaml:"redelivery_timeout,omitempty"`

	LogLevel    string `json:"log_level,omitempty"    yaml:"log_level,omitempty"`
	MetricsAddr string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`
}

// Config is the resolved configuration.
type Config struct {
	Store       seqstore.Config
	LogLevel    zapcore.Level
	MetricsAddr string

	// EffectiveCwd is the absolute working directory (-C or os.Getwd).
	EffectiveCwd string

	// Sources tracks which config files were loaded.
	Sources Sources
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // path of the global config if loaded
	Project string // path of the project or explicit config if loaded
}

// Overrides are values given on the command line. Empty means unset.
type Overrides struct {
	Dir      string
	HasDir   bool
	LogLevel string
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd; os.Getwd() if empty
	ConfigPath      string            // -c/--config
	Overrides       Overrides         // flag values
	Env             map[string]string // environment variables
}

// GlobalPath returns $XDG_CONFIG_HOME/seqstore/config.json, falling back to
// ~/.config/seqstore/config.json. Empty if neither variable is set.
func GlobalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "seqstore", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "seqstore", "config.json")
	}

	return ""
}

// Load resolves configuration with the following precedence (highest wins):
//  1. Defaults
//  2. Global user config
//  3. Project config ([FileName] in the working directory, if it exists)
//  4. Explicit config file (replaces 3; .json, .jsonc, .yaml or .yml)
//  5. Command line overrides
//
// Dir is resolved to an absolute path.
func Load(in LoadInput) (Config, error) {
	workDir := in.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	var (
		merged  File
		sources Sources
	)

	if path := GlobalPath(in.Env); path != "" {
		f, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			merged = merge(merged, f)
			sources.Global = path
		}
	}

	projectPath := filepath.Join(workDir, FileName)
	mustExist := false

	if in.ConfigPath != "" {
		projectPath = in.ConfigPath
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		mustExist = true
	}

	f, loaded, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		merged = merge(merged, f)
		sources.Project = projectPath
	}

	if in.Overrides.HasDir {
		if in.Overrides.Dir == "" {
			return Config{}, ErrDirEmpty
		}

		merged.Dir = in.Overrides.Dir
	}

	if in.Overrides.LogLevel != "" {
		merged.LogLevel = in.Overrides.LogLevel
	}

	cfg, err := resolve(merged, workDir)
	if err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir
	cfg.Sources = sources

	return cfg, nil
}

// loadFile reads path. A missing file is not an error unless mustExist.
func loadFile(path string, mustExist bool) (File, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-selected config path
	if err != nil {
		switch {
		case os.IsNotExist(err) && mustExist:
			return File{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		case os.IsNotExist(err):
			return File{}, false, nil
		default:
			return File{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
		}
	}

	f, err := Parse(path, data)
	if err != nil {
		return File{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return f, true, nil
}

// Parse decodes data as YAML if path ends in .yaml or .yml, and as JSON with
// comments and trailing commas otherwise. Unknown keys are rejected.
func Parse(path string, data []byte) (File, error) {
	var f File

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)

		err := dec.Decode(&f)
		if err != nil && !errors.Is(err, io.EOF) {
			return File{}, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return File{}, fmt.Errorf("invalid JSONC: %w", err)
		}

		dec := json.NewDecoder(bytes.NewReader(standardized))
		dec.DisallowUnknownFields()

		err = dec.Decode(&f)
		if err != nil {
			return File{}, fmt.Errorf("invalid JSON: %w", err)
		}
	}

	return f, nil
}

func merge(base, overlay File) File {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	set(&base.Dir, overlay.Dir)
	set(&base.BucketSpan, overlay.BucketSpan)
	set(&base.StatsTTL, overlay.StatsTTL)
	set(&base.LockTimeout, overlay.LockTimeout)
	set(&base.Retention, overlay.Retention)
	set(&base.RedeliveryTimeout, overlay.RedeliveryTimeout)
	set(&base.LogLevel, overlay.LogLevel)
	set(&base.MetricsAddr, overlay.MetricsAddr)

	base.MaxBucketEntries = firstSet(overlay.MaxBucketEntries, base.MaxBucketEntries)
	base.MaxBucketBytes = firstSet(overlay.MaxBucketBytes, base.MaxBucketBytes)
	base.DedicatedThresholdBytes = firstSet(overlay.DedicatedThresholdBytes, base.DedicatedThresholdBytes)
	base.MaxOpenDedicatedBuckets = firstSet(overlay.MaxOpenDedicatedBuckets, base.MaxOpenDedicatedBuckets)
	base.CacheSizeKiB = firstSet(overlay.CacheSizeKiB, base.CacheSizeKiB)
	base.MaxInflight = firstSet(overlay.MaxInflight, base.MaxInflight)
	base.MaxInflightBytes = firstSet(overlay.MaxInflightBytes, base.MaxInflightBytes)

	return base
}

func firstSet[T any](a, b *T) *T {
	if a != nil {
		return a
	}

	return b
}

// resolve applies f on top of the defaults and validates the result.
func resolve(f File, workDir string) (Config, error) {
	cfg := Config{Store: seqstore.DefaultConfig(), LogLevel: zapcore.InfoLevel, MetricsAddr: f.MetricsAddr}
	s := &cfg.Store

	var errs []error

	duration := func(name, v string, dst *time.Duration) {
		if v == "" {
			return
		}

		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))

			return
		}

		*dst = d
	}

	duration("bucket_span", f.BucketSpan, &s.BucketSpan)
	duration("stats_ttl", f.StatsTTL, &s.StatsTTL)
	duration("lock_timeout", f.LockTimeout, &s.LockTimeout)
	duration("retention", f.Retention, &s.Retention)
	duration("redelivery_timeout", f.RedeliveryTimeout, &s.Reader.RedeliveryTimeout)

	setPtr(&s.MaxBucketEntries, f.MaxBucketEntries)
	setPtr(&s.MaxBucketBytes, f.MaxBucketBytes)
	setPtr(&s.DedicatedThresholdBytes, f.DedicatedThresholdBytes)
	setPtr(&s.MaxOpenDedicatedBuckets, f.MaxOpenDedicatedBuckets)
	setPtr(&s.CacheSizeKiB, f.CacheSizeKiB)
	setPtr(&s.Reader.MaxInflight, f.MaxInflight)
	setPtr(&s.Reader.MaxInflightBytes, f.MaxInflightBytes)

	if f.LogLevel != "" {
		level, err := zapcore.ParseLevel(f.LogLevel)
		if err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}

		cfg.LogLevel = level
	}

	s.Dir = cmp.Or(f.Dir, DefaultDir)
	if !filepath.IsAbs(s.Dir) {
		s.Dir = filepath.Join(workDir, s.Dir)
	}

	if len(errs) == 0 {
		err := s.Validate()
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}

	return cfg, nil
}

func setPtr[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Format renders cfg as key=value lines, one per setting.
func Format(cfg Config) string {
	s := cfg.Store

	lines := []string{
		"effective_cwd=" + cfg.EffectiveCwd,
		"dir=" + s.Dir,
		"bucket_span=" + s.BucketSpan.String(),
		fmt.Sprintf("max_bucket_entries=%d", s.MaxBucketEntries),
		fmt.Sprintf("max_bucket_bytes=%d", s.MaxBucketBytes),
		fmt.Sprintf("dedicated_threshold_bytes=%d", s.DedicatedThresholdBytes),
		fmt.Sprintf("max_open_dedicated_buckets=%d", s.MaxOpenDedicatedBuckets),
		"stats_ttl=" + s.StatsTTL.String(),
		"lock_timeout=" + s.LockTimeout.String(),
		fmt.Sprintf("cache_size_kib=%d", s.CacheSizeKiB),
		"retention=" + s.Retention.String(),
		fmt.Sprintf("max_inflight=%d", s.Reader.MaxInflight),
		fmt.Sprintf("max_inflight_bytes=%d", s.Reader.MaxInflightBytes),
		"redelivery_timeout=" + s.Reader.RedeliveryTimeout.String(),
		"log_level=" + cfg.LogLevel.String(),
	}

	if cfg.MetricsAddr != "" {
		lines = append(lines, "metrics_addr="+cfg.MetricsAddr)
	}

	return strings.Join(lines, "\n")
}
