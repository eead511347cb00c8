package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/mirrorpath"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/scanner"
	"github.com/paulschiretz/pgl-mirror/pkg/transcode"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
	"github.com/paulschiretz/pgl-mirror/pkg/watch"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "pgl-mirror.config.json"

// Environment variables overriding the remote credentials of the config file.
const (
	EnvUser     = "PGL_MIRROR_USER"
	EnvPassword = "PGL_MIRROR_PASSWORD"
)

// ErrConfigExists is returned by Generate when the file exists and overwriting was not requested.
var ErrConfigExists = errors.New("configuration file already exists")

type FilterConfig struct {
	// Extensions lists the tracked file extensions, without the leading dot.
	Extensions         []string `json:"extensions"`
	DefaultIgnoreNames []string `json:"defaultIgnoreNames,omitempty"`
	// Note: omitempty is intentionally not used for user-configurable slices
	// so that they appear in the generated config file for better discoverability.
	UserIgnoreNames []string `json:"userIgnoreNames"`
	ExcludeDirs     []string `json:"excludeDirs"`
}

type CompressionConfig struct {
	Codec transcode.Codec `json:"codec"`
	Level transcode.Level `json:"level"`
	// Suffix overrides the mirror file suffix. Empty means the codec's own suffix.
	Suffix string `json:"suffix,omitempty"`
}

type EnginePerformanceConfig struct {
	Threads          int `json:"threads"`
	BufferSizeKB     int `json:"bufferSizeKB" comment:"Size of the I/O buffer in kilobytes used while compressing. Default is 64 (64KB)."`
	StagingMemoryMB  int `json:"stagingMemoryMB" comment:"Memory shared by all workers for staging remote uploads. Larger files spill to a temp file."`
	ListingCacheSize int `json:"listingCacheSize" comment:"Remote directory listings kept per connection."`
}

type EngineConfig struct {
	Metrics                 bool                    `json:"metrics"`
	ProgressIntervalSeconds int                     `json:"progressIntervalSeconds"`
	Watcher                 watch.Watcher           `json:"watcher"`
	RescanSchedule          string                  `json:"rescanSchedule" comment:"Cron schedule for periodic forward rescans. Empty disables them."`
	Performance             EnginePerformanceConfig `json:"performance"`
}

type S3Config struct {
	Endpoint string `json:"endpoint"`
	Region   string `json:"region,omitempty"`
	Secure   bool   `json:"secure"`
}

type RemoteConfig struct {
	User string `json:"user"`
	// SECURITY: prefer the PGL_MIRROR_PASSWORD environment variable over storing the password here.
	Password        string   `json:"password,omitempty"`
	TimeoutSeconds  int      `json:"timeoutSeconds"`
	KnownHostsFile  string   `json:"knownHostsFile"`
	InsecureHostKey bool     `json:"insecureHostKey"`
	S3              S3Config `json:"s3"`
}

type RuntimeConfig struct {
	DryRun  bool
	Reverse bool
	Once    bool
}

type Config struct {
	Version     string            `json:"version"`
	Path        string            `json:"-"` // File the config was loaded from or is written to
	Sources     []string          `json:"-"` // Always given on the command line
	Destination string            `json:"-"` // Always given on the command line
	Runtime     RuntimeConfig     `json:"-"` // Never added to config file
	LogLevel    string            `json:"logLevel"`
	Filter      FilterConfig      `json:"filter"`
	Compression CompressionConfig `json:"compression"`
	Engine      EngineConfig      `json:"engine"`
	Remote      RemoteConfig      `json:"remote"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		Path:     ConfigFileName,
		LogLevel: "info", // Default log level.
		Filter: FilterConfig{
			Extensions:         append([]string(nil), mirrorpath.DefaultExtensions...),
			DefaultIgnoreNames: append([]string(nil), mirrorpath.DefaultIgnoreNames...), // Stock maps clients ship with.
			UserIgnoreNames:    []string{},
			ExcludeDirs:        []string{},
		},
		Compression: CompressionConfig{
			Codec: transcode.Bzip2, // The only format Source engine clients download.
			Level: transcode.Best,  // Written once, downloaded many times.
		},
		Engine: EngineConfig{
			Metrics:                 false,
			ProgressIntervalSeconds: 60,
			Watcher:                 watch.Inotify,
			RescanSchedule:          "", // Disabled; the watcher keeps the mirror current.
			Performance: EnginePerformanceConfig{
				Threads:          1,  // One connection per worker on remote targets; servers often limit logins.
				BufferSizeKB:     64, // Default to 64KB buffer. Keep it between 64KB-4MB
				StagingMemoryMB:  256,
				ListingCacheSize: 64,
			},
		},
		Remote: RemoteConfig{
			TimeoutSeconds: 30,
			S3: S3Config{
				Secure: true,
			},
		},
	}
}

// Load reads the configuration file at path, "" meaning ConfigFileName in the working directory.
// If the file doesn't exist, it returns the default config without an error.
// If the file exists but fails to parse, it returns an error and a zero-value config.
// Credentials from the environment take precedence over the file.
func Load(path string) (Config, error) {
	if path == "" {
		path = ConfigFileName
	}
	expanded, err := util.ExpandPath(path)
	if err != nil {
		return Config{}, err
	}
	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for config file %s: %w", path, err)
	}

	config := NewDefault()
	config.Path = absPath

	file, err := os.Open(absPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("error opening config file %s: %w", absPath, err)
		}
		// Config file doesn't exist, which is a normal case.
	} else {
		defer file.Close()
		plog.Info("Loading configuration", "path", absPath)
		// Start with default values, then overwrite with the file's content.
		// This makes the config loading resilient to missing fields in the JSON file.
		if err := json.NewDecoder(file).Decode(&config); err != nil {
			return Config{}, fmt.Errorf("error parsing config file %s: %w", absPath, err)
		}
		config.Path = absPath
		config.Version = buildinfo.Version
	}

	if user := os.Getenv(EnvUser); user != "" {
		config.Remote.User = user
	}
	if password := os.Getenv(EnvPassword); password != "" {
		config.Remote.Password = password
	}
	return config, nil
}

// Generate writes configToGenerate to its Path. An existing file is only replaced when force is set.
func Generate(configToGenerate Config, force bool) error {
	configPath := configToGenerate.Path
	if configPath == "" {
		configPath = ConfigFileName
	}
	if !force {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%w: %s (use -force to overwrite)", ErrConfigExists, configPath)
		}
	}

	jsonData, err := json.MarshalIndent(configToGenerate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies and
// turns the source roots into clean absolute paths. Sources and destination are
// only required when checkPaths is set; 'init' writes a config without them.
func (c *Config) Validate(checkPaths bool) error {
	if checkPaths {
		if len(c.Sources) == 0 {
			return errors.New("at least one source path is required")
		}
		if c.Destination == "" {
			return errors.New("destination cannot be empty")
		}
		seen := make(map[string]struct{}, len(c.Sources))
		for i, src := range c.Sources {
			expanded, err := util.ExpandPath(src)
			if err != nil {
				return err
			}
			abs, err := filepath.Abs(expanded)
			if err != nil {
				return fmt.Errorf("could not determine absolute path for source %s: %w", src, err)
			}
			if err := mirrorpath.ValidateRoot(abs); err != nil {
				return err
			}
			if _, dup := seen[abs]; dup {
				return fmt.Errorf("source %s is given more than once", abs)
			}
			seen[abs] = struct{}{}
			c.Sources[i] = abs
		}
	}

	if len(c.Filter.Extensions) == 0 {
		return errors.New("at least one tracked extension is required")
	}
	if _, err := transcode.ParseCodec(c.Compression.Codec.String()); err != nil {
		return err
	}
	if _, err := transcode.ParseLevel(string(c.Compression.Level)); err != nil {
		return err
	}
	if _, err := mirrorpath.New(c.Suffix()); err != nil {
		return err
	}
	if _, err := watch.ParseWatcher(c.Engine.Watcher.String()); err != nil {
		return err
	}
	if c.Engine.RescanSchedule != "" {
		if _, err := scanner.ParseSchedule(c.Engine.RescanSchedule); err != nil {
			return err
		}
	}

	if c.Engine.Performance.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}
	if c.Engine.Performance.BufferSizeKB <= 0 {
		return fmt.Errorf("bufferSizeKB must be greater than 0")
	}
	if c.Engine.Performance.StagingMemoryMB < 0 {
		return fmt.Errorf("stagingMemoryMB cannot be negative")
	}
	if c.Engine.Performance.ListingCacheSize < 1 {
		return fmt.Errorf("listingCacheSize must be at least 1")
	}
	if c.Engine.Metrics && c.Engine.ProgressIntervalSeconds < 0 {
		return fmt.Errorf("progressIntervalSeconds cannot be negative")
	}
	if c.Remote.TimeoutSeconds <= 0 {
		return fmt.Errorf("remote timeoutSeconds must be greater than 0")
	}

	if err := validateGlobPatterns("defaultIgnoreNames", c.Filter.DefaultIgnoreNames); err != nil {
		return err
	}
	if err := validateGlobPatterns("userIgnoreNames", c.Filter.UserIgnoreNames); err != nil {
		return err
	}
	if err := validateGlobPatterns("excludeDirs", c.Filter.ExcludeDirs); err != nil {
		return err
	}
	return nil
}

// Suffix returns the suffix appended to mirrored files.
func (c *Config) Suffix() string {
	if c.Compression.Suffix != "" {
		return c.Compression.Suffix
	}
	return c.Compression.Codec.Suffix()
}

// IgnoreNames returns the default and user ignore patterns combined.
func (f *FilterConfig) IgnoreNames() []string {
	return util.MergeAndDeduplicate(f.DefaultIgnoreNames, f.UserIgnoreNames)
}

// Timeout returns the remote dial and I/O timeout.
func (r *RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// LogSummary prints a summary of the configuration. Credentials are never logged.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"log_level", c.LogLevel,
		"sources", strings.Join(c.Sources, ", "),
		"destination", c.Destination,
		"dry_run", c.Runtime.DryRun,
		"threads", c.Engine.Performance.Threads,
		"codec", c.Compression.Codec,
		"level", c.Compression.Level,
		"suffix", c.Suffix(),
		"watcher", c.Engine.Watcher,
		"metrics", c.Engine.Metrics,
		"buffer_size_kb", c.Engine.Performance.BufferSizeKB,
	}
	switch {
	case c.Runtime.Reverse:
		logArgs = append(logArgs, "mode", "reverse")
	case c.Runtime.Once:
		logArgs = append(logArgs, "mode", "once")
	default:
		logArgs = append(logArgs, "mode", "watch")
	}
	if c.Engine.RescanSchedule != "" {
		logArgs = append(logArgs, "rescan", c.Engine.RescanSchedule)
	}
	if c.Remote.User != "" {
		logArgs = append(logArgs, "remote_user", c.Remote.User)
	}
	logArgs = append(logArgs, "extensions", strings.Join(c.Filter.Extensions, ", "))
	if ignore := c.Filter.IgnoreNames(); len(ignore) > 0 {
		logArgs = append(logArgs, "ignore_names", strings.Join(ignore, ", "))
	}
	if len(c.Filter.ExcludeDirs) > 0 {
		logArgs = append(logArgs, "exclude_dirs", strings.Join(c.Filter.ExcludeDirs, ", "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// validateGlobPatterns checks if a list of strings are valid glob patterns.
func validateGlobPatterns(fieldName string, patterns []string) error {
	for _, pattern := range patterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid glob pattern for %s: %q - %w", fieldName, pattern, err)
		}
	}
	return nil
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "config":
			merged.Path = value.(string)
		case "sources":
			merged.Sources = append([]string(nil), value.([]string)...)
		case "destination":
			merged.Destination = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "verbose":
			if value.(bool) {
				merged.LogLevel = "debug"
			}
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "reverse":
			if command == flagparse.Run {
				merged.Runtime.Reverse = value.(bool)
			}
		case "once":
			if command == flagparse.Run {
				merged.Runtime.Once = value.(bool)
			}
		case "threads":
			merged.Engine.Performance.Threads = value.(int)
		case "buffer-size-kb":
			merged.Engine.Performance.BufferSizeKB = value.(int)
		case "staging-memory-mb":
			merged.Engine.Performance.StagingMemoryMB = value.(int)
		case "listing-cache-size":
			merged.Engine.Performance.ListingCacheSize = value.(int)
		case "codec":
			codec, err := transcode.ParseCodec(value.(string))
			if err != nil {
				codec = transcode.Codec(value.(string)) // Rejected by Validate.
			}
			merged.Compression.Codec = codec
		case "compression-level":
			merged.Compression.Level = transcode.Level(value.(string))
		case "suffix":
			merged.Compression.Suffix = value.(string)
		case "extensions":
			merged.Filter.Extensions = value.([]string)
		case "ignore-names":
			merged.Filter.UserIgnoreNames = value.([]string)
		case "exclude-dirs":
			merged.Filter.ExcludeDirs = value.([]string)
		case "rescan":
			merged.Engine.RescanSchedule = value.(string)
		case "watcher":
			w, err := watch.ParseWatcher(value.(string))
			if err != nil {
				w = watch.Watcher(-1) // Rejected by Validate.
			}
			merged.Engine.Watcher = w
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
