// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// validate is shared; building a validator caches struct metadata.
var validate = validator.New()

// Config holds all configuration settings for the hook engine.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Lua     LuaConfig     `toml:"lua"`
	Hooks   HooksConfig   `toml:"hooks"`
	Logging LoggingConfig `toml:"logging"`

	logMu  sync.Mutex
	logger *zap.Logger
}

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
	Dir  string `toml:"-"` // Site directory (CLI only, not in config file)
}

// LuaConfig holds script engine settings.
type LuaConfig struct {
	Policy        string   `toml:"policy" validate:"oneof=reuse fresh"` // context reuse policy
	PoolSize      int      `toml:"pool_size" validate:"gte=1"`          // contexts kept by the reuse policy
	CallStackSize int      `toml:"call_stack_size" validate:"gte=0"`
	RegistrySize  int      `toml:"registry_size" validate:"gte=0"`
	Libraries     []string `toml:"libraries" validate:"dive,oneof=base table string math os coroutine"`
	Modules       []string `toml:"modules" validate:"dive,oneof=os time json"` // native modules available to require
}

// HooksConfig holds hook script settings.
type HooksConfig struct {
	Dir         string   `toml:"dir"`                              // script directory, also used by require()
	Main        string   `toml:"main" validate:"required"`         // setup script run in every new context
	RequestHook string   `toml:"request_hook" validate:"required"` // global called for HTTP requests
	Timeout     Duration `toml:"timeout"`                          // per invocation host-side timeout (0 = none)
	Watch       bool     `toml:"watch"`                            // reload contexts when scripts change
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level" validate:"oneof=debug info warn error"`
	Verbosity int    `toml:"verbosity" validate:"gte=0"` // 0=none, 1=lifecycle, 2=invocations, 3=values, 4=state transitions
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' && strings.Trim(arg[1:], "v") == "" {
			for range arg[1:] {
				result = append(result, "-v")
			}
			continue
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Lua: LuaConfig{
			Policy:    "reuse",
			PoolSize:  1,
			Libraries: []string{"base", "table", "string", "math", "coroutine"},
			Modules:   []string{"os", "time", "json"},
		},
		Hooks: HooksConfig{
			Dir:         "hooks/",
			Main:        "main.lua",
			RequestHook: "onRequest",
			Timeout:     Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs, f := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Load TOML config if exists (from config/ subdirectory)
	configPath := "config/config.toml"
	if f.dir != "" {
		configPath = f.dir + "/config/config.toml"
	}
	if f.configFile != "" {
		configPath = f.configFile
	}
	if err := cfg.loadTOML(configPath); err != nil && (!os.IsNotExist(err) || f.configFile != "") {
		return nil, err
	}

	cfg.applyEnv()

	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.policy != "" {
		cfg.Lua.Policy = f.policy
	}
	if f.poolSize != 0 {
		cfg.Lua.PoolSize = f.poolSize
	}
	if f.hooksDir != "" {
		cfg.Hooks.Dir = f.hooksDir
	} else if f.dir != "" && cfg.Hooks.Dir == DefaultConfig().Hooks.Dir {
		cfg.Hooks.Dir = f.dir + "/hooks/"
	}
	if f.mainScript != "" {
		cfg.Hooks.Main = f.mainScript
	}
	if f.timeout != 0 {
		cfg.Hooks.Timeout = Duration(f.timeout)
	}
	if f.watch {
		cfg.Hooks.Watch = true
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.verbosity > 0 {
		cfg.Logging.Verbosity = int(f.verbosity)
	}

	cfg.Server.Dir = f.dir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Args returns the positional arguments left after flag parsing.
// Commands use it to pick up file names and hook names placed after flags.
func Args(args []string) []string {
	fs, _ := newFlagSet()
	fs.SetOutput(io.Discard)
	if err := fs.Parse(expandVerbosityFlags(args)); err != nil {
		return nil
	}
	return fs.Args()
}

// flagValues holds the parsed command line flags.
type flagValues struct {
	dir, configFile      string
	host                 string
	port                 int
	policy               string
	poolSize             int
	hooksDir, mainScript string
	timeout              time.Duration
	watch                bool
	logLevel             string
	verbosity            verbosityCounter
}

// newFlagSet defines every flag Load understands. Args parses with the same
// set so positional arguments split at the same place.
func newFlagSet() (*flag.FlagSet, *flagValues) {
	fs := flag.NewFlagSet("hook-engine", flag.ContinueOnError)
	f := &flagValues{}
	fs.StringVar(&f.dir, "dir", "", "Site directory holding config/ and hooks/")
	fs.StringVar(&f.configFile, "config", "", "Explicit TOML config file")

	// Server flags
	fs.StringVar(&f.host, "host", "", "HTTP listen address")
	fs.IntVar(&f.port, "port", 0, "HTTP listen port")

	// Lua flags
	fs.StringVar(&f.policy, "policy", "", "Context reuse policy: reuse, fresh")
	fs.IntVar(&f.poolSize, "pool-size", 0, "Number of reused contexts")

	// Hook flags
	fs.StringVar(&f.hooksDir, "hooks", "", "Hook script directory")
	fs.StringVar(&f.mainScript, "main", "", "Setup script run in every context")
	fs.DurationVar(&f.timeout, "timeout", 0, "Per invocation timeout (0=config default)")
	fs.BoolVar(&f.watch, "watch", false, "Reload contexts when hook scripts change")

	// Logging flags
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.Var(&f.verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")
	return fs, f
}

// Validate checks the configuration with its struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("HOOK_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("HOOK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("HOOK_POLICY"); v != "" {
		c.Lua.Policy = v
	}
	if v := os.Getenv("HOOK_POOL_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.Lua.PoolSize = size
		}
	}
	if v := os.Getenv("HOOK_DIR"); v != "" {
		c.Hooks.Dir = v
	}
	if v := os.Getenv("HOOK_MAIN"); v != "" {
		c.Hooks.Main = v
	}
	if v := os.Getenv("HOOK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Hooks.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("HOOK_WATCH"); v != "" {
		c.Hooks.Watch = v == "true" || v == "1"
	}
	if v := os.Getenv("HOOK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HOOK_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// SetLogger replaces the logger built from the logging settings.
func (c *Config) SetLogger(logger *zap.Logger) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	c.logger = logger
}

// Logger returns the zap logger for the configured level, building it on first use.
func (c *Config) Logger() *zap.Logger {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if c.logger != nil {
		return c.logger
	}

	var zc zap.Config
	if c.Logging.Level == "debug" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	c.logger = logger
	return logger
}

// Log writes a message when level is within the configured verbosity.
// Level 0 messages are always written.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if level > c.Logging.Verbosity {
		return
	}
	if level == 0 {
		c.Logger().Sugar().Infof(format, args...)
		return
	}
	c.Logger().Sugar().Infof("[v%d] "+format, append([]interface{}{level}, args...)...)
}
