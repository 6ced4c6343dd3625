// Package config resolves the bot's settings. A value comes from the first
// source that sets it: a command-line flag, the database settings table, the
// YAML file, the environment, then the built-in default.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ConfigEnv names the environment variable holding the YAML file path.
const ConfigEnv = "HAYES_CONFIG"

// Config holds every setting the bot reads at startup.
type Config struct {
	Token string `yaml:"discord_token" env:"DISCORD_TOKEN"`
	// GuildID limits the bot to one guild's messages; direct messages still pass.
	GuildID string   `yaml:"guild_id" env:"GUILD_ID"`
	Owners  []string `yaml:"owners"   env:"HAYES_OWNERS" envSeparator:","`
	// Console reads messages from stdin instead of connecting to Discord.
	Console bool `yaml:"console" env:"HAYES_CONSOLE"`

	ModuleDir string `yaml:"module_dir" env:"HAYES_MODULE_DIR" envDefault:"modules"`
	InitFile  string `yaml:"init_file"  env:"HAYES_INIT_FILE"  envDefault:"init.lua"`
	LogLevel  string `yaml:"log_level"  env:"HAYES_LOG_LEVEL"  envDefault:"info"`

	MySQLDSN string `yaml:"mysql_dsn" env:"MYSQL_DSN"`
	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`
	Stream   string `yaml:"stream"    env:"HAYES_STREAM" envDefault:"hayes.modules"`

	APIAddr      string   `yaml:"api_addr"      env:"HAYES_API_ADDR"`
	JWTSecret    string   `yaml:"jwt_secret"    env:"HAYES_JWT_SECRET"`
	AllowOrigins []string `yaml:"allow_origins" env:"HAYES_ALLOW_ORIGINS" envSeparator:","`
	// APIRateLimit is requests per minute per caller; 0 disables it.
	APIRateLimit int `yaml:"api_rate_limit" env:"HAYES_API_RATE_LIMIT" envDefault:"120"`

	// File is the YAML file the config was read from, if any.
	File string `yaml:"-"`

	explicit map[string]bool
}

// Load builds a Config from the environment, the YAML file named by --config
// or HAYES_CONFIG, and args. Database settings are applied later with
// ApplySettings once a DSN is known.
func Load(args []string) (*Config, error) {
	cfg := &Config{explicit: map[string]bool{}}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}

	fs := pflag.NewFlagSet("hayes", pflag.ContinueOnError)
	file := fs.String("config", os.Getenv(ConfigEnv), "path to the YAML config file")
	moduleDir := fs.String("module-dir", "", "directory holding module scripts")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	apiAddr := fs.String("api-addr", "", "admin API listen address")
	console := fs.Bool("console", false, "read messages from stdin instead of Discord")
	owners := fs.StringSlice("owner", nil, "owner user id (repeatable)")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if *file != "" {
		if err := cfg.loadFile(*file); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "module-dir":
			cfg.set("module_dir", *moduleDir)
		case "log-level":
			cfg.set("log_level", *logLevel)
		case "api-addr":
			cfg.set("api_addr", *apiAddr)
		case "console":
			cfg.Console = *console
			cfg.explicit["console"] = true
		case "owner":
			cfg.Owners = *owners
			cfg.explicit["owners"] = true
		}
	})
	cfg.normalize()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.File = path
	return nil
}

func (c *Config) set(name, value string) {
	if target, ok := c.targets()[name]; ok {
		target(value)
		c.explicit[name] = true
	}
}

// targets maps setting names to the field they fill. Names match the YAML keys.
func (c *Config) targets() map[string]func(string) {
	str := func(p *string) func(string) { return func(v string) { *p = strings.TrimSpace(v) } }
	list := func(p *[]string) func(string) { return func(v string) { *p = splitList(v) } }
	return map[string]func(string){
		"discord_token": str(&c.Token),
		"guild_id":      str(&c.GuildID),
		"owners":        list(&c.Owners),
		"console":       func(v string) { c.Console = parseBoolDefault(v, c.Console) },
		"module_dir":    str(&c.ModuleDir),
		"init_file":     str(&c.InitFile),
		"log_level":     str(&c.LogLevel),
		"redis_url":     str(&c.RedisURL),
		"stream":        str(&c.Stream),
		"api_addr":      str(&c.APIAddr),
		"jwt_secret":    str(&c.JWTSecret),
		"allow_origins": list(&c.AllowOrigins),
		"api_rate_limit": func(v string) {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
				c.APIRateLimit = n
			}
		},
	}
}

// ApplySettings overlays database settings. Empty values and keys set by a
// flag are ignored; unknown keys are returned so the caller can log them.
func (c *Config) ApplySettings(settings map[string]string) []string {
	var unknown []string
	targets := c.targets()
	for name, value := range settings {
		target, ok := targets[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if strings.TrimSpace(value) == "" || c.explicit[name] {
			continue
		}
		target(value)
	}
	c.normalize()
	return unknown
}

func (c *Config) normalize() {
	c.Owners = compact(c.Owners)
	c.AllowOrigins = compact(c.AllowOrigins)
	if c.explicit == nil {
		c.explicit = map[string]bool{}
	}
}

// Validate reports every setting that would stop the bot from starting.
func (c *Config) Validate() error {
	var errs []error
	if !c.Console && c.Token == "" {
		errs = append(errs, errors.New("discord token is required unless console mode is on"))
	}
	if c.ModuleDir == "" {
		errs = append(errs, errors.New("module dir is required"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.APIAddr != "" && c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt secret is required when the API is enabled"))
	}
	if c.RedisURL != "" && c.Stream == "" {
		errs = append(errs, errors.New("stream name is required when redis is configured"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", name)
	}
	return level, nil
}

func splitList(v string) []string {
	return compact(strings.Split(v, ","))
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
