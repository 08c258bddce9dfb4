package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither a flag nor CONFIG_PATH names a file.
const DefaultPath = "config.yaml"

// Output modes accepted by plugin.mode.
const (
	ModeSVG = "svg"
	ModePNG = "png"
)

// DefaultMathFont is the CSS font stack used for MathML layout.
const DefaultMathFont = `"Latin Modern Math", "STIX Two Math", math`

// PostgresConfig holds connection settings for the API token table.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// PluginConfig is the hot-reloadable part of the configuration.
type PluginConfig struct {
	UseTex       bool    `yaml:"use_tex"`
	FontSize     float64 `yaml:"font_size"`
	ThumbnailDPI float64 `yaml:"thumbnail_dpi"`
	Mode         string  `yaml:"mode"`
	Command      string  `yaml:"command"`
}

// MatrixConfig describes the bot account and its sync behaviour.
type MatrixConfig struct {
	HomeserverURL   string        `yaml:"homeserver_url"`
	UserID          string        `yaml:"user_id"`
	AccessToken     string        `yaml:"access_token"`
	SyncTimeout     time.Duration `yaml:"sync_timeout"`
	AutoJoin        bool          `yaml:"auto_join"`
	CommandCooldown time.Duration `yaml:"command_cooldown"`
}

// RendererConfig configures the Chrome pool and the TeX toolchain.
type RendererConfig struct {
	ChromePath      string `yaml:"chrome_path"`
	ChromeNoSandbox bool   `yaml:"chrome_no_sandbox"`
	ChromePoolSize  int    `yaml:"chrome_pool_size"`
	UserDataDir     string `yaml:"user_data_dir"`
	TimeoutSecs     int    `yaml:"timeout_secs"`
	LatexPath       string `yaml:"latex_path"`
	DvisvgmPath     string `yaml:"dvisvgm_path"`
	MathFont        string `yaml:"math_font"`
}

// Config is the full process configuration.
type Config struct {
	Server struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
		Prefork bool   `yaml:"prefork"`
	} `yaml:"server"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`

	Cache struct {
		RedisHost    string `yaml:"redis_host"`
		RateLimitDB  int    `yaml:"redis_rate_db"`
		StateDB      int    `yaml:"redis_state_db"`
		StateBackend string `yaml:"state_backend"`
	} `yaml:"cache"`

	Auth struct {
		Postgres        PostgresConfig `yaml:"postgres"`
		RefreshInterval time.Duration  `yaml:"refresh_interval"`
	} `yaml:"auth"`

	RateLimiter struct {
		Interval          time.Duration `yaml:"interval"`
		UserLimit         int           `yaml:"user_limit"`
		EnableUserLimiter bool          `yaml:"enable_user_limiter"`
	} `yaml:"rate_limiter"`

	Matrix   MatrixConfig   `yaml:"matrix"`
	Renderer RendererConfig `yaml:"renderer"`
	Plugin   PluginConfig   `yaml:"plugin"`

	Reload struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"reload"`
}

// Path returns the config file location from CONFIG_PATH or DefaultPath.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the file named by Path and panics if it is unusable.
func Load() Config {
	return LoadFrom(Path())
}

// LoadFrom reads and validates the file at path. It panics on any error so
// that a misconfigured process never starts.
func LoadFrom(path string) Config {
	cfg, err := Read(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Read parses, defaults and validates the file at path.
func Read(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML document into a validated Config.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := requirePluginKeys(raw); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// requirePluginKeys rejects a plugin section that omits one of its keys, so a
// zero value is never mistaken for a deliberate setting.
func requirePluginKeys(raw []byte) error {
	var doc struct {
		Plugin map[string]yaml.Node `yaml:"plugin"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}
	var missing []string
	for _, key := range []string{"use_tex", "font_size", "thumbnail_dpi", "mode", "command"} {
		if _, ok := doc.Plugin[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: plugin section is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Cache.StateBackend == "" {
		c.Cache.StateBackend = "memory"
	}
	if c.RateLimiter.Interval == 0 {
		c.RateLimiter.Interval = time.Minute
	}
	if c.Matrix.SyncTimeout == 0 {
		c.Matrix.SyncTimeout = 30 * time.Second
	}
	if c.Renderer.TimeoutSecs == 0 {
		c.Renderer.TimeoutSecs = 20
	}
	if c.Renderer.LatexPath == "" {
		c.Renderer.LatexPath = "latex"
	}
	if c.Renderer.DvisvgmPath == "" {
		c.Renderer.DvisvgmPath = "dvisvgm"
	}
	if c.Renderer.MathFont == "" {
		c.Renderer.MathFont = DefaultMathFont
	}
	if c.Auth.RefreshInterval == 0 {
		c.Auth.RefreshInterval = 5 * time.Minute
	}
	if c.Reload.Interval == 0 {
		c.Reload.Interval = 30 * time.Second
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if err := c.Plugin.Validate(); err != nil {
		return err
	}
	if c.Server.Prefork {
		// Every prefork child would run its own sync loop and answer each command again.
		return errors.New("config: server.prefork is not supported")
	}
	if c.Matrix.HomeserverURL == "" {
		return errors.New("config: matrix.homeserver_url is required")
	}
	if !strings.HasPrefix(c.Matrix.UserID, "@") || !strings.Contains(c.Matrix.UserID, ":") {
		return fmt.Errorf("config: matrix.user_id %q is not a Matrix user ID", c.Matrix.UserID)
	}
	if c.Matrix.AccessToken == "" {
		return errors.New("config: matrix.access_token is required")
	}
	if c.Matrix.SyncTimeout < 0 || c.Matrix.CommandCooldown < 0 {
		return errors.New("config: matrix durations must not be negative")
	}
	if c.Renderer.ChromePoolSize < 0 {
		return errors.New("config: renderer.chrome_pool_size must not be negative")
	}
	if c.Renderer.TimeoutSecs < 0 {
		return errors.New("config: renderer.timeout_secs must not be negative")
	}
	if c.RateLimiter.Interval < 0 || c.RateLimiter.UserLimit < 0 {
		return errors.New("config: rate_limiter values must not be negative")
	}
	switch c.Cache.StateBackend {
	case "memory":
	case "redis":
		if c.Cache.RedisHost == "" {
			return errors.New("config: cache.redis_host is required for the redis state backend")
		}
	default:
		return fmt.Errorf("config: unknown cache.state_backend %q", c.Cache.StateBackend)
	}
	if c.Reload.Interval < 0 {
		return errors.New("config: reload.interval must not be negative")
	}
	return nil
}

// Validate checks the plugin section on its own; hot reload relies on it.
func (p PluginConfig) Validate() error {
	if p.FontSize <= 0 {
		return fmt.Errorf("config: plugin.font_size must be positive, got %v", p.FontSize)
	}
	if p.ThumbnailDPI <= 0 {
		return fmt.Errorf("config: plugin.thumbnail_dpi must be positive, got %v", p.ThumbnailDPI)
	}
	if p.Mode != ModeSVG && p.Mode != ModePNG {
		return fmt.Errorf("config: plugin.mode must be %q or %q, got %q", ModeSVG, ModePNG, p.Mode)
	}
	if p.Command == "" || strings.ContainsAny(p.Command, " \t\n") {
		return fmt.Errorf("config: plugin.command %q must be a single word", p.Command)
	}
	return nil
}
