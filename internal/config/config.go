// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/autotap/api/schemas"
)

// EnvPrefix is the prefix viper uses for environment overrides (AUTOTAP_RUN_MAX_ITERATIONS, ...).
const EnvPrefix = "AUTOTAP"

// Config holds the entire daemon configuration. Persisted user settings
// (credentials, webhook URL, auto-start flag) are not here; they live in the settings store.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Site      SiteConfig      `mapstructure:"site" yaml:"site"`
	Run       RunConfig       `mapstructure:"run" yaml:"run"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	AutoStart AutoStartConfig `mapstructure:"autostart" yaml:"autostart"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Webhook   WebhookConfig   `mapstructure:"webhook" yaml:"webhook"`
	Control   ControlConfig   `mapstructure:"control" yaml:"control"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the controlled Chromium instance.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath        string         `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir     string         `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        map[string]int `mapstructure:"viewport" yaml:"viewport"`
	StartURL        string         `mapstructure:"start_url" yaml:"start_url"`
	Debug           bool           `mapstructure:"debug" yaml:"debug"`
}

// SiteConfig describes the monitored page and the auth providers it federates with.
type SiteConfig struct {
	MonitoredDomain     string            `mapstructure:"monitored_domain" yaml:"monitored_domain"`
	AuthProviderDomains []string          `mapstructure:"auth_provider_domains" yaml:"auth_provider_domains"`
	Selectors           map[string]string `mapstructure:"selectors" yaml:"selectors"`
}

// Selector returns the configured CSS selector for role, or "".
func (s SiteConfig) Selector(role schemas.Role) string {
	// viper lowercases map keys.
	return s.Selectors[strings.ToLower(string(role))]
}

// RunConfig bounds a single polling run.
type RunConfig struct {
	MaxDuration   time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	MaxIterations int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	SettleDelay   time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ErrorDelay    time.Duration `mapstructure:"error_delay" yaml:"error_delay"`
	// Jitter is added on top of SettleDelay, uniformly in [0, Jitter).
	Jitter time.Duration `mapstructure:"jitter" yaml:"jitter"`
}

// AuthConfig tunes the login flows. The click and popup constants track a
// third-party login UI and are expected to need adjustment over time.
type AuthConfig struct {
	PopupTimeout      time.Duration `mapstructure:"popup_timeout" yaml:"popup_timeout"`
	PopupPollInterval time.Duration `mapstructure:"popup_poll_interval" yaml:"popup_poll_interval"`
	ClickRetries      int           `mapstructure:"click_retries" yaml:"click_retries"`
	ClickInterval     time.Duration `mapstructure:"click_interval" yaml:"click_interval"`
	ClickScrollDelay  time.Duration `mapstructure:"click_scroll_delay" yaml:"click_scroll_delay"`
	CloseTimeout      time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
	ClosePollInterval time.Duration `mapstructure:"close_poll_interval" yaml:"close_poll_interval"`
	// LoginTimeout maps a login method to how long to wait for the logged-in marker.
	LoginTimeout      map[string]time.Duration `mapstructure:"login_timeout" yaml:"login_timeout"`
	LoginPollInterval time.Duration            `mapstructure:"login_poll_interval" yaml:"login_poll_interval"`
	// Steps maps a federated login method to its ordered consent screens.
	Steps map[string][]StepConfig `mapstructure:"steps" yaml:"steps"`
}

// StepConfig is one scripted click inside a provider popup.
type StepConfig struct {
	Name       string        `mapstructure:"name" yaml:"name"`
	Control    string        `mapstructure:"control" yaml:"control"`
	SearchType string        `mapstructure:"search_type" yaml:"search_type"`
	Delay      time.Duration `mapstructure:"delay" yaml:"delay"`
}

// LoginTimeoutFor returns the logged-in wait for method m, falling back to the "default" entry.
func (a AuthConfig) LoginTimeoutFor(m schemas.LoginMethod) time.Duration {
	if d, ok := a.LoginTimeout[string(m)]; ok && d > 0 {
		return d
	}
	if d, ok := a.LoginTimeout["default"]; ok && d > 0 {
		return d
	}
	return 15 * time.Second
}

// AutoStartConfig controls when a run starts without a user request.
type AutoStartConfig struct {
	// Schedule is a standard five-field cron spec for periodic auto-start checks. Empty disables it.
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
	// DefaultMinRerunDelay applies when the persisted min_rerun_delay_hours is unset.
	DefaultMinRerunDelay time.Duration `mapstructure:"default_min_rerun_delay" yaml:"default_min_rerun_delay"`
}

// StoreConfig selects the persisted settings backend.
type StoreConfig struct {
	Driver   string         `mapstructure:"driver" yaml:"driver"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresConfig holds the connection details for a PostgreSQL settings table.
type PostgresConfig struct {
	URL   string `mapstructure:"url" yaml:"url"`
	Table string `mapstructure:"table" yaml:"table"`
}

// WebhookConfig tunes statistics delivery. The URL itself is a persisted setting.
type WebhookConfig struct {
	RetryMax     int           `mapstructure:"retry_max" yaml:"retry_max"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min" yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max" yaml:"retry_wait_max"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RatePerMinute caps deliveries; zero means unlimited.
	RatePerMinute float64 `mapstructure:"rate_per_minute" yaml:"rate_per_minute"`
}

// ControlConfig configures the local HTTP control API.
type ControlConfig struct {
	Listen  string        `mapstructure:"listen" yaml:"listen"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autotap")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.user_data_dir", "~/.autotap/profile")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 900})
	v.SetDefault("browser.debug", false)

	// -- Site --
	v.SetDefault("site.auth_provider_domains", []string{
		"accounts.google.com",
		"facebook.com/login",
		"facebook.com/dialog/oauth",
		"facebook.com/v",
		"appleid.apple.com",
	})
	v.SetDefault("site.selectors", map[string]string{
		string(schemas.RoleLoggedIn):      "[data-testid='user-menu']",
		string(schemas.RoleEmailInput):    "input[type='email']",
		string(schemas.RolePasswordInput): "input[type='password']",
		string(schemas.RoleLoginSubmit):   "button[type='submit']",
	})

	// -- Run --
	v.SetDefault("run.max_duration", 2*time.Hour)
	v.SetDefault("run.max_iterations", 10000)
	v.SetDefault("run.settle_delay", time.Second)
	v.SetDefault("run.error_delay", 2*time.Second)
	v.SetDefault("run.jitter", 250*time.Millisecond)

	// -- Auth --
	v.SetDefault("auth.popup_timeout", 15*time.Second)
	v.SetDefault("auth.popup_poll_interval", time.Second)
	v.SetDefault("auth.click_retries", 8)
	v.SetDefault("auth.click_interval", 2*time.Second)
	v.SetDefault("auth.click_scroll_delay", 300*time.Millisecond)
	v.SetDefault("auth.close_timeout", 15*time.Second)
	v.SetDefault("auth.close_poll_interval", 500*time.Millisecond)
	v.SetDefault("auth.login_poll_interval", 500*time.Millisecond)
	v.SetDefault("auth.login_timeout", map[string]string{
		"default":  "15s",
		"email":    "10s",
		"facebook": "15s",
		"google":   "15s",
		"apple":    "15s",
	})
	v.SetDefault("auth.steps", map[string]interface{}{
		"google": []map[string]interface{}{
			{"name": "sign_in", "control": "identifierNext", "search_type": "id", "delay": "1s"},
			{"name": "confirm", "control": "Continue", "search_type": "text", "delay": "2s"},
			{"name": "continue", "control": "Allow", "search_type": "text", "delay": "2s"},
		},
		"facebook": []map[string]interface{}{
			{"name": "sign_in", "control": "loginbutton", "search_type": "id", "delay": "1s"},
			{"name": "confirm", "control": "Continue as", "search_type": "text", "delay": "2s"},
			{"name": "continue", "control": "Continue", "search_type": "text", "delay": "2s"},
		},
		"apple": []map[string]interface{}{
			{"name": "sign_in", "control": "sign-in", "search_type": "id", "delay": "1s"},
			{"name": "confirm", "control": "Continue", "search_type": "text", "delay": "2s"},
			{"name": "continue", "control": "Continue", "search_type": "text", "delay": "2s"},
		},
	})

	// -- AutoStart --
	v.SetDefault("autostart.schedule", "*/15 * * * *")
	v.SetDefault("autostart.default_min_rerun_delay", 12*time.Hour)

	// -- Store --
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.path", "~/.autotap/settings.json")
	v.SetDefault("store.postgres.table", "autotap_settings")

	// -- Webhook --
	v.SetDefault("webhook.retry_max", 3)
	v.SetDefault("webhook.retry_wait_min", time.Second)
	v.SetDefault("webhook.retry_wait_max", 10*time.Second)
	v.SetDefault("webhook.timeout", 15*time.Second)
	v.SetDefault("webhook.rate_per_minute", 0)

	// -- Control --
	v.SetDefault("control.listen", "127.0.0.1:7878")
	v.SetDefault("control.timeout", 30*time.Second)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Sensitive values are commonly supplied only through the environment.
	_ = v.BindEnv("store.postgres.url", EnvPrefix+"_STORE_POSTGRES_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Run.Validate(); err != nil {
		return fmt.Errorf("run configuration invalid: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth configuration invalid: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	if err := c.AutoStart.Validate(); err != nil {
		return fmt.Errorf("autostart configuration invalid: %w", err)
	}
	if c.Webhook.RetryMax < 0 {
		return fmt.Errorf("webhook.retry_max must not be negative")
	}
	if c.Control.Listen == "" {
		return fmt.Errorf("control.listen is required")
	}
	return nil
}

// Validate checks the run limits.
func (r *RunConfig) Validate() error {
	if r.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be a positive duration")
	}
	if r.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be a positive integer")
	}
	if r.SettleDelay < 0 || r.ErrorDelay < 0 || r.Jitter < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	return nil
}

// Validate checks the login tunables.
func (a *AuthConfig) Validate() error {
	if a.PopupTimeout <= 0 || a.PopupPollInterval <= 0 {
		return fmt.Errorf("popup_timeout and popup_poll_interval must be positive")
	}
	if a.ClickRetries <= 0 {
		return fmt.Errorf("click_retries must be a positive integer")
	}
	if a.ClickInterval <= 0 {
		return fmt.Errorf("click_interval must be a positive duration")
	}
	if a.CloseTimeout <= 0 || a.ClosePollInterval <= 0 {
		return fmt.Errorf("close_timeout and close_poll_interval must be positive")
	}
	for method, steps := range a.Steps {
		for i, s := range steps {
			if s.Control == "" {
				return fmt.Errorf("steps.%s[%d]: control is required", method, i)
			}
			if st := schemas.SearchType(s.SearchType); st != schemas.SearchByID && st != schemas.SearchByText {
				return fmt.Errorf("steps.%s[%d]: search_type must be 'id' or 'text'", method, i)
			}
		}
	}
	return nil
}

// Validate checks the settings backend selection.
func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case "file":
		if s.Path == "" {
			return fmt.Errorf("store.path is required for the file driver")
		}
	case "postgres":
		if s.Postgres.URL == "" {
			return fmt.Errorf("store.postgres.url is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store.driver %q", s.Driver)
	}
	return nil
}

// Validate checks the cron schedule parses.
func (a *AutoStartConfig) Validate() error {
	if a.DefaultMinRerunDelay < 0 {
		return fmt.Errorf("default_min_rerun_delay must not be negative")
	}
	if a.Schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(a.Schedule); err != nil {
		return fmt.Errorf("schedule %q: %w", a.Schedule, err)
	}
	return nil
}
