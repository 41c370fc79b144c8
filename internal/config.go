package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Host     HostConfig        `yaml:"host"`
	Backup   BackupConfig      `yaml:"backup"`
	Transfer TransferConfig    `yaml:"transfer"`
	Auth     AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Host.Validate(); err != nil {
		return err
	}
	if err := c.Backup.Validate(); err != nil {
		return err
	}
	if err := c.Transfer.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// HostConfig describes the SQLite-backed browser host.
type HostConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	// BookmarkTarget is the folder id imported bookmarks land in.
	BookmarkTarget string `yaml:"bookmark_target"`
}

// Validate validates the host configuration.
func (c *HostConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SQLitePath, validation.Required),
	)
}

// BackupConfig holds process-level backup options. The schedule itself is
// persisted in the host settings store, not here.
type BackupConfig struct {
	// Watch drops catalogue entries whose files are deleted from a local
	// destination while the server runs.
	Watch bool `yaml:"watch"`
	// DefaultDir is offered as the destination when none is given.
	DefaultDir string `yaml:"default_dir"`
	// ProgressThrottle limits how often progress events are streamed.
	ProgressThrottle time.Duration `yaml:"progress_throttle"`
}

// Validate validates the backup configuration.
func (c *BackupConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ProgressThrottle, validation.Min(time.Duration(0))),
	)
}

// TransferConfig lists cloud providers by name and base URL. Tokens are
// connected at runtime and stored in the host settings.
type TransferConfig struct {
	Providers map[string]string `yaml:"providers"`
}

// Validate validates the transfer configuration.
func (c *TransferConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Providers, validation.Each(validation.Required, is.URL)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled".
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Host: HostConfig{
			SQLitePath: "./histkeep.db",
		},
		Backup: BackupConfig{
			Watch:            true,
			DefaultDir:       "./backups",
			ProgressThrottle: 250 * time.Millisecond,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
