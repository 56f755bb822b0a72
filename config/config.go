package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/oauth2"
	"golang.org/x/term"

	"github.com/jarmo-productory/ritemark-sync/kdf"
	"github.com/jarmo-productory/ritemark-sync/remote"
)

// Google endpoints.
const (
	// GoogleAuthURL is the URL for Google OAuth authorization.
	GoogleAuthURL = "https://accounts.google.com/o/oauth2/auth"

	// GoogleTokenURL is the URL for Google OAuth token exchange.
	GoogleTokenURL = "https://oauth2.googleapis.com/token" //nolint:gosec // Just a URL

	// DriveAPIBase is the base URL for Drive API endpoints.
	DriveAPIBase = "https://www.googleapis.com"
)

// Scopes requested at sign-in: identity, per-file Drive access, and the
// hidden application data folder used for settings.
var Scopes = []string{
	"openid",
	"https://www.googleapis.com/auth/drive.file",
	"https://www.googleapis.com/auth/drive.appdata",
}

var (
	ErrMissingSeed     = errors.New("STORAGE_SEED is not set and no terminal is available to prompt for it")
	ErrMissingClientID = errors.New("GOOGLE_CLIENT_ID is required")
)

// Test seams for the terminal prompt.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// Config holds the application configuration.
type Config struct {
	// Local storage
	DataPath    string `env:"DATA_PATH"    envDefault:"./data"`
	StorageSeed string `env:"STORAGE_SEED"`
	// KDF specification (e.g., "pbkdf2:default", "argon2:moderate", "scrypt:n=32768")
	KDFSpec string `env:"KDF_SPEC" envDefault:"argon2:default"`

	// Sign-in and renewal
	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string        `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURI  string        `env:"GOOGLE_REDIRECT_URI"  envDefault:"http://127.0.0.1:8085/callback"`
	BackendURL         string        `env:"BACKEND_URL"`
	RenewalLeadTime    time.Duration `env:"RENEWAL_LEAD_TIME"    envDefault:"5m"`

	// Remote calls
	DriveAPIBase     string        `env:"DRIVE_API_BASE"     envDefault:"https://www.googleapis.com"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT"    envDefault:"30s"`
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY"   envDefault:"1s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY"    envDefault:"30s"`
	RetryJitter      time.Duration `env:"RETRY_JITTER"       envDefault:"500ms"`

	// Sync behaviour
	SaveDebounce         time.Duration `env:"SAVE_DEBOUNCE"          envDefault:"3s"`
	SettingsSyncInterval time.Duration `env:"SETTINGS_SYNC_INTERVAL" envDefault:"30s"`
	CacheRetention       time.Duration `env:"CACHE_RETENTION"        envDefault:"720h"`

	// Status server
	StatusAddr string `env:"STATUS_ADDR" envDefault:"127.0.0.1:8086"`

	// Debug options
	DebugLogging bool `env:"DEBUG_LOGGING" envDefault:"false"`

	// Observability settings
	ServiceName    string `env:"SERVICE_NAME"    envDefault:"ritemark-sync"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
	TracingEnabled bool   `env:"TRACING_ENABLED" envDefault:"true"`
}

// StorageKDFParams returns the KDF parameters for storage encryption.
func (c *Config) StorageKDFParams() (kdf.Params, error) {
	params, err := kdf.ParseSpec(c.KDFSpec)
	if err != nil {
		return nil, fmt.Errorf("invalid KDF spec %q: %w", c.KDFSpec, err)
	}

	return params, nil
}

// OAuth2Config returns the client configuration for sign-in and direct
// renewal.
func (c *Config) OAuth2Config() (*oauth2.Config, error) {
	if c.GoogleClientID == "" {
		return nil, ErrMissingClientID
	}

	return &oauth2.Config{
		ClientID:     c.GoogleClientID,
		ClientSecret: c.GoogleClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  GoogleAuthURL,
			TokenURL: GoogleTokenURL,
		},
		RedirectURL: c.GoogleRedirectURI,
		Scopes:      Scopes,
	}, nil
}

// RemoteOptions returns the retry and timeout settings for remote calls.
func (c *Config) RemoteOptions() remote.Options {
	return remote.Options{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
		Jitter:      c.RetryJitter,
		Timeout:     c.RequestTimeout,
	}
}

// Seed returns the storage seed, prompting on the terminal when it was not
// provided through the environment.
func (c *Config) Seed(prompt io.Writer) ([]byte, error) {
	if c.StorageSeed != "" {
		return []byte(c.StorageSeed), nil
	}

	fd := int(os.Stdin.Fd()) //nolint:gosec // file descriptors fit in int

	if !isTerminal(fd) {
		return nil, ErrMissingSeed
	}

	_, _ = fmt.Fprint(prompt, "Storage seed: ")

	seed, err := readPassword(fd)

	_, _ = fmt.Fprintln(prompt)

	if err != nil {
		return nil, fmt.Errorf("failed to read storage seed: %w", err)
	}

	if len(strings.TrimSpace(string(seed))) == 0 {
		return nil, ErrMissingSeed
	}

	return seed, nil
}

// Load creates a Config from environment variables.
func Load() (*Config, error) {
	config := &Config{}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	// Clear sensitive environment variables for security
	clearEnvVar("STORAGE_SEED")
	clearEnvVar("GOOGLE_CLIENT_SECRET")

	return config, nil
}

// LoadFrom creates a Config from the given variables instead of the process
// environment.
func LoadFrom(environment map[string]string) (*Config, error) {
	config := &Config{}

	if err := env.ParseWithOptions(config, env.Options{Environment: environment}); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	return config, nil
}

// clearEnvVar removes the specified environment variable to prevent it from
// being exposed in process listings.
func clearEnvVar(key string) {
	_ = os.Unsetenv(key)
}
