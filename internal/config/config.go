package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Environment variables consulted when the matching flag is not given.
const (
	EnvPath        = "TELEMETRY_PATH"
	EnvBranch      = "TELEMETRY_BRANCH"
	EnvMaxPoints   = "TELEMETRY_MAX_POINTS"
	EnvAPIURL      = "GITHUB_API_URL"
	EnvPushgateway = "PUSHGATEWAY_URL"
	EnvLogLevel    = "LOG_LEVEL"
	EnvLogFormat   = "LOG_FORMAT"
	EnvToken       = "GITHUB_TOKEN"
	EnvTokenAlt    = "GH_TOKEN"
)

// Defaults.
const (
	DefaultPath      = "data/data.json"
	DefaultBranch    = "main"
	DefaultMaxPoints = 2000
	DefaultAPIURL    = "https://api.github.com"
	DefaultEnvFile   = ".env"
	DefaultAddr      = ":8080"
)

var (
	// ErrMissingToken is returned when no credential source yields a token.
	ErrMissingToken = errors.New("missing credential: pass --token or set " + EnvToken)

	// ErrInvalid marks configuration that failed validation.
	ErrInvalid = errors.New("invalid configuration")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	})
	return v
}

// Getenv looks up an environment variable; os.Getenv in production.
type Getenv func(key string) string

// PushConfig is everything one push run needs.
type PushConfig struct {
	Owner  string `validate:"required"`
	Repo   string `validate:"required"`
	Path   string `validate:"required"`
	Branch string `validate:"required"`
	APIURL string `validate:"required,url"`

	// Token is resolved separately, see ResolveToken.
	Token string

	Temperature float64 `validate:"finite"`
	Humidity    float64 `validate:"finite"`
	Pressure    float64 `validate:"finite"`

	// MaxPoints bounds the stored series; 0 disables trimming.
	MaxPoints int `validate:"gte=0"`

	// Timeout bounds the whole run; 0 means no deadline.
	Timeout time.Duration `validate:"gte=0"`

	Quarantine     bool
	PushgatewayURL string `validate:"omitempty,url"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=console json"`
}

// DefaultPushConfig returns the flag defaults before environment overrides.
func DefaultPushConfig() PushConfig {
	return PushConfig{
		Path:      DefaultPath,
		Branch:    DefaultBranch,
		APIURL:    DefaultAPIURL,
		MaxPoints: DefaultMaxPoints,
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// ApplyEnv fills every setting whose flag was not given explicitly from the
// environment. changed reports whether a flag was set on the command line.
// A variable that does not parse is an error wrapping ErrInvalid.
func (c *PushConfig) ApplyEnv(getenv Getenv, changed func(flag string) bool) error {
	if !changed("path") {
		c.Path = getenvDefault(getenv, EnvPath, c.Path)
	}
	if !changed("branch") {
		c.Branch = getenvDefault(getenv, EnvBranch, c.Branch)
	}
	if !changed("max-points") {
		n, err := getenvInt(getenv, EnvMaxPoints, c.MaxPoints)
		if err != nil {
			return err
		}
		c.MaxPoints = n
	}
	if !changed("api-url") {
		c.APIURL = getenvDefault(getenv, EnvAPIURL, c.APIURL)
	}
	if !changed("pushgateway") {
		c.PushgatewayURL = getenvDefault(getenv, EnvPushgateway, c.PushgatewayURL)
	}
	if !changed("log-level") {
		c.LogLevel = getenvDefault(getenv, EnvLogLevel, c.LogLevel)
	}
	if !changed("log-format") {
		c.LogFormat = getenvDefault(getenv, EnvLogFormat, c.LogFormat)
	}
	return nil
}

// Validate checks the resolved configuration.
func (c PushConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ServeConfig configures the local contents API emulator.
type ServeConfig struct {
	Addr          string `validate:"required"`
	Token         string
	DefaultBranch string `validate:"required"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=console json"`
}

// DefaultServeConfig returns the emulator flag defaults.
func DefaultServeConfig() ServeConfig {
	return ServeConfig{
		Addr:          DefaultAddr,
		DefaultBranch: DefaultBranch,
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// ApplyEnv fills unset emulator settings from the environment. The listen
// port follows PORT like most hosted runtimes.
func (c *ServeConfig) ApplyEnv(getenv Getenv, changed func(flag string) bool) {
	if !changed("addr") {
		if port := getenv("PORT"); port != "" {
			c.Addr = ":" + port
		}
	}
	if !changed("log-level") {
		c.LogLevel = getenvDefault(getenv, EnvLogLevel, c.LogLevel)
	}
	if !changed("log-format") {
		c.LogFormat = getenvDefault(getenv, EnvLogFormat, c.LogFormat)
	}
}

// Validate checks the resolved configuration.
func (c ServeConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// LoadEnvFile loads variables from a dotenv file without overriding ones
// already set. A missing file is not an error; loaded reports whether one
// was read.
func LoadEnvFile(path string) (loaded bool, err error) {
	if path == "" {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return true, nil
}

// TokenSource yields a credential if it has one.
type TokenSource interface {
	Name() string
	Token() (string, bool)
}

// FlagToken is a credential given on the command line.
type FlagToken string

func (FlagToken) Name() string { return "--token" }

func (f FlagToken) Token() (string, bool) {
	t := strings.TrimSpace(string(f))
	return t, t != ""
}

// EnvTokens reads the first non-empty of Keys.
type EnvTokens struct {
	Getenv Getenv
	Keys   []string
}

func (e EnvTokens) Name() string { return strings.Join(e.Keys, ",") }

func (e EnvTokens) Token() (string, bool) {
	getenv := e.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, k := range e.Keys {
		if t := strings.TrimSpace(getenv(k)); t != "" {
			return t, true
		}
	}
	return "", false
}

// ResolveToken returns the credential from the first source that has one,
// along with that source's name.
func ResolveToken(sources ...TokenSource) (token, source string, err error) {
	for _, s := range sources {
		if t, ok := s.Token(); ok {
			return t, s.Name(), nil
		}
	}
	return "", "", ErrMissingToken
}

func getenvDefault(getenv Getenv, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(getenv Getenv, key string, def int) (int, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v)
	}
	return n, nil
}
