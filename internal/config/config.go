// Package config loads intel settings from a TOML file, INTEL_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/compintel/profilesync/internal/cache"
	"github.com/compintel/profilesync/internal/remote"
)

// EnvPrefix prefixes every environment override, e.g. INTEL_STORE_BACKEND.
const EnvPrefix = "INTEL"

// FileName is the config file name searched for without extension.
const FileName = "intel"

// Backends
const (
	BackendFirestore = "firestore"
	BackendFile      = "file"
)

// Identity providers
const (
	ProviderFirebase = "firebase"
	ProviderStatic   = "static"
)

// Config is the full application configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Order     []string        `mapstructure:"order" validate:"dive,required"`
	OrderFile string          `mapstructure:"order_file"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
}

// StoreConfig selects and configures the remote store.
type StoreConfig struct {
	Backend            string        `mapstructure:"backend" validate:"oneof=firestore file"`
	Project            string        `mapstructure:"project" validate:"required_if=Backend firestore"`
	Credentials        string        `mapstructure:"credentials" validate:"omitempty,file"`
	Collection         string        `mapstructure:"collection" validate:"required"`
	Dir                string        `mapstructure:"dir" validate:"required_if=Backend file"`
	Debounce           time.Duration `mapstructure:"debounce" validate:"gte=0"`
	MaxConcurrentReads int           `mapstructure:"max_concurrent_reads" validate:"gte=0"`
}

// IdentityConfig configures how requests are authenticated.
type IdentityConfig struct {
	Provider       string   `mapstructure:"provider" validate:"oneof=firebase static"`
	AllowedDomains []string `mapstructure:"allowed_domains" validate:"dive,fqdn"`
	DevIdentity    string   `mapstructure:"dev_identity" validate:"required_if=Provider static"`
}

// DashboardConfig configures the HTTP server.
type DashboardConfig struct {
	Port            int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"gte=0"`
	Linger          time.Duration `mapstructure:"linger" validate:"gte=0"`
	OriginPatterns  []string      `mapstructure:"origin_patterns"`
	Debug           bool          `mapstructure:"debug"`
}

// LogConfig configures log output. With File set, logs are also written
// to a size-rotated file.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN         string `mapstructure:"dsn" validate:"omitempty,url"`
	Environment string `mapstructure:"environment"`
}

// Defaults returns the built-in settings as flat viper keys.
func Defaults() map[string]any {
	return map[string]any{
		"store.backend":              BackendFile,
		"store.project":              "",
		"store.credentials":          "",
		"store.collection":           remote.DefaultCollection,
		"store.dir":                  "data",
		"store.debounce":             100 * time.Millisecond,
		"store.max_concurrent_reads": 8,
		"order":                      cache.DefaultOrder,
		"order_file":                 "",
		"identity.provider":          ProviderStatic,
		"identity.allowed_domains":   []string{"hyperverge.co"},
		"identity.dev_identity":      "dev@localhost",
		"dashboard.port":             8080,
		"dashboard.refresh_interval": 5 * time.Second,
		"dashboard.linger":           2 * time.Minute,
		"dashboard.origin_patterns":  []string{},
		"dashboard.debug":            false,
		"log.file":                   "",
		"log.max_size_mb":            10,
		"log.max_backups":            3,
		"log.max_age_days":           28,
		"sentry.dsn":                 "",
		"sentry.environment":         "development",
	}
}

// New returns a viper instance with defaults, environment overrides and the
// config search path set up. configFile, when non-empty, is used instead of
// searching.
func New(configFile string) *viper.Viper {
	v := viper.New()
	for k, val := range Defaults() {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		return v
	}

	v.SetConfigName(FileName)
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, FileName))
	}
	return v
}

// Load reads the config file if there is one, applies the order file and
// validates the result. A missing config file is not an error when the
// search path was used.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.OrderFile != "" {
		order, err := ReadOrderFile(cfg.OrderFile)
		if err != nil {
			return nil, err
		}
		cfg.Order = order
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its field rules and reports every failure.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", configKey(fe.Namespace()), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// configKey maps a validator namespace such as Config.Store.Backend to a
// config key such as store.backend.
func configKey(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	var b strings.Builder
	for i := 0; i < len(ns); i++ {
		c := ns[i]
		if c >= 'A' && c <= 'Z' {
			if i > 0 && (isLower(ns[i-1]) || isDigit(ns[i-1])) {
				b.WriteByte('_')
			}
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isLower(c byte) bool { return c >= 'a' && c <= 'z' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// ReadOrderFile reads a YAML list of company ids.
func ReadOrderFile(path string) ([]string, error) {
	// #nosec G304 - controlled path from config
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read order file: %w", err)
	}

	var order []string
	if err := yaml.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("failed to parse order file %s: %w", path, err)
	}
	return order, nil
}
