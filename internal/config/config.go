// Package config loads the service configuration from environment
// variables (KEYMINT_ prefix) with an optional YAML file overlay, and
// validates it before anything starts.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"keymint/internal/issuance"
	"keymint/internal/registry"
)

// Config holds all service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	License  LicenseConfig  `yaml:"license" envconfig:"LICENSE"`
	Webhook  WebhookConfig  `yaml:"webhook" envconfig:"WEBHOOK"`
	Publish  PublishConfig  `yaml:"publish" envconfig:"PUBLISH"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// SecurityConfig holds access control and rate limit settings
type SecurityConfig struct {
	StatusToken    string          `yaml:"status_token" envconfig:"STATUS_TOKEN"`
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"*"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig holds the global backstop limiter settings. Per-endpoint
// sliding windows are configured in code.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/licensed.log"`
}

// LicenseConfig holds signing material and registry storage settings.
// The private key is only required by the server; client tooling runs
// with the public key alone.
type LicenseConfig struct {
	PrivateKey     string `yaml:"private_key" envconfig:"PRIVATE_KEY"`
	PrivateKeyFile string `yaml:"private_key_file" envconfig:"PRIVATE_KEY_FILE"`
	PublicKey      string `yaml:"public_key" envconfig:"PUBLIC_KEY" validate:"required"`
	KeyID          string `yaml:"key_id" envconfig:"KEY_ID" validate:"required"`
	RegistryDir    string `yaml:"registry_dir" envconfig:"REGISTRY_DIR" default:"data/registry"`
	RegistryURL    string `yaml:"registry_url" envconfig:"REGISTRY_URL"`
	AllowInsecure  bool   `yaml:"allow_insecure" envconfig:"ALLOW_INSECURE" default:"false"`
}

// WebhookConfig holds payment processor settings
type WebhookConfig struct {
	Secret             string            `yaml:"secret" envconfig:"SECRET"`
	SignatureTolerance time.Duration     `yaml:"signature_tolerance" envconfig:"SIGNATURE_TOLERANCE" default:"5m"`
	VersionSalt        string            `yaml:"version_salt" envconfig:"VERSION_SALT" default:"v1"`
	Plans              map[string]string `yaml:"plans" envconfig:"PLANS"`
}

// PublishConfig holds the optional Cloud Storage publication settings.
// An empty bucket disables publication.
type PublishConfig struct {
	Bucket          string `yaml:"bucket" envconfig:"BUCKET"`
	Object          string `yaml:"object" envconfig:"OBJECT" default:"public.json"`
	CredentialsFile string `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
}

// Load reads configuration from the environment, overlays an optional
// YAML file, and validates the result.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("KEYMINT", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile := findConfigFile(); configFile != "" {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = merge(*fileCfg, cfg)
	}

	if err := cfg.resolveKeyMaterial(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// merge overlays file values under env values (env takes precedence).
func merge(fileCfg, envCfg Config) Config {
	if envCfg.License.PrivateKey == "" {
		envCfg.License.PrivateKey = fileCfg.License.PrivateKey
	}
	if envCfg.License.PrivateKeyFile == "" {
		envCfg.License.PrivateKeyFile = fileCfg.License.PrivateKeyFile
	}
	if envCfg.License.PublicKey == "" {
		envCfg.License.PublicKey = fileCfg.License.PublicKey
	}
	if envCfg.License.KeyID == "" {
		envCfg.License.KeyID = fileCfg.License.KeyID
	}
	if envCfg.License.RegistryURL == "" {
		envCfg.License.RegistryURL = fileCfg.License.RegistryURL
	}
	if envCfg.Webhook.Secret == "" {
		envCfg.Webhook.Secret = fileCfg.Webhook.Secret
	}
	if len(envCfg.Webhook.Plans) == 0 {
		envCfg.Webhook.Plans = fileCfg.Webhook.Plans
	}
	if envCfg.Security.StatusToken == "" {
		envCfg.Security.StatusToken = fileCfg.Security.StatusToken
	}
	if envCfg.Publish.Bucket == "" {
		envCfg.Publish = fileCfg.Publish
	}
	return envCfg
}

func findConfigFile() string {
	for _, location := range []string{"config.yaml", "configs/config.yaml"} {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// resolveKeyMaterial loads the private key from file when configured by
// path rather than value.
func (c *Config) resolveKeyMaterial() error {
	if c.License.PrivateKey != "" || c.License.PrivateKeyFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.License.PrivateKeyFile)
	if err != nil {
		return fmt.Errorf("failed to read private key file: %w", err)
	}
	c.License.PrivateKey = strings.TrimSpace(string(data))
	return nil
}

// Validate checks structural constraints via validator tags.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// PlanMap converts the configured plan strings into issuance plans.
// Values: "free", "paid", "paid_founder". Anything else is a startup
// error, not a silent default.
func (c *Config) PlanMap() (issuance.PlanMap, error) {
	plans := make(issuance.PlanMap, len(c.Webhook.Plans))
	for priceID, value := range c.Webhook.Plans {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "free":
			plans[priceID] = issuance.Plan{Tier: registry.TierFree}
		case "paid":
			plans[priceID] = issuance.Plan{Tier: registry.TierPaid}
		case "paid_founder":
			plans[priceID] = issuance.Plan{Tier: registry.TierPaid, IsFounder: true}
		default:
			return nil, fmt.Errorf("config: unknown plan value %q for price %q", value, priceID)
		}
	}
	return plans, nil
}

// Default returns the default configuration used by tests and local runs.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "both",
			FilePath: "logs/licensed.log",
		},
		License: LicenseConfig{
			RegistryDir: "data/registry",
		},
		Webhook: WebhookConfig{
			SignatureTolerance: 5 * time.Minute,
			VersionSalt:        "v1",
		},
		Publish: PublishConfig{
			Object: "public.json",
		},
	}
}
