// Package config loads the transcript service configuration from defaults, a
// YAML file, and PENF_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-transcripts/pkg/db"
	"github.com/otherjamesbrown/penf-transcripts/pkg/logging"
	"github.com/otherjamesbrown/penf-transcripts/pkg/retry"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
	OutputFormatYAML OutputFormat = "yaml"
)

// Default configuration values.
const (
	DefaultListenAddress   = ":8080"
	DefaultWebhookPath     = "/webhooks/transcripts"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultSettleDelay     = 30 * time.Second
	DefaultGraphBaseURL    = "https://graph.microsoft.com/v1.0"
	DefaultGraphTimeout    = 30 * time.Second
	DefaultAuthority       = "https://login.microsoftonline.com"
	DefaultOutputFormat    = OutputFormatText
	DefaultConfigDir       = ".penf"
	DefaultConfigFile      = "transcripts.yaml"
)

// ServerConfig configures the HTTP and gRPC listeners.
type ServerConfig struct {
	Address string
	// GRPCHealthAddress enables the gRPC health service when set.
	GRPCHealthAddress string
	WebhookPath       string
	ShutdownTimeout   time.Duration
}

// WebhookConfig configures notification intake.
type WebhookConfig struct {
	ClientState string
	SettleDelay time.Duration
}

// GraphConfig configures the remote platform client.
type GraphConfig struct {
	BaseURL        string
	Timeout        time.Duration
	StreamDelivery string
	ChunkSize      int
}

// AuthConfig identifies the application registration. The client secret is
// kept in the credential store, not here.
type AuthConfig struct {
	TenantID  string
	ClientID  string
	Authority string
	Scopes    []string
}

// ApplicationConfigured reports whether application tokens can be requested.
func (a AuthConfig) ApplicationConfigured() bool {
	return a.TenantID != "" && a.ClientID != ""
}

// DiscoveryConfig configures transcript polling.
type DiscoveryConfig struct {
	Poll      retry.Policy
	Selection string
}

// RedisConfig configures the status event publisher. Empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether events should be published.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// LogDBConfig configures persisted logs. Disabled unless Enabled is set.
type LogDBConfig struct {
	Enabled bool
	db.Config
}

// LoggingConfig configures console logging.
type LoggingConfig struct {
	Level       logging.Level
	JSON        bool
	Environment string
}

// ServiceConfig is the complete service configuration.
type ServiceConfig struct {
	Server       ServerConfig
	Webhook      WebhookConfig
	Graph        GraphConfig
	Auth         AuthConfig
	Discovery    DiscoveryConfig
	Redis        RedisConfig
	LogDB        LogDBConfig
	Logging      LoggingConfig
	OutputFormat OutputFormat
}

// DefaultConfig returns a ServiceConfig with default values.
func DefaultConfig() *ServiceConfig {
	return &ServiceConfig{
		Server: ServerConfig{
			Address:         DefaultListenAddress,
			WebhookPath:     DefaultWebhookPath,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Webhook: WebhookConfig{
			SettleDelay: DefaultSettleDelay,
		},
		Graph: GraphConfig{
			BaseURL:        DefaultGraphBaseURL,
			Timeout:        DefaultGraphTimeout,
			StreamDelivery: "pull",
			ChunkSize:      32 * 1024,
		},
		Auth: AuthConfig{
			Authority: DefaultAuthority,
		},
		Discovery: DiscoveryConfig{
			Poll:      retry.DefaultPolicy(),
			Selection: "first",
		},
		LogDB: LogDBConfig{
			Config: *db.DefaultConfig(),
		},
		Logging: LoggingConfig{
			Level:       logging.LevelInfo,
			Environment: "development",
		},
		OutputFormat: DefaultOutputFormat,
	}
}

// ConfigDir returns $PENF_CONFIG_DIR if set, otherwise ~/.penf.
func ConfigDir() (string, error) {
	if dir := os.Getenv("PENF_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the default configuration file path.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig loads configuration. An explicit path must exist; the default
// path is optional.
func LoadConfig(path string) (*ServiceConfig, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		p, err := ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting config path: %w", err)
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil || explicit {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// configFile mirrors ServiceConfig with durations as strings.
type configFile struct {
	Server struct {
		Address           string `yaml:"address"`
		GRPCHealthAddress string `yaml:"grpc_health_address"`
		WebhookPath       string `yaml:"webhook_path"`
		ShutdownTimeout   string `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Webhook struct {
		ClientState string `yaml:"client_state"`
		SettleDelay string `yaml:"settle_delay"`
	} `yaml:"webhook"`
	Graph struct {
		BaseURL        string `yaml:"base_url"`
		Timeout        string `yaml:"timeout"`
		StreamDelivery string `yaml:"stream_delivery"`
		ChunkSize      int    `yaml:"chunk_size"`
	} `yaml:"graph"`
	Auth struct {
		TenantID  string   `yaml:"tenant_id"`
		ClientID  string   `yaml:"client_id"`
		Authority string   `yaml:"authority"`
		Scopes    []string `yaml:"scopes"`
	} `yaml:"auth"`
	Discovery struct {
		MaxAttempts   int     `yaml:"max_attempts"`
		PollInterval  string  `yaml:"poll_interval"`
		MaxBackoff    string  `yaml:"max_backoff"`
		BackoffFactor float64 `yaml:"backoff_factor"`
		Selection     string  `yaml:"selection"`
	} `yaml:"discovery"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	LogDB struct {
		Enabled   bool `yaml:"enabled"`
		db.Config `yaml:",inline"`
	} `yaml:"log_db"`
	Logging struct {
		Level       string `yaml:"level"`
		JSON        *bool  `yaml:"json"`
		Environment string `yaml:"environment"`
	} `yaml:"logging"`
	OutputFormat OutputFormat `yaml:"output_format"`
}

func loadFromFile(cfg *ServiceConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	setString(&cfg.Server.Address, f.Server.Address)
	setString(&cfg.Server.GRPCHealthAddress, f.Server.GRPCHealthAddress)
	setString(&cfg.Server.WebhookPath, f.Server.WebhookPath)
	setString(&cfg.Webhook.ClientState, f.Webhook.ClientState)
	setString(&cfg.Graph.BaseURL, f.Graph.BaseURL)
	setString(&cfg.Graph.StreamDelivery, f.Graph.StreamDelivery)
	setString(&cfg.Auth.TenantID, f.Auth.TenantID)
	setString(&cfg.Auth.ClientID, f.Auth.ClientID)
	setString(&cfg.Auth.Authority, f.Auth.Authority)
	setString(&cfg.Discovery.Selection, f.Discovery.Selection)
	setString(&cfg.Redis.Addr, f.Redis.Addr)
	setString(&cfg.Redis.Password, f.Redis.Password)
	setString(&cfg.Logging.Environment, f.Logging.Environment)

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"server.shutdown_timeout", f.Server.ShutdownTimeout, &cfg.Server.ShutdownTimeout},
		{"webhook.settle_delay", f.Webhook.SettleDelay, &cfg.Webhook.SettleDelay},
		{"graph.timeout", f.Graph.Timeout, &cfg.Graph.Timeout},
		{"discovery.poll_interval", f.Discovery.PollInterval, &cfg.Discovery.Poll.InitialBackoff},
		{"discovery.max_backoff", f.Discovery.MaxBackoff, &cfg.Discovery.Poll.MaxBackoff},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	// A poll interval without an explicit cap keeps the delay fixed.
	if f.Discovery.PollInterval != "" && f.Discovery.MaxBackoff == "" {
		cfg.Discovery.Poll.MaxBackoff = cfg.Discovery.Poll.InitialBackoff
	}

	if f.Graph.ChunkSize != 0 {
		cfg.Graph.ChunkSize = f.Graph.ChunkSize
	}
	if len(f.Auth.Scopes) > 0 {
		cfg.Auth.Scopes = f.Auth.Scopes
	}
	if f.Discovery.MaxAttempts != 0 {
		cfg.Discovery.Poll.MaxAttempts = f.Discovery.MaxAttempts
	}
	if f.Discovery.BackoffFactor != 0 {
		cfg.Discovery.Poll.BackoffFactor = f.Discovery.BackoffFactor
	}
	if f.Redis.DB != 0 {
		cfg.Redis.DB = f.Redis.DB
	}

	cfg.LogDB.Enabled = f.LogDB.Enabled
	mergeDB(&cfg.LogDB.Config, f.LogDB.Config)

	if f.Logging.Level != "" {
		cfg.Logging.Level = logging.ParseLevel(f.Logging.Level)
	}
	if f.Logging.JSON != nil {
		cfg.Logging.JSON = *f.Logging.JSON
	}
	if f.OutputFormat != "" {
		cfg.OutputFormat = f.OutputFormat
	}
	return nil
}

func mergeDB(dst *db.Config, src db.Config) {
	setString(&dst.Host, src.Host)
	setString(&dst.Database, src.Database)
	setString(&dst.User, src.User)
	setString(&dst.Password, src.Password)
	setString(&dst.SSLMode, src.SSLMode)
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.MaxConns != 0 {
		dst.MaxConns = src.MaxConns
	}
	if src.MinConns != 0 {
		dst.MinConns = src.MinConns
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// loadFromEnv overlays PENF_* environment variables. Malformed numeric and
// duration values are errors.
func loadFromEnv(cfg *ServiceConfig) error {
	strs := map[string]*string{
		"PENF_LISTEN_ADDRESS":       &cfg.Server.Address,
		"PENF_GRPC_HEALTH_ADDRESS":  &cfg.Server.GRPCHealthAddress,
		"PENF_WEBHOOK_PATH":         &cfg.Server.WebhookPath,
		"PENF_WEBHOOK_CLIENT_STATE": &cfg.Webhook.ClientState,
		"PENF_GRAPH_BASE_URL":       &cfg.Graph.BaseURL,
		"PENF_GRAPH_STREAM":         &cfg.Graph.StreamDelivery,
		"PENF_TENANT_ID":            &cfg.Auth.TenantID,
		"PENF_CLIENT_ID":            &cfg.Auth.ClientID,
		"PENF_AUTHORITY":            &cfg.Auth.Authority,
		"PENF_TRANSCRIPT_SELECTION": &cfg.Discovery.Selection,
		"PENF_REDIS_ADDR":           &cfg.Redis.Addr,
		"PENF_REDIS_PASSWORD":       &cfg.Redis.Password,
		"PENF_LOG_DB_HOST":          &cfg.LogDB.Host,
		"PENF_LOG_DB_NAME":          &cfg.LogDB.Database,
		"PENF_LOG_DB_USER":          &cfg.LogDB.User,
		"PENF_LOG_DB_PASSWORD":      &cfg.LogDB.Password,
		"PENF_LOG_DB_SSLMODE":       &cfg.LogDB.SSLMode,
		"PENF_ENVIRONMENT":          &cfg.Logging.Environment,
	}
	for name, dst := range strs {
		setString(dst, os.Getenv(name))
	}

	durations := map[string]*time.Duration{
		"PENF_SHUTDOWN_TIMEOUT": &cfg.Server.ShutdownTimeout,
		"PENF_SETTLE_DELAY":     &cfg.Webhook.SettleDelay,
		"PENF_GRAPH_TIMEOUT":    &cfg.Graph.Timeout,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
	}
	if v := os.Getenv("PENF_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PENF_POLL_INTERVAL: %w", err)
		}
		cfg.Discovery.Poll.InitialBackoff = d
		cfg.Discovery.Poll.MaxBackoff = d
	}

	ints := map[string]*int{
		"PENF_POLL_ATTEMPTS":    &cfg.Discovery.Poll.MaxAttempts,
		"PENF_GRAPH_CHUNK_SIZE": &cfg.Graph.ChunkSize,
		"PENF_REDIS_DB":         &cfg.Redis.DB,
		"PENF_LOG_DB_PORT":      &cfg.LogDB.Port,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("PENF_LOG_DB_ENABLED"); v != "" {
		cfg.LogDB.Enabled = isTrue(v)
	}
	if v := os.Getenv("PENF_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = logging.ParseLevel(v)
	}
	if v := os.Getenv("PENF_LOG_JSON"); v != "" {
		cfg.Logging.JSON = isTrue(v)
	}
	if v := os.Getenv("PENF_DEBUG"); isTrue(v) {
		cfg.Logging.Level = logging.LevelDebug
	}
	if v := os.Getenv("PENF_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = OutputFormat(v)
	}
	return nil
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Validate checks that the configuration is usable.
func (c *ServiceConfig) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if !strings.HasPrefix(c.Server.WebhookPath, "/") {
		return fmt.Errorf("server.webhook_path must start with /")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if c.Webhook.SettleDelay < 0 {
		return fmt.Errorf("webhook.settle_delay must not be negative")
	}
	if c.Graph.BaseURL == "" {
		return fmt.Errorf("graph.base_url is required")
	}
	if c.Graph.Timeout <= 0 {
		return fmt.Errorf("graph.timeout must be positive")
	}
	switch c.Graph.StreamDelivery {
	case "pull", "push":
	default:
		return fmt.Errorf("invalid graph.stream_delivery: %q (must be pull or push)", c.Graph.StreamDelivery)
	}
	if c.Graph.ChunkSize <= 0 {
		return fmt.Errorf("graph.chunk_size must be positive")
	}
	if (c.Auth.TenantID == "") != (c.Auth.ClientID == "") {
		return fmt.Errorf("auth.tenant_id and auth.client_id must be set together")
	}
	if err := c.Discovery.Poll.Validate(); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	switch c.Discovery.Selection {
	case "first", "latest":
	default:
		return fmt.Errorf("invalid discovery.selection: %q (must be first or latest)", c.Discovery.Selection)
	}
	if c.LogDB.Enabled {
		if err := c.LogDB.Validate(); err != nil {
			return fmt.Errorf("log_db: %w", err)
		}
	}
	if !c.OutputFormat.IsValid() {
		return fmt.Errorf("invalid output_format: %q (must be text, json, or yaml)", c.OutputFormat)
	}
	return nil
}

// IsValid checks if the output format is valid.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return true
	default:
		return false
	}
}

// String returns the string representation of the output format.
func (f OutputFormat) String() string {
	return string(f)
}
