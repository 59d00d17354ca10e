package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/normanking/edubuddy/internal/audit"
	"github.com/normanking/edubuddy/internal/bus"
	"github.com/normanking/edubuddy/internal/conversation"
	"github.com/normanking/edubuddy/internal/llm"
	"github.com/normanking/edubuddy/internal/logging"
	"github.com/normanking/edubuddy/internal/registry"
	"github.com/normanking/edubuddy/internal/router"
	"github.com/normanking/edubuddy/internal/safety"
	"github.com/normanking/edubuddy/internal/store"
	"github.com/normanking/edubuddy/pkg/types"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. EDUBUDDY_LOGGING_LEVEL.
const EnvPrefix = "EDUBUDDY"

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	File    string `mapstructure:"file" yaml:"file"`
	Console bool   `mapstructure:"console" yaml:"console"`
	Pretty  bool   `mapstructure:"pretty" yaml:"pretty"`
}

// LLMConfig contains the provider table.
type LLMConfig struct {
	DefaultProvider string                        `mapstructure:"default_provider" yaml:"default_provider"`
	Providers       map[string]llm.ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// SemanticConfig configures the optional model-based safety check.
type SemanticConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Provider string        `mapstructure:"provider" yaml:"provider"`
	Model    string        `mapstructure:"model" yaml:"model"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SafetyConfig contains the safety gate rules.
type SafetyConfig struct {
	safety.Rules `mapstructure:",squash" yaml:",inline"`

	SafeMessage string         `mapstructure:"safe_message" yaml:"safe_message"`
	Semantic    SemanticConfig `mapstructure:"semantic" yaml:"semantic"`
}

// RedisAuditConfig enables the Redis stream sink.
type RedisAuditConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	audit.RedisConfig `mapstructure:",squash" yaml:",inline"`
}

// AuditConfig contains audit sink settings.
type AuditConfig struct {
	QueueSize int              `mapstructure:"queue_size" yaml:"queue_size"`
	Redis     RedisAuditConfig `mapstructure:"redis" yaml:"redis"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// EventsConfig contains the event bus and WebSocket observer settings.
type EventsConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	HistorySize int  `mapstructure:"history_size" yaml:"history_size"`

	bus.ObserverConfig `mapstructure:",squash" yaml:",inline"`
}

// SchedulerConfig contains periodic job settings. An empty spec disables
// the job.
type SchedulerConfig struct {
	MaxExperimentAge time.Duration `mapstructure:"max_experiment_age" yaml:"max_experiment_age"`
	ExpirySpec       string        `mapstructure:"expiry_spec" yaml:"expiry_spec"`
	ReportSpec       string        `mapstructure:"report_spec" yaml:"report_spec"`
}

// AuthConfig contains admin authentication settings.
type AuthConfig struct {
	// AdminTokenHash is a bcrypt hash of the admin bearer token. Empty
	// disables the admin API.
	AdminTokenHash string `mapstructure:"admin_token_hash" yaml:"admin_token_hash"`
}

// Config is the complete edubuddy configuration.
type Config struct {
	Server       ServerConfig                   `mapstructure:"server" yaml:"server"`
	Logging      LoggingConfig                  `mapstructure:"logging" yaml:"logging"`
	Store        store.Config                   `mapstructure:"store" yaml:"store"`
	LLM          LLMConfig                      `mapstructure:"llm" yaml:"llm"`
	Router       router.Config                  `mapstructure:"router" yaml:"router"`
	Specialists  map[string]registry.BaseConfig `mapstructure:"specialists" yaml:"specialists"`
	Safety       SafetyConfig                   `mapstructure:"safety" yaml:"safety"`
	Conversation conversation.Config            `mapstructure:"conversation" yaml:"conversation"`
	Audit        AuditConfig                    `mapstructure:"audit" yaml:"audit"`
	Metrics      MetricsConfig                  `mapstructure:"metrics" yaml:"metrics"`
	Events       EventsConfig                   `mapstructure:"events" yaml:"events"`
	Scheduler    SchedulerConfig                `mapstructure:"scheduler" yaml:"scheduler"`
	Auth         AuthConfig                     `mapstructure:"auth" yaml:"auth"`
}

// DataDir returns the edubuddy data directory (~/.edubuddy).
func DataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".edubuddy")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// Default returns a Config with default values.
func Default() *Config {
	dataDir := DataDir()

	specialists := make(map[string]registry.BaseConfig)
	for sp, bc := range registry.DefaultBaseConfigs() {
		specialists[sp.String()] = bc
	}

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    filepath.Join(dataDir, "logs", "edubuddy.log"),
			Console: true,
			Pretty:  true,
		},
		Store: store.Config{
			Driver: "sqlite",
			Path:   filepath.Join(dataDir, "edubuddy.db"),
		},
		LLM: LLMConfig{
			DefaultProvider: "ollama",
			Providers: map[string]llm.ProviderConfig{
				"ollama": {
					Endpoint: "http://127.0.0.1:11434",
					Model:    "qwen:0.5b",
					Timeout:  60 * time.Second,
				},
				"openai": {
					Endpoint: "https://api.openai.com/v1",
					Model:    "gpt-4o-mini",
					Timeout:  60 * time.Second,
				},
			},
		},
		Router:      router.DefaultConfig(),
		Specialists: specialists,
		Safety: SafetyConfig{
			Rules:       safety.DefaultRules(),
			SafeMessage: safety.DefaultSafeMessage,
			Semantic: SemanticConfig{
				Enabled:  false,
				Provider: "ollama",
				Model:    "qwen:0.5b",
				Timeout:  safety.DefaultSemanticTimeout,
			},
		},
		Conversation: conversation.DefaultConfig(),
		Audit: AuditConfig{
			QueueSize: audit.DefaultQueueSize,
			Redis: RedisAuditConfig{
				Enabled:     false,
				RedisConfig: withAddr(audit.DefaultRedisConfig(), "127.0.0.1:6379"),
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Events: EventsConfig{
			Enabled:        true,
			HistorySize:    bus.DefaultHistorySize,
			ObserverConfig: bus.DefaultObserverConfig(),
		},
		Scheduler: SchedulerConfig{
			MaxExperimentAge: 0,
			ExpirySpec:       "@every 1m",
			ReportSpec:       "@every 1h",
		},
	}
}

func withAddr(c audit.RedisConfig, addr string) audit.RedisConfig {
	c.Addr = addr
	return c
}

// Load reads configuration from ~/.edubuddy/config.yaml, creating it with
// defaults when missing, and applies environment overrides.
func Load() (*Config, error) {
	return LoadFromPath(DefaultPath())
}

// LoadFromPath reads configuration from path and merges environment
// variables. If the file doesn't exist, it is created with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

// newViper configures a viper instance for path with env overrides, e.g.
// EDUBUDDY_LLM_PROVIDERS_OPENAI_API_KEY.
func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Store.Path = expandPath(cfg.Store.Path)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills zero values an older config file may lack.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Safety.SafeMessage == "" {
		c.Safety.SafeMessage = def.Safety.SafeMessage
	}
	if c.Safety.MaxLength == 0 {
		c.Safety.MaxLength = def.Safety.MaxLength
	}
	if c.Safety.Semantic.Timeout == 0 {
		c.Safety.Semantic.Timeout = def.Safety.Semantic.Timeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = def.Metrics.Path
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	for name, bc := range c.Specialists {
		if bc.Timeout == 0 {
			bc.Timeout = registry.DefaultGenerationTimeout
			c.Specialists[name] = bc
		}
	}
}

// SaveToPath writes the configuration to path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// EnsureDirectories creates the directories for the log file and store.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}
	if c.Store.Driver != "memory" && c.Store.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Store.Path))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks the configuration for errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	switch c.Store.Driver {
	case "sqlite", "file":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver '%s'", c.Store.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store driver '%s', must be one of: sqlite, file, memory", c.Store.Driver)
	}

	if c.LLM.DefaultProvider == "" {
		return fmt.Errorf("llm.default_provider cannot be empty")
	}
	if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
		return fmt.Errorf("default provider '%s' not found in providers map", c.LLM.DefaultProvider)
	}

	if _, err := router.New(c.Router); err != nil {
		return fmt.Errorf("router: %w", err)
	}

	for name, bc := range c.Specialists {
		if !types.Specialist(name).IsValid() {
			return fmt.Errorf("specialists: unknown specialist '%s'", name)
		}
		if bc.Model == "" {
			return fmt.Errorf("specialists.%s.model cannot be empty", name)
		}
		if bc.Provider != "" {
			if _, ok := c.LLM.Providers[bc.Provider]; !ok {
				return fmt.Errorf("specialists.%s.provider '%s' not found in providers map", name, bc.Provider)
			}
		}
	}

	for _, p := range c.Safety.Patterns {
		if _, err := regexp.Compile(p.Expr); err != nil {
			return fmt.Errorf("safety pattern %s: %w", p.Category, err)
		}
	}
	if c.Safety.MaxLength < 0 {
		return fmt.Errorf("safety.max_length cannot be negative")
	}
	if c.Safety.Semantic.Enabled && c.Safety.Semantic.Model == "" {
		return fmt.Errorf("safety.semantic.model is required when the semantic check is enabled")
	}

	if c.Conversation.MaxTurns < 0 || c.Conversation.TrimTo < 0 {
		return fmt.Errorf("conversation limits cannot be negative")
	}
	if c.Conversation.MaxTurns > 0 && c.Conversation.TrimTo > c.Conversation.MaxTurns {
		return fmt.Errorf("conversation.trim_to (%d) cannot exceed max_turns (%d)", c.Conversation.TrimTo, c.Conversation.MaxTurns)
	}

	if c.Audit.Redis.Enabled && c.Audit.Redis.Addr == "" {
		return fmt.Errorf("audit.redis.addr is required when redis is enabled")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'")
	}

	if c.Scheduler.MaxExperimentAge < 0 {
		return fmt.Errorf("scheduler.max_experiment_age cannot be negative")
	}

	return nil
}

// LoggingConfig converts the logging section.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:   c.Logging.Level,
		File:    c.Logging.File,
		Console: c.Logging.Console,
		Pretty:  c.Logging.Pretty,
	}
}

// BaseConfigs converts the specialists section to registry base configs.
func (c *Config) BaseConfigs() map[types.Specialist]registry.BaseConfig {
	out := make(map[types.Specialist]registry.BaseConfig, len(c.Specialists))
	for name, bc := range c.Specialists {
		out[types.Specialist(name)] = bc
	}
	return out
}

func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
