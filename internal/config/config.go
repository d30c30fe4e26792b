package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        App        `mapstructure:"app"`
	AI         AI         `mapstructure:"ai"`
	Generation Generation `mapstructure:"generation"`
	Dedup      Dedup      `mapstructure:"dedup"`
	Worker     Worker     `mapstructure:"worker"`
	Database   Database   `mapstructure:"database"`
	PostHog    PostHog    `mapstructure:"posthog"`
	WordPress  WordPress  `mapstructure:"wordpress"`
	Server     Server     `mapstructure:"server"`
	Logging    Logging    `mapstructure:"logging"`
}

// App holds general application configuration
type App struct {
	Debug      bool   `mapstructure:"debug"`
	ConfigFile string `mapstructure:"config_file"`
}

// AI holds LLM provider configuration
type AI struct {
	Provider string       `mapstructure:"provider"` // gemini or openai
	Gemini   GeminiConfig `mapstructure:"gemini"`
	OpenAI   OpenAIConfig `mapstructure:"openai"`
}

// GeminiConfig holds Google Gemini configuration
type GeminiConfig struct {
	APIKey         string `mapstructure:"api_key"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	RequestsPerMin int    `mapstructure:"requests_per_minute"`
}

// OpenAIConfig holds OpenAI configuration
type OpenAIConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	RequestsPerMin int    `mapstructure:"requests_per_minute"`
}

// Generation holds the generation pipeline settings
type Generation struct {
	Model            string  `mapstructure:"model"`
	BackupModel      string  `mapstructure:"backup_model"`
	DraftTemperature float64 `mapstructure:"draft_temperature"`
	DraftMaxTokens   int     `mapstructure:"draft_max_tokens"`
	CriticMaxTokens  int     `mapstructure:"critic_max_tokens"`
	CallTimeout      string  `mapstructure:"call_timeout"`
	RetryBaseDelay   string  `mapstructure:"retry_base_delay"`
	RetryJitter      string  `mapstructure:"retry_jitter"`
	MinScore         int     `mapstructure:"min_score"`
	UseCritique      bool    `mapstructure:"use_critique"`
	RAGResults       int     `mapstructure:"rag_results"`
}

// Dedup holds duplicate detection thresholds
type Dedup struct {
	Lookback          int     `mapstructure:"lookback"`
	SemanticThreshold float64 `mapstructure:"semantic_threshold"`
	SimHashThreshold  int     `mapstructure:"simhash_threshold"`
	SimHashWindow     string  `mapstructure:"simhash_window"`
}

// Worker holds job worker configuration
type Worker struct {
	ID            string `mapstructure:"id"`
	Concurrency   int    `mapstructure:"concurrency"`
	PollInterval  string `mapstructure:"poll_interval"`
	LockTTL       string `mapstructure:"lock_ttl"`
	SweepInterval string `mapstructure:"sweep_interval"`
}

// Database holds persistence configuration
type Database struct {
	Driver string `mapstructure:"driver"` // sqlite3 or postgres
	DSN    string `mapstructure:"dsn"`
}

// PostHog holds product analytics configuration
type PostHog struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	Host    string `mapstructure:"host"`
}

// WordPress holds the publishing bridge configuration
type WordPress struct {
	SiteURL string `mapstructure:"site_url"`
	APIKey  string `mapstructure:"api_key"`
	Timeout string `mapstructure:"timeout"`
}

// Server holds the ops HTTP server configuration
type Server struct {
	Addr           string `mapstructure:"addr"`
	AdminKey       string `mapstructure:"admin_key"` // required for mutating endpoints
	RateLimit      int    `mapstructure:"rate_limit"`
	RateLimitEvery string `mapstructure:"rate_limit_window"`
}

// Logging holds logging configuration
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var globalConfig *Config

// Load loads the configuration from various sources
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
		}
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".genpost")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	bindEnvironmentVariables()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.App.ConfigFile = viper.ConfigFileUsed()

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	globalConfig = config
	return config, nil
}

// Get returns the global configuration, loading it if necessary
func Get() *Config {
	if globalConfig == nil {
		config, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("Failed to load configuration: %v", err))
		}
		return config
	}
	return globalConfig
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("app.debug", false)

	viper.SetDefault("ai.provider", "openai")
	viper.SetDefault("ai.gemini.embedding_model", "gemini-embedding-001")
	viper.SetDefault("ai.gemini.requests_per_minute", 1000)
	viper.SetDefault("ai.openai.base_url", "")
	viper.SetDefault("ai.openai.embedding_model", "text-embedding-3-small")
	viper.SetDefault("ai.openai.requests_per_minute", 500)

	viper.SetDefault("generation.model", "gpt-4o-mini")
	viper.SetDefault("generation.backup_model", "gpt-3.5-turbo")
	viper.SetDefault("generation.draft_temperature", 0.6)
	viper.SetDefault("generation.draft_max_tokens", 3000)
	viper.SetDefault("generation.critic_max_tokens", 1000)
	viper.SetDefault("generation.call_timeout", "60s")
	viper.SetDefault("generation.retry_base_delay", "500ms")
	viper.SetDefault("generation.retry_jitter", "100ms")
	viper.SetDefault("generation.min_score", 70)
	viper.SetDefault("generation.use_critique", true)
	viper.SetDefault("generation.rag_results", 3)

	viper.SetDefault("dedup.lookback", 200)
	viper.SetDefault("dedup.semantic_threshold", 0.87)
	viper.SetDefault("dedup.simhash_threshold", 6)
	viper.SetDefault("dedup.simhash_window", "720h")

	viper.SetDefault("worker.concurrency", 3)
	viper.SetDefault("worker.poll_interval", "30s")
	viper.SetDefault("worker.lock_ttl", "10m")
	viper.SetDefault("worker.sweep_interval", "1m")

	viper.SetDefault("database.driver", "sqlite3")
	viper.SetDefault("database.dsn", "genpost.db")

	viper.SetDefault("posthog.enabled", false)
	viper.SetDefault("posthog.host", "https://us.i.posthog.com")

	viper.SetDefault("wordpress.timeout", "30s")

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.rate_limit", 60)
	viper.SetDefault("server.rate_limit_window", "1m")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// bindEnvironmentVariables sets up flexible environment variable binding
func bindEnvironmentVariables() {
	bindEnvKeys("ai.gemini.api_key", []string{
		"GEMINI_API_KEY",
		"GOOGLE_GEMINI_API_KEY",
		"GOOGLE_AI_API_KEY",
	})

	bindEnvKeys("ai.openai.api_key", []string{
		"OPENAI_API_KEY",
	})

	bindEnvKeys("database.dsn", []string{
		"DATABASE_URL",
		"GENPOST_DATABASE_DSN",
	})

	bindEnvKeys("posthog.api_key", []string{
		"POSTHOG_API_KEY",
	})

	bindEnvKeys("wordpress.site_url", []string{
		"WORDPRESS_SITE_URL",
		"WP_SITE_URL",
	})

	bindEnvKeys("wordpress.api_key", []string{
		"WORDPRESS_API_KEY",
		"WP_API_KEY",
	})

	bindEnvKeys("server.admin_key", []string{
		"GENPOST_ADMIN_KEY",
		"ADMIN_API_KEY",
	})

	bindEnvKeys("worker.id", []string{
		"GENPOST_WORKER_ID",
		"HOSTNAME",
	})

	bindEnvKeys("app.debug", []string{
		"DEBUG",
		"GENPOST_DEBUG",
	})
}

// bindEnvKeys binds the first found environment variable to a viper key
func bindEnvKeys(viperKey string, envKeys []string) {
	for _, envKey := range envKeys {
		if value := os.Getenv(envKey); value != "" {
			viper.Set(viperKey, value)
			return
		}
	}
}

// validateConfig ensures configuration values are usable
func validateConfig(config *Config) error {
	var errors []string

	durations := map[string]string{
		"generation.call_timeout":     config.Generation.CallTimeout,
		"generation.retry_base_delay": config.Generation.RetryBaseDelay,
		"generation.retry_jitter":     config.Generation.RetryJitter,
		"dedup.simhash_window":        config.Dedup.SimHashWindow,
		"worker.poll_interval":        config.Worker.PollInterval,
		"worker.lock_ttl":             config.Worker.LockTTL,
		"worker.sweep_interval":       config.Worker.SweepInterval,
		"wordpress.timeout":           config.WordPress.Timeout,
		"server.rate_limit_window":    config.Server.RateLimitEvery,
	}
	for key, duration := range durations {
		if duration != "" {
			if _, err := time.ParseDuration(duration); err != nil {
				errors = append(errors, fmt.Sprintf("invalid duration for %s: %s", key, duration))
			}
		}
	}

	switch config.AI.Provider {
	case "gemini", "openai":
	default:
		errors = append(errors, fmt.Sprintf("Unknown AI provider: %s. Supported: gemini, openai", config.AI.Provider))
	}

	switch config.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errors = append(errors, fmt.Sprintf("Unknown database driver: %s. Supported: sqlite3, postgres", config.Database.Driver))
	}

	if config.Dedup.SemanticThreshold <= 0 || config.Dedup.SemanticThreshold > 1 {
		errors = append(errors, "dedup.semantic_threshold must be in (0, 1]")
	}
	if config.Dedup.SimHashThreshold < 0 || config.Dedup.SimHashThreshold > 64 {
		errors = append(errors, "dedup.simhash_threshold must be in [0, 64]")
	}
	if config.Worker.Concurrency < 1 {
		errors = append(errors, "worker.concurrency must be at least 1")
	}
	if config.PostHog.Enabled && config.PostHog.APIKey == "" {
		errors = append(errors, "PostHog enabled but missing API key. Set POSTHOG_API_KEY")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// Duration parses a validated duration string, falling back when empty.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// APIKey returns the API key of the configured provider.
func (c *Config) APIKey() string {
	if c.AI.Provider == "gemini" {
		return c.AI.Gemini.APIKey
	}
	return c.AI.OpenAI.APIKey
}

// Convenience getters for commonly used configuration values
func GetAI() AI                 { return Get().AI }
func GetGeneration() Generation { return Get().Generation }
func GetDedup() Dedup           { return Get().Dedup }
func GetWorker() Worker         { return Get().Worker }
func GetDatabase() Database     { return Get().Database }
func GetPostHog() PostHog       { return Get().PostHog }
func GetWordPress() WordPress   { return Get().WordPress }
func GetServer() Server         { return Get().Server }
func GetLogging() Logging       { return Get().Logging }
func IsDebugMode() bool         { return Get().App.Debug }

// Reset clears the global configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viper.Reset()
}
