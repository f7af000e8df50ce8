package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Store struct {
		// Driver is "postgres" or "memory".
		Driver string `mapstructure:"driver"`
	} `mapstructure:"store"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Scheduler struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"scheduler"`
	Runner struct {
		MaxSteps       int           `mapstructure:"max_steps"`
		MaxDelay       time.Duration `mapstructure:"max_delay"`
		MaxHTTPTimeout time.Duration `mapstructure:"max_http_timeout"`
		// HTTPRateLimit caps outbound http_request steps per second; 0 disables.
		HTTPRateLimit float64 `mapstructure:"http_rate_limit"`
		// HTTPBaseURL resolves relative http_request urls.
		HTTPBaseURL string `mapstructure:"http_base_url"`
	} `mapstructure:"runner"`
	Recovery struct {
		MaxAttempts         int     `mapstructure:"max_attempts"`
		InitialDelaySeconds float64 `mapstructure:"initial_delay_seconds"`
		MaxDelaySeconds     float64 `mapstructure:"max_delay_seconds"`
		BackoffMultiplier   float64 `mapstructure:"backoff_multiplier"`
		BatchSize           int     `mapstructure:"batch_size"`
		// ClaimTimeout is how long a retry may hold an event before another takes it over.
		ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
	} `mapstructure:"recovery"`
	Escalation struct {
		Telegram struct {
			Token  string `mapstructure:"token"`
			ChatID int64  `mapstructure:"chat_id"`
		} `mapstructure:"telegram"`
		Discord struct {
			Token     string `mapstructure:"token"`
			ChannelID string `mapstructure:"channel_id"`
		} `mapstructure:"discord"`
	} `mapstructure:"escalation"`
	MCP struct {
		Enabled       bool   `mapstructure:"enabled"`
		DefaultTenant string `mapstructure:"default_tenant"`
	} `mapstructure:"mcp"`

	// ConfigFile is the file viper read, empty when running on defaults and env only.
	ConfigFile string `mapstructure:"-"`
}

// LoadConfig loads the configuration from a file and the environment. When
// envFile is set its variables are loaded into the process environment first.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// a missing file is fine, defaults and env still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	config.ConfigFile = v.ConfigFileUsed()
	config.Store.Driver = strings.ToLower(strings.TrimSpace(config.Store.Driver))

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "orchestrator")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 60*time.Second)
	v.SetDefault("runner.max_steps", 50)
	v.SetDefault("runner.max_delay", 300*time.Second)
	v.SetDefault("runner.max_http_timeout", 30*time.Second)
	v.SetDefault("runner.http_rate_limit", 0)
	v.SetDefault("runner.http_base_url", "")
	v.SetDefault("recovery.max_attempts", 3)
	v.SetDefault("recovery.initial_delay_seconds", 1.0)
	v.SetDefault("recovery.max_delay_seconds", 60.0)
	v.SetDefault("recovery.backoff_multiplier", 2.0)
	v.SetDefault("recovery.batch_size", 10)
	v.SetDefault("recovery.claim_timeout", 10*time.Minute)
	v.SetDefault("escalation.telegram.token", "")
	v.SetDefault("escalation.telegram.chat_id", 0)
	v.SetDefault("escalation.discord.token", "")
	v.SetDefault("escalation.discord.channel_id", "")
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.default_tenant", "default")
}

// DatabaseURL renders the DB section as a postgres URL.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}
