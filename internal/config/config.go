package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	Database         DatabaseConfig
	Redis            RedisConfig
	JWT              JWTConfig
	Vault            VaultConfig
	Poll             PollConfig
	Commands         CommandsConfig
	Agent            AgentConfig
	Log              LogConfig
	Migrate          bool
	HTTPAddr         string
	WSEnabled        bool
	DashboardVersion string
}

// DatabaseConfig selects the gorm dialector
type DatabaseConfig struct {
	Driver     string // mysql | sqlite
	DSN        string
	SQLitePath string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled       bool
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// VaultConfig holds secret store configuration.
// When Enabled is false an in-process store is used.
type VaultConfig struct {
	Enabled     bool
	Addr        string
	Token       string
	Mount       string
	AgentPrefix string
}

// PollConfig bounds the agent long-poll
type PollConfig struct {
	DefaultTimeoutSec  int
	MaxTimeoutSec      int
	DefaultIntervalSec int
	MinIntervalSec     int
	MaxIntervalSec     int
	MaxItems           int
	ListWaitMaxMs      int
	ListWaitIntervalMs int
}

// CommandsConfig holds command queue defaults
type CommandsConfig struct {
	DefaultTimeoutSec int
	// 0 disables the background expiry sweep
	ReapIntervalSec int
}

// AgentConfig holds agent credential settings
type AgentConfig struct {
	TokenGraceSec      int
	OutboundTimeoutSec int
}

// LogConfig holds logrus settings
type LogConfig struct {
	Level  string
	Format string
}

// TokenGrace returns the rotation grace window as a duration.
func (c AgentConfig) TokenGrace() time.Duration {
	return time.Duration(c.TokenGraceSec) * time.Second
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "mysql"),
			DSN:        getEnv("MYSQL_DSN", ""),
			SQLitePath: getEnv("SQLITE_PATH", "agent_dispatch.db"),
		},
		Redis: RedisConfig{
			Enabled:       getEnvBool("REDIS_ENABLED", false),
			Addr:          getEnv("REDIS_ADDR", "localhost:6379"),
			Password:      getEnv("REDIS_PASS", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			ChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "agent_dispatch"),
		},
		JWT: JWTConfig{
			Secret:        os.Getenv("JWT_SECRET"),
			ExpireMinutes: getEnvInt("JWT_EXPIRE_MINUTES", 1440),
			Issuer:        getEnv("JWT_ISSUER", "agent_dispatch"),
		},
		Vault: VaultConfig{
			Enabled:     getEnvBool("VAULT_ENABLED", false),
			Addr:        getEnv("VAULT_ADDR", ""),
			Token:       getEnv("VAULT_TOKEN", ""),
			Mount:       getEnv("VAULT_MOUNT", "secret"),
			AgentPrefix: getEnv("VAULT_AGENT_PREFIX", "agent"),
		},
		Poll: PollConfig{
			DefaultTimeoutSec:  getEnvInt("POLL_TIMEOUT_SEC", 30),
			MaxTimeoutSec:      getEnvInt("POLL_TIMEOUT_MAX_SEC", 120),
			DefaultIntervalSec: getEnvInt("POLL_INTERVAL_SEC", 3),
			MinIntervalSec:     getEnvInt("POLL_INTERVAL_MIN_SEC", 1),
			MaxIntervalSec:     getEnvInt("POLL_INTERVAL_MAX_SEC", 10),
			MaxItems:           getEnvInt("POLL_MAX_ITEMS", 10),
			ListWaitMaxMs:      getEnvInt("LIST_WAIT_MAX_MS", 30000),
			ListWaitIntervalMs: getEnvInt("LIST_WAIT_INTERVAL_MS", 500),
		},
		Commands: CommandsConfig{
			DefaultTimeoutSec: getEnvInt("COMMAND_DEFAULT_TIMEOUT_SEC", 300),
			ReapIntervalSec:   getEnvInt("COMMAND_REAP_INTERVAL_SEC", 30),
		},
		Agent: AgentConfig{
			TokenGraceSec:      getEnvInt("AGENT_TOKEN_GRACE_SEC", 300),
			OutboundTimeoutSec: getEnvInt("AGENT_OUTBOUND_TIMEOUT_SEC", 30),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Migrate:          getEnvBool("MIGRATE", false),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		WSEnabled:        getEnvBool("WS_ENABLED", true),
		DashboardVersion: getEnv("DASHBOARD_VERSION", "2.0.0"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and normalizes poll bounds
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql":
		if c.Database.DSN == "" {
			return fmt.Errorf("MYSQL_DSN is required")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Vault.Enabled && c.Vault.Addr == "" {
		return fmt.Errorf("VAULT_ADDR is required when VAULT_ENABLED=1")
	}

	p := &c.Poll
	if p.MinIntervalSec < 1 {
		p.MinIntervalSec = 1
	}
	if p.MaxIntervalSec < p.MinIntervalSec {
		p.MaxIntervalSec = p.MinIntervalSec
	}
	if p.MaxTimeoutSec < 1 {
		p.MaxTimeoutSec = 1
	}
	if p.MaxItems < 1 {
		p.MaxItems = 1
	}
	if c.Commands.DefaultTimeoutSec < 1 {
		return fmt.Errorf("COMMAND_DEFAULT_TIMEOUT_SEC must be positive")
	}
	if c.Commands.ReapIntervalSec < 0 {
		c.Commands.ReapIntervalSec = 0
	}
	if c.Agent.TokenGraceSec < 0 {
		c.Agent.TokenGraceSec = 0
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "1" || value == "true"
	}
	return defaultValue
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	// Priority: ENV > INI > default
	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Int(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Driver:     getValue("DB_DRIVER", "database", "driver", "mysql"),
			DSN:        getValue("MYSQL_DSN", "mysql", "dsn", ""),
			SQLitePath: getValue("SQLITE_PATH", "sqlite", "path", "agent_dispatch.db"),
		},
		Redis: RedisConfig{
			Enabled:       getValueBool("REDIS_ENABLED", "redis", "enabled", false),
			Addr:          getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password:      getValue("REDIS_PASS", "redis", "pass", ""),
			DB:            getValueInt("REDIS_DB", "redis", "db", 0),
			ChannelPrefix: getValue("REDIS_CHANNEL_PREFIX", "redis", "channel_prefix", "agent_dispatch"),
		},
		JWT: JWTConfig{
			Secret:        getValue("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: getValueInt("JWT_EXPIRE_MINUTES", "jwt", "expire_minutes", 1440),
			Issuer:        getValue("JWT_ISSUER", "jwt", "issuer", "agent_dispatch"),
		},
		Vault: VaultConfig{
			Enabled:     getValueBool("VAULT_ENABLED", "vault", "enabled", false),
			Addr:        getValue("VAULT_ADDR", "vault", "addr", ""),
			Token:       getValue("VAULT_TOKEN", "vault", "token", ""),
			Mount:       getValue("VAULT_MOUNT", "vault", "mount", "secret"),
			AgentPrefix: getValue("VAULT_AGENT_PREFIX", "vault", "agent_path_prefix", "agent"),
		},
		Poll: PollConfig{
			DefaultTimeoutSec:  getValueInt("POLL_TIMEOUT_SEC", "poll", "timeout_sec", 30),
			MaxTimeoutSec:      getValueInt("POLL_TIMEOUT_MAX_SEC", "poll", "timeout_max_sec", 120),
			DefaultIntervalSec: getValueInt("POLL_INTERVAL_SEC", "poll", "interval_sec", 3),
			MinIntervalSec:     getValueInt("POLL_INTERVAL_MIN_SEC", "poll", "interval_min_sec", 1),
			MaxIntervalSec:     getValueInt("POLL_INTERVAL_MAX_SEC", "poll", "interval_max_sec", 10),
			MaxItems:           getValueInt("POLL_MAX_ITEMS", "poll", "max_items", 10),
			ListWaitMaxMs:      getValueInt("LIST_WAIT_MAX_MS", "poll", "list_wait_max_ms", 30000),
			ListWaitIntervalMs: getValueInt("LIST_WAIT_INTERVAL_MS", "poll", "list_wait_interval_ms", 500),
		},
		Commands: CommandsConfig{
			DefaultTimeoutSec: getValueInt("COMMAND_DEFAULT_TIMEOUT_SEC", "commands", "default_timeout_sec", 300),
			ReapIntervalSec:   getValueInt("COMMAND_REAP_INTERVAL_SEC", "commands", "reap_interval_sec", 30),
		},
		Agent: AgentConfig{
			TokenGraceSec:      getValueInt("AGENT_TOKEN_GRACE_SEC", "agent", "token_grace_sec", 300),
			OutboundTimeoutSec: getValueInt("AGENT_OUTBOUND_TIMEOUT_SEC", "agent", "outbound_timeout_sec", 30),
		},
		Log: LogConfig{
			Level:  getValue("LOG_LEVEL", "log", "level", "info"),
			Format: getValue("LOG_FORMAT", "log", "format", "text"),
		},
		Migrate:          getValueBool("MIGRATE", "app", "migrate", false),
		HTTPAddr:         getValue("HTTP_ADDR", "http", "addr", ":8080"),
		WSEnabled:        getValueBool("WS_ENABLED", "ws", "enabled", true),
		DashboardVersion: getValue("DASHBOARD_VERSION", "app", "dashboard_version", "2.0.0"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
