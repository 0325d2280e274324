package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

const (
	StorageNone     = "none"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"

	DialectClassic = "classic"
	DialectGroq    = "groq"
)

type Config struct {
	Assistant AssistantConfig `json:"assistant"`
	Provider  ProviderConfig  `json:"provider"`
	Server    ServerConfig    `json:"server"`
	Session   SessionConfig   `json:"session"`
	Sentiment SentimentConfig `json:"sentiment"`
	Storage   StorageConfig   `json:"storage"`
	Channels  ChannelsConfig  `json:"channels"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Log       LogConfig       `json:"log"`
	mu        sync.RWMutex
}

type AssistantConfig struct {
	Name         string `json:"name" env:"DOTCHAT_ASSISTANT_NAME"`
	UserName     string `json:"user_name" env:"DOTCHAT_ASSISTANT_USER_NAME"`
	SystemPrompt string `json:"system_prompt,omitempty" env:"DOTCHAT_ASSISTANT_SYSTEM_PROMPT"`
	Personality  bool   `json:"personality" env:"DOTCHAT_ASSISTANT_PERSONALITY"`
}

type ProviderConfig struct {
	Name           string  `json:"name" env:"DOTCHAT_PROVIDER_NAME"`
	APIKey         string  `json:"api_key" env:"DOTCHAT_PROVIDER_API_KEY"`
	APIBase        string  `json:"api_base,omitempty" env:"DOTCHAT_PROVIDER_API_BASE"`
	Model          string  `json:"model" env:"DOTCHAT_PROVIDER_MODEL"`
	MaxTokens      int     `json:"max_tokens" env:"DOTCHAT_PROVIDER_MAX_TOKENS"`
	Temperature    float64 `json:"temperature" env:"DOTCHAT_PROVIDER_TEMPERATURE"`
	Proxy          string  `json:"proxy,omitempty" env:"DOTCHAT_PROVIDER_PROXY"`
	TimeoutSeconds int     `json:"timeout_seconds" env:"DOTCHAT_PROVIDER_TIMEOUT_SECONDS"`
}

type ServerConfig struct {
	Host            string              `json:"host" env:"DOTCHAT_SERVER_HOST"`
	Port            int                 `json:"port" env:"DOTCHAT_SERVER_PORT"`
	AllowedOrigins  FlexibleStringSlice `json:"allowed_origins" env:"DOTCHAT_SERVER_ALLOWED_ORIGINS"`
	Dialect         string              `json:"dialect" env:"DOTCHAT_SERVER_DIALECT"`
	BroadcastTyping bool                `json:"broadcast_typing" env:"DOTCHAT_SERVER_BROADCAST_TYPING"`
	SendBuffer      int                 `json:"send_buffer" env:"DOTCHAT_SERVER_SEND_BUFFER"`
}

type SessionConfig struct {
	ContextTurns int `json:"context_turns" env:"DOTCHAT_SESSION_CONTEXT_TURNS"`
	LaneBuffer   int `json:"lane_buffer" env:"DOTCHAT_SESSION_LANE_BUFFER"`
}

type SentimentConfig struct {
	Enabled bool `json:"enabled" env:"DOTCHAT_SENTIMENT_ENABLED"`
}

type StorageConfig struct {
	Backend     string `json:"backend" env:"DOTCHAT_STORAGE_BACKEND"`
	SQLitePath  string `json:"sqlite_path" env:"DOTCHAT_STORAGE_SQLITE_PATH"`
	DatabaseURL string `json:"database_url,omitempty" env:"DOTCHAT_STORAGE_DATABASE_URL"`
	QueueSize   int    `json:"queue_size" env:"DOTCHAT_STORAGE_QUEUE_SIZE"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"DOTCHAT_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"DOTCHAT_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"DOTCHAT_CHANNELS_DISCORD_ALLOW_FROM"`
}

type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled" env:"DOTCHAT_HEARTBEAT_ENABLED"`
	Schedule string `json:"schedule" env:"DOTCHAT_HEARTBEAT_SCHEDULE"` // cron expression
}

type LogConfig struct {
	Level  string `json:"level" env:"DOTCHAT_LOG_LEVEL"`
	Format string `json:"format" env:"DOTCHAT_LOG_FORMAT"`
}

// legacyEnv holds the variable names older deployments set in their .env files.
// They only fill fields that are still empty after the DOTCHAT_* overlay.
type legacyEnv struct {
	GroqAPIKey    string `env:"GroqAPIKey"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	AssistantName string `env:"Assistantname"`
	Username      string `env:"Username"`
	DatabaseURL   string `env:"DATABASE_URL"`
}

func DefaultConfig() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Name:        "AI ChatBot",
			UserName:    "",
			Personality: true,
		},
		Provider: ProviderConfig{
			Name:           "groq",
			Model:          "",
			MaxTokens:      500,
			Temperature:    0.7,
			TimeoutSeconds: 60,
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           5000,
			AllowedOrigins: FlexibleStringSlice{"*"},
			Dialect:        DialectClassic,
			SendBuffer:     32,
		},
		Session: SessionConfig{
			ContextTurns: 5,
			LaneBuffer:   16,
		},
		Sentiment: SentimentConfig{
			Enabled: true,
		},
		Storage: StorageConfig{
			Backend:    StorageNone,
			SQLitePath: "~/.dotchat/history.db",
			QueueSize:  256,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Schedule: "*/5 * * * *",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath is where the CLI looks for config.json when --config is not given.
func DefaultPath() string {
	return expandHome("~/.dotchat/config.json")
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyLegacyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyLegacyEnv() error {
	var legacy legacyEnv
	if err := env.Parse(&legacy); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Provider.APIKey == "" {
		switch strings.ToLower(strings.TrimSpace(c.Provider.Name)) {
		case "groq":
			c.Provider.APIKey = legacy.GroqAPIKey
		case "openai":
			c.Provider.APIKey = legacy.OpenAIAPIKey
		}
	}
	if legacy.AssistantName != "" && os.Getenv("DOTCHAT_ASSISTANT_NAME") == "" {
		c.Assistant.Name = legacy.AssistantName
	}
	if c.Assistant.UserName == "" {
		c.Assistant.UserName = legacy.Username
	}
	if c.Storage.DatabaseURL == "" {
		c.Storage.DatabaseURL = legacy.DatabaseURL
	}
	return nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate reports the first out-of-range setting.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch c.Server.Dialect {
	case DialectClassic, DialectGroq:
	default:
		return fmt.Errorf("server.dialect must be %q or %q, got %q", DialectClassic, DialectGroq, c.Server.Dialect)
	}
	if c.Session.ContextTurns < 0 {
		return fmt.Errorf("session.context_turns must not be negative")
	}
	if c.Provider.MaxTokens <= 0 {
		return fmt.Errorf("provider.max_tokens must be positive")
	}
	if c.Provider.Temperature < 0 || c.Provider.Temperature > 2 {
		return fmt.Errorf("provider.temperature must be within [0, 2], got %v", c.Provider.Temperature)
	}
	switch c.Storage.Backend {
	case StorageNone, StorageSQLite:
	case StoragePostgres:
		if strings.TrimSpace(c.Storage.DatabaseURL) == "" {
			return fmt.Errorf("storage.database_url is required for the postgres backend (or set DATABASE_URL)")
		}
	default:
		return fmt.Errorf("storage.backend must be one of none, sqlite, postgres; got %q", c.Storage.Backend)
	}
	if c.Channels.Discord.Enabled && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		return fmt.Errorf("channels.discord.token is required when discord is enabled")
	}
	return nil
}

func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Provider.APIKey
}

func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) SQLitePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.SQLitePath)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
