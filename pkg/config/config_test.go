package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// TestDefaultConfig_ProviderSettings verifies the generation defaults
func TestDefaultConfig_ProviderSettings(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Provider.Name != "groq" {
		t.Errorf("Provider.Name = %q, want %q", cfg.Provider.Name, "groq")
	}
	if cfg.Provider.MaxTokens != 500 {
		t.Errorf("MaxTokens = %d, want 500", cfg.Provider.MaxTokens)
	}
	if cfg.Provider.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", cfg.Provider.Temperature)
	}
}

// TestDefaultConfig_ContextTurns verifies the default history window
func TestDefaultConfig_ContextTurns(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Session.ContextTurns != 5 {
		t.Errorf("ContextTurns = %d, want 5", cfg.Session.ContextTurns)
	}
}

// TestDefaultConfig_Server verifies server defaults
func TestDefaultConfig_Server(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Server.Dialect != DialectClassic {
		t.Errorf("Server.Dialect = %q, want %q", cfg.Server.Dialect, DialectClassic)
	}
	if cfg.Server.BroadcastTyping {
		t.Error("typing indicator should be delivered to the sender only by default")
	}
	if cfg.ListenAddr() != "127.0.0.1:5000" {
		t.Errorf("ListenAddr() = %q", cfg.ListenAddr())
	}
}

func TestDefaultConfig_Validates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"dialect", func(c *Config) { c.Server.Dialect = "xmpp" }},
		{"context turns", func(c *Config) { c.Session.ContextTurns = -1 }},
		{"max tokens", func(c *Config) { c.Provider.MaxTokens = 0 }},
		{"temperature", func(c *Config) { c.Provider.Temperature = 3 }},
		{"backend", func(c *Config) { c.Storage.Backend = "mysql" }},
		{"postgres without url", func(c *Config) {
			c.Storage.Backend = StoragePostgres
			c.Storage.DatabaseURL = ""
		}},
		{"discord without token", func(c *Config) { c.Channels.Discord.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadConfig_MissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("DOTCHAT_SERVER_PORT", "6100")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 6100 {
		t.Errorf("Server.Port = %d, want env override 6100", cfg.Server.Port)
	}
	if cfg.Assistant.Name != "AI ChatBot" {
		t.Errorf("Assistant.Name = %q, want default", cfg.Assistant.Name)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"assistant":{"name":"Jarvis"},"provider":{"name":"openai","model":"gpt-3.5-turbo"},"server":{"allowed_origins":["http://localhost:5000", 8080]}}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DOTCHAT_PROVIDER_MODEL", "gpt-4o-mini")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Assistant.Name != "Jarvis" {
		t.Errorf("Assistant.Name = %q, want Jarvis", cfg.Assistant.Name)
	}
	if cfg.Provider.Model != "gpt-4o-mini" {
		t.Errorf("Provider.Model = %q, want env override", cfg.Provider.Model)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "8080" {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Provider.MaxTokens != 500 {
		t.Errorf("MaxTokens = %d, want default 500", cfg.Provider.MaxTokens)
	}
}

func TestLoadConfig_LegacyEnvNames(t *testing.T) {
	t.Setenv("GroqAPIKey", "gsk-legacy")
	t.Setenv("Assistantname", "Nova")
	t.Setenv("Username", "Ada")
	t.Setenv("DATABASE_URL", "postgres://localhost/chat")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.GetAPIKey() != "gsk-legacy" {
		t.Errorf("APIKey = %q, want legacy GroqAPIKey", cfg.GetAPIKey())
	}
	if cfg.Assistant.Name != "Nova" {
		t.Errorf("Assistant.Name = %q, want Nova", cfg.Assistant.Name)
	}
	if cfg.Assistant.UserName != "Ada" {
		t.Errorf("Assistant.UserName = %q, want Ada", cfg.Assistant.UserName)
	}
	if cfg.Storage.DatabaseURL != "postgres://localhost/chat" {
		t.Errorf("DatabaseURL = %q", cfg.Storage.DatabaseURL)
	}
}

func TestLoadConfig_DotchatKeyWinsOverLegacy(t *testing.T) {
	t.Setenv("GroqAPIKey", "gsk-legacy")
	t.Setenv("DOTCHAT_PROVIDER_API_KEY", "gsk-new")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.GetAPIKey() != "gsk-new" {
		t.Errorf("APIKey = %q, want gsk-new", cfg.GetAPIKey())
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	if err := SaveConfig(path, DefaultConfig()); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestSQLitePath_ExpandsHome(t *testing.T) {
	cfg := DefaultConfig()
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	want := filepath.Join(home, ".dotchat", "history.db")
	if got := cfg.SQLitePath(); got != want {
		t.Errorf("SQLitePath() = %q, want %q", got, want)
	}
}
