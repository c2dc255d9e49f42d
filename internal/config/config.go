package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the agent.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Generation  GenerationConfig          `json:"generation" yaml:"generation"`
	Moderation  ModerationConfig          `json:"moderation" yaml:"moderation"`
	Platforms   map[string]PlatformConfig `json:"platforms" yaml:"platforms"`
	Plugins     map[string]PluginConfig   `json:"plugins" yaml:"plugins"`
	Character   *Character                `json:"-" yaml:"-"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" yaml:"server_address"`
	Database      string `json:"database" yaml:"database"`
	CharacterFile string `json:"character_file" yaml:"character_file"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	LogSink       string `json:"log_sink" yaml:"log_sink"`
	AdminToken    string `json:"admin_token" yaml:"admin_token"`
	MediaDir      string `json:"media_dir" yaml:"media_dir"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	// ThreadCacheTTL is in seconds.
	ThreadCacheTTL int `json:"thread_cache_ttl" yaml:"thread_cache_ttl"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
	// APIKeyEnv names an environment variable holding the key when APIKey is empty.
	APIKeyEnv   string  `json:"api_key_env" yaml:"api_key_env"`
	Temperature float32 `json:"temperature" yaml:"temperature"`
}

type GenerationConfig struct {
	// Order lists provider names tried in turn; the first success wins.
	Order             []string `json:"order" yaml:"order"`
	FilterProvider    string   `json:"filter_provider" yaml:"filter_provider"`
	RequestsPerMinute int      `json:"requests_per_minute" yaml:"requests_per_minute"`
}

type ModerationConfig struct {
	// Kind is one of "llm", "keywords" or "none".
	Kind         string   `json:"kind" yaml:"kind"`
	Provider     string   `json:"provider" yaml:"provider"`
	BlockedTerms []string `json:"blocked_terms" yaml:"blocked_terms"`
}

type PlatformConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	// Token is a bearer token (twitter) or bot token (telegram).
	Token    string `json:"token" yaml:"token"`
	TokenEnv string `json:"token_env" yaml:"token_env"`
	ChatID   int64  `json:"chat_id" yaml:"chat_id"`
	// PollBatchSize and PollCooldown (seconds) override the reply poller defaults.
	PollBatchSize int `json:"poll_batch_size" yaml:"poll_batch_size"`
	PollCooldown  int `json:"poll_cooldown" yaml:"poll_cooldown"`
}

type PluginConfig struct {
	TimeOfDay string `json:"time_of_day" yaml:"time_of_day"`
	// Schedule is an optional cron expression deciding the next allowed use.
	Schedule string   `json:"schedule" yaml:"schedule"`
	Queries  []string `json:"queries" yaml:"queries"`
	Path     string   `json:"path" yaml:"path"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	if err := decode(absPath, data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.BasicConfig.Database == "" {
		cfg.BasicConfig.Database = "sqlite3"
	}
	dbCfg, ok := cfg.Databases[cfg.BasicConfig.Database]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", cfg.BasicConfig.Database)
	}
	baseDir := filepath.Dir(absPath)
	if isSQLite(cfg.BasicConfig.Database) && dbCfg.DSN != "" && !strings.HasPrefix(dbCfg.DSN, ":memory:") &&
		!strings.HasPrefix(dbCfg.DSN, "file:") && !filepath.IsAbs(dbCfg.DSN) {
		dbCfg.DSN = filepath.Join(baseDir, dbCfg.DSN)
		cfg.Databases[cfg.BasicConfig.Database] = dbCfg
	}

	if cfg.BasicConfig.CharacterFile == "" {
		return nil, fmt.Errorf("character_file must be configured")
	}
	if !filepath.IsAbs(cfg.BasicConfig.CharacterFile) {
		cfg.BasicConfig.CharacterFile = filepath.Join(baseDir, cfg.BasicConfig.CharacterFile)
	}
	character, err := LoadCharacter(cfg.BasicConfig.CharacterFile)
	if err != nil {
		return nil, err
	}
	cfg.Character = character

	for name, p := range cfg.Plugins {
		if p.Path != "" && !filepath.IsAbs(p.Path) {
			p.Path = filepath.Join(baseDir, p.Path)
			cfg.Plugins[name] = p
		}
	}
	cfg.applyEnv()
	return &cfg, nil
}

// applyEnv fills secrets that are kept out of the config file.
func (c *Config) applyEnv() {
	if c.BasicConfig.AdminToken == "" {
		c.BasicConfig.AdminToken = os.Getenv("PERSONAGO_ADMIN_TOKEN")
	}
	for name, p := range c.Providers {
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
			c.Providers[name] = p
		}
	}
	for name, p := range c.Platforms {
		if p.Token == "" && p.TokenEnv != "" {
			p.Token = os.Getenv(p.TokenEnv)
			c.Platforms[name] = p
		}
	}
}

func decode(path string, data []byte, out any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, out)
	default:
		return json.Unmarshal(data, out)
	}
}

func isSQLite(driver string) bool {
	d := strings.ToLower(driver)
	return d == "sqlite" || d == "sqlite3"
}
