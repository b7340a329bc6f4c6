// Package config loads the keyed YAML document that describes the bridge:
// platform credentials, topology groups, storage, media hosting, and the
// optional spam check. Credentials may be overridden from the environment.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type IRCConfig struct {
	Host           string `yaml:"host" env:"CHATBRIDGE_IRC_HOST"`
	Port           int    `yaml:"port" env:"CHATBRIDGE_IRC_PORT"`
	SSL            bool   `yaml:"ssl"`
	Nick           string `yaml:"nick"`
	RealName       string `yaml:"real_name"`
	Username       string `yaml:"username" env:"CHATBRIDGE_IRC_USERNAME"`
	Password       string `yaml:"password" env:"CHATBRIDGE_IRC_PASSWORD"`
	MaxLines       int    `yaml:"max_lines"`
	UploadLongMsg  bool   `yaml:"upload_long_msg"`
	PlatformPrefix string `yaml:"platform_prefix"`
	ActiveWindowS  int    `yaml:"active_window_s"`
}

type TelegramConfig struct {
	Session        string `yaml:"session"`
	APIID          int    `yaml:"api_id" env:"CHATBRIDGE_TELEGRAM_API_ID"`
	APIHash        string `yaml:"api_hash" env:"CHATBRIDGE_TELEGRAM_API_HASH"`
	BotToken       string `yaml:"bot_token" env:"CHATBRIDGE_TELEGRAM_BOT_TOKEN"`
	NickStyle      string `yaml:"nick_style"`
	PlatformPrefix string `yaml:"platform_prefix"`
}

type DiscordConfig struct {
	Token          string `yaml:"token" env:"CHATBRIDGE_DISCORD_TOKEN"`
	NickStyle      string `yaml:"nick_style"`
	PlatformPrefix string `yaml:"platform_prefix"`
}

type MongoConfig struct {
	URI            string `yaml:"uri" env:"CHATBRIDGE_MONGO_URI"`
	DatabaseName   string `yaml:"database_name"`
	CollectionName string `yaml:"collection_name"`
}

type LoggingConfig struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

type FilesConfig struct {
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
	Upload string `yaml:"upload"`
}

type SpamCheckConfig struct {
	APIKey  string `yaml:"api_key" env:"CHATBRIDGE_SPAMCHECK_API_KEY"`
	BaseURL string `yaml:"base_url"`
	DelayMS int    `yaml:"delay_ms"`
}

// Config is the parsed bridge document.
type Config struct {
	IRC       IRCConfig        `yaml:"IRC"`
	Telegram  TelegramConfig   `yaml:"Telegram"`
	Discord   DiscordConfig    `yaml:"Discord"`
	Mongo     MongoConfig      `yaml:"Mongo"`
	Bridge    [][]string       `yaml:"Bridge"`
	Logging   LoggingConfig    `yaml:"Logging"`
	Files     FilesConfig      `yaml:"Files"`
	SpamCheck *SpamCheckConfig `yaml:"SpamCheck"`
}

func (c *Config) applyDefaults() {
	if c.IRC.PlatformPrefix == "" {
		c.IRC.PlatformPrefix = "I"
	}
	if c.IRC.MaxLines <= 0 {
		c.IRC.MaxLines = 4
	}
	if c.IRC.ActiveWindowS <= 0 {
		c.IRC.ActiveWindowS = 600
	}
	if c.Telegram.Session == "" {
		c.Telegram.Session = "bridge"
	}
	if c.Telegram.NickStyle == "" {
		c.Telegram.NickStyle = "username"
	}
	if c.Telegram.PlatformPrefix == "" {
		c.Telegram.PlatformPrefix = "T"
	}
	if c.Discord.NickStyle == "" {
		c.Discord.NickStyle = "nickname"
	}
	if c.Discord.PlatformPrefix == "" {
		c.Discord.PlatformPrefix = "D"
	}
	if c.SpamCheck != nil {
		if c.SpamCheck.BaseURL == "" {
			c.SpamCheck.BaseURL = "https://tg-cleaner.toolforge.org"
		}
		if c.SpamCheck.DelayMS <= 0 {
			c.SpamCheck.DelayMS = 1000
		}
	}
}

// Loader reads and caches a config document. File access is serialized; a
// Reload replaces the cached snapshot atomically.
type Loader struct {
	path string

	mu  sync.Mutex
	cfg *Config
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load returns the cached config, reading the file on first use.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg != nil {
		return l.cfg, nil
	}
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	l.cfg = cfg
	return cfg, nil
}

// Reload re-reads the file and replaces the cached snapshot.
func (l *Loader) Reload() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	l.cfg = cfg
	return cfg, nil
}

func (l *Loader) read() (*Config, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", l.path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", l.path, err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// FilterRule is one entry of the separate filter document. Unset property
// patterns match anything; FilterReply defaults to true.
type FilterRule struct {
	Event       string `yaml:"event"`
	Group       string `yaml:"group"`
	Text        string `yaml:"text"`
	Nick        string `yaml:"nick"`
	FwdFrom     string `yaml:"fwd_from"`
	FilterReply *bool  `yaml:"filter_reply"`
}

type filterFile struct {
	Filters []FilterRule `yaml:"filters"`
}

// LoadFilters parses the filter document. A missing path yields no rules.
func LoadFilters(path string) ([]FilterRule, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading filters %s: %w", path, err)
	}
	var f filterFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing filters %s: %w", path, err)
	}
	return f.Filters, nil
}
