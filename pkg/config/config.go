// Package config loads and saves the taskhub configuration file at
// ~/.config/taskhub/config.yaml. Secrets can be supplied or overridden
// through environment variables so nothing sensitive has to live on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	xdgAppName = "taskhub"
	configFile = "config.yaml"

	defaultGmailQuery = "label:todo OR label:task OR subject:task AND is:unread"
	defaultGmailLimit = 20
	defaultSchedule   = "*/15 * * * *"
)

type StoreConfig struct {
	Path string `yaml:"path"`
}

type GmailConfig struct {
	Enabled bool `yaml:"enabled"`
	// CredentialsFile and TokenFile are resolved relative to the config
	// directory when not absolute.
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
	Query           string `yaml:"query"`
	Limit           int64  `yaml:"limit"`
}

type OutlookConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientID     string `yaml:"client_id"`
	TenantID     string `yaml:"tenant_id"`
	ClientSecret string `yaml:"client_secret"`
}

type NotionConfig struct {
	Token      string `yaml:"token"`
	DatabaseID string `yaml:"database_id"`
}

type N8NConfig struct {
	Host   string `yaml:"host"`
	APIKey string `yaml:"api_key"`
}

type Config struct {
	LogLevel            string        `yaml:"log_level"`
	Schedule            string        `yaml:"schedule"`
	FetchTimeoutSeconds int           `yaml:"fetch_timeout_seconds"`
	Store               StoreConfig   `yaml:"store"`
	Gmail               GmailConfig   `yaml:"gmail"`
	Outlook             OutlookConfig `yaml:"outlook"`
	Notion              NotionConfig  `yaml:"notion"`
	N8N                 N8NConfig     `yaml:"n8n"`
}

// Dir returns the taskhub config directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", xdgAppName), nil
}

// Path returns the config file location.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Default returns a config with all non-secret defaults filled in.
func Default() *Config {
	return &Config{
		LogLevel:            "info",
		Schedule:            defaultSchedule,
		FetchTimeoutSeconds: 30,
		Gmail: GmailConfig{
			Enabled:         true,
			CredentialsFile: "credentials.json",
			TokenFile:       "token.json",
			Query:           defaultGmailQuery,
			Limit:           defaultGmailLimit,
		},
	}
}

// Load reads the config file at path (or the default location when path is
// empty), applies defaults for anything unset, and then environment
// overrides for secrets.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = Path()
		if err != nil {
			return nil, err
		}
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// Missing file means pure defaults + env.
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Schedule == "" {
		c.Schedule = defaultSchedule
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = 30
	}
	if c.Gmail.Query == "" {
		c.Gmail.Query = defaultGmailQuery
	}
	if c.Gmail.Limit <= 0 {
		c.Gmail.Limit = defaultGmailLimit
	}
	if c.Gmail.CredentialsFile == "" {
		c.Gmail.CredentialsFile = "credentials.json"
	}
	if c.Gmail.TokenFile == "" {
		c.Gmail.TokenFile = "token.json"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SYNC_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("NOTION_TOKEN"); v != "" {
		c.Notion.Token = v
	}
	if v := os.Getenv("NOTION_TASKS_DB_ID"); v != "" {
		c.Notion.DatabaseID = v
	}
	if v := os.Getenv("OUTLOOK_CLIENT_ID"); v != "" {
		c.Outlook.ClientID = v
	}
	if v := os.Getenv("OUTLOOK_TENANT_ID"); v != "" {
		c.Outlook.TenantID = v
	}
	if v := os.Getenv("OUTLOOK_CLIENT_SECRET"); v != "" {
		c.Outlook.ClientSecret = v
	}
	if v := os.Getenv("N8N_HOST"); v != "" {
		c.N8N.Host = v
	}
	if v := os.Getenv("N8N_API_KEY"); v != "" {
		c.N8N.APIKey = v
	}
}

// Save writes the config to path (or the default location when path is
// empty), creating the config directory if needed.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = Path()
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ResolveFile resolves a possibly-relative credential file name against the
// config directory.
func ResolveFile(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}
