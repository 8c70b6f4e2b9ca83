// Package config loads the startup configuration: a YAML file with
// environment-variable overrides. Runtime maintenance settings live in the
// settings document, not here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the process startup configuration.
type Config struct {
	Host          string `yaml:"host"`
	Port          string `yaml:"port"`
	AdminPassword string `yaml:"admin_password"`
	DataDir       string `yaml:"data_dir"`
	DBPath        string `yaml:"db_path"`
	StoreBackend  string `yaml:"store_backend"`
	Verbose       bool   `yaml:"verbose"`
}

func defaults() Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".config", "kiro-nexus")
	return Config{
		Host:         "0.0.0.0",
		Port:         "8080",
		DataDir:      base,
		DBPath:       filepath.Join(base, "nexus.db"),
		StoreBackend: "file",
	}
}

// Load reads the config file at path (missing file is fine, defaults apply)
// and then applies KIRO_NEXUS_* environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	switch cfg.StoreBackend {
	case "file", "sqlite":
	default:
		return Config{}, fmt.Errorf("unknown store backend: %q (want file or sqlite)", cfg.StoreBackend)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("KIRO_NEXUS_ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}
	if v := os.Getenv("KIRO_NEXUS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KIRO_NEXUS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("KIRO_NEXUS_STORE"); v != "" {
		cfg.StoreBackend = strings.ToLower(v)
	}
	if v := os.Getenv("KIRO_NEXUS_VERBOSE"); v == "1" || strings.EqualFold(v, "true") {
		cfg.Verbose = true
	}
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}
