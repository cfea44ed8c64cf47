// Package config loads service configuration from an optional YAML file
// overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL    string `yaml:"database_url"`
	EtherscanToken string `yaml:"etherscan_token"`
	APIPort        int    `yaml:"api_port"`
	DataDir        string `yaml:"data_dir"`
	AdminJWTSecret string `yaml:"admin_jwt_secret"`
	LogLevel       string `yaml:"log_level"`

	TransferWorkers  int `yaml:"transfer_workers"`
	PricePageWorkers int `yaml:"price_page_workers"`
	CARWorkers       int `yaml:"car_workers"`
}

// Load reads the YAML file at path when it exists, then applies
// environment overrides and defaults. The Postgres DSN is assembled from
// POSTGRES_* parts unless DATABASE_URL is set.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvString(&cfg.DatabaseURL, "DATABASE_URL")
	applyEnvString(&cfg.EtherscanToken, "ETHERSCAN_TOKEN")
	applyEnvString(&cfg.DataDir, "DATA_DIR")
	applyEnvString(&cfg.AdminJWTSecret, "ADMIN_JWT_SECRET")
	applyEnvString(&cfg.LogLevel, "LOG_LEVEL")
	applyEnvInt(&cfg.APIPort, "API_PORT")
	applyEnvInt(&cfg.TransferWorkers, "TRANSFER_WORKERS")
	applyEnvInt(&cfg.PricePageWorkers, "PRICE_PAGE_WORKERS")
	applyEnvInt(&cfg.CARWorkers, "CAR_WORKERS")

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = postgresDSN()
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = 8080
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TransferWorkers == 0 {
		cfg.TransferWorkers = 8
	}
	if cfg.PricePageWorkers == 0 {
		cfg.PricePageWorkers = 8
	}
	if cfg.CARWorkers == 0 {
		cfg.CARWorkers = 8
	}
	return &cfg, nil
}

func postgresDSN() string {
	user := envOr("POSTGRES_USER", "postgres")
	password := envOr("POSTGRES_PASSWORD", "postgres")
	host := envOr("POSTGRES_HOST", "localhost")
	port := envOr("POSTGRES_PORT", "5432")
	db := envOr("POSTGRES_DB", "postgres")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, password, host, port, db)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func applyEnvString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyEnvInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}
