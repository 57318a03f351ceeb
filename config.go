package main

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings, loaded from environment variables.
type Config struct {
	DatabaseURL string   `env:"DATABASE_URL" envDefault:"user=admin password=password dbname=kindreddb sslmode=disable"`
	JWTSecret   string   `env:"JWT_SECRET" envDefault:"your_secret_key_please_change_in_production"`
	ListenAddr  string   `env:"LISTEN_ADDR" envDefault:":8080"`
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"http://localhost:5173"`
	GoEnv       string   `env:"GO_ENV" envDefault:"development"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
