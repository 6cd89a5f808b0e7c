package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/cryguy/busworker/internal/engine/amqp"
)

// Credentials are the broker credentials, kept out of config files.
type Credentials struct {
	Username string `env:"AMQP_USERNAME"`
	Password string `env:"AMQP_PASSWORD"`
}

func (c Credentials) apply(cfg *amqp.Config) {
	if c.Username != "" {
		cfg.Username = c.Username
	}
	if c.Password != "" {
		cfg.Password = c.Password
	}
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
