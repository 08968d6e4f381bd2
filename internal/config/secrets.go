package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

const DefaultAdminPassword = "admin123"

// Secrets are read from the environment only, never from opsync.yml.
type Secrets struct {
	JWTSecret     string `env:"OPSYNC_JWT_SECRET"`
	AdminPassword string `env:"OPSYNC_ADMIN_PASSWORD" envDefault:"admin123"`
}

func LoadSecrets() (Secrets, error) {
	s, err := env.ParseAs[Secrets]()
	if err != nil {
		return Secrets{}, fmt.Errorf("parse secrets: %w", err)
	}
	return s, nil
}
