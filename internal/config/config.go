// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Server is the sync server configuration, populated from SNAKEY_-prefixed
// environment variables.
type Server struct {
	// HTTPAddr is the listen address for the sync API.
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// DatabaseDSN is the Postgres connection string.
	DatabaseDSN string `env:"DATABASE_DSN,notEmpty"`

	// JWTSecret signs and verifies sync API bearer tokens.
	JWTSecret string `env:"JWT_SECRET,notEmpty"`

	// ShutdownTimeout bounds graceful shutdown on SIGTERM.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads the server configuration from the environment.
func Load() (*Server, error) {
	cfg, err := env.ParseAsWithOptions[Server](env.Options{Prefix: "SNAKEY_"})
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}
