package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	// server.port must be positive.
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	// storage.type must be a known value.
	switch c.Storage.Type {
	case "memory", "postgres":
		// valid
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\" or \"postgres\", got %q", c.Storage.Type))
	}

	// If storage.type is "postgres", DSN or DSNFile must be set.
	if c.Storage.Type == "postgres" {
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	}

	// auth.type must be a known value.
	switch c.Auth.Type {
	case "none", "apikey", "jwt":
		// valid
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}

	// auth.type=jwt needs a key set to verify against.
	if c.Auth.Type == "jwt" && c.Auth.JWT.JWKSURL == "" {
		errs = append(errs, fmt.Errorf("auth.jwt.jwks_url is required when auth.type is \"jwt\""))
	}

	// sandbox.remote.provider must be a known value if set.
	switch c.Sandbox.Remote.Provider {
	case "", "cloud", "kubernetes":
		// valid
	default:
		errs = append(errs, fmt.Errorf("sandbox.remote.provider must be \"cloud\" or \"kubernetes\", got %q", c.Sandbox.Remote.Provider))
	}

	// sandbox.remote.provider=cloud needs an endpoint.
	if c.Sandbox.Remote.Provider == "cloud" && c.Sandbox.Remote.BaseURL == "" {
		errs = append(errs, fmt.Errorf("sandbox.remote.base_url is required when sandbox.remote.provider is \"cloud\""))
	}

	return errors.Join(errs...)
}
