package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv overlays ORTHOSTREAM_* environment variables onto target.
// Variables that are not set leave the existing values untouched.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
