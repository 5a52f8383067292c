package config

import "strings"

// Environment identifies the runtime environment where dcabot operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Overflow policies understood by the event bus.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowReject     = "reject"
	OverflowBlock      = "block"
)

func normalizeIdentifier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
