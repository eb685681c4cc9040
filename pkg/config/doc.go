// Package config loads the bridge configuration from BRIDGE_* environment
// variables with defaults, plus an optional YAML systems file.
//
// Server:
//
//	BRIDGE_HOST="0.0.0.0"
//	BRIDGE_PORT="8080"
//
// Bridge:
//
//	BRIDGE_LOCAL_SYSTEM="A"                # the system this process serves
//	BRIDGE_SIGNING_SECRET="..."            # >= 32 bytes, required
//	BRIDGE_SESSION_TTL="168h"
//	BRIDGE_SSO_TOKEN_TTL="5m"
//	BRIDGE_SSO_TOKEN_RETENTION="1h"
//	BRIDGE_SWEEP_SCHEDULE="@every 1h"
//	BRIDGE_REDIRECT_URL_B="https://b.example.org"
//	BRIDGE_SYSTEMS_FILE="/etc/bridge/systems.yaml"
//
// Storage:
//
//	BRIDGE_DATABASE_URL="postgres://..."   # required
//	BRIDGE_REDIS_URL="redis://..."         # optional
//
// Observability:
//
//	BRIDGE_LOG_LEVEL="info"
//	BRIDGE_METRICS_ENABLED="true"
//	BRIDGE_OTEL_ENABLED="false"
//
// LoadConfig validates everything the API server needs; LoadSweeperConfig
// validates the subset used by the standalone sweeper.
package config
