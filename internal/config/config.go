// Package config loads relay settings from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	// ListenAddr is the bind address for the websocket/http server.
	ListenAddr string
	// GatewayURL is the websocket URL of the agent gateway.
	GatewayURL string
	// DataDir holds session metadata and message logs.
	DataDir string
	// AgentCommand is the agent CLI invocation, space separated. Empty
	// disables the local subprocess pump.
	AgentCommand string
	// AgentSessionID and AgentUserID identify the session served by the
	// local subprocess pump.
	AgentSessionID string
	AgentUserID    string
	// StaleTimeout bounds how long an idle stream survives before the
	// sweeper reaps it.
	StaleTimeout time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:     envOr("RELAY_LISTEN_ADDR", ":8095"),
		GatewayURL:     envOr("RELAY_GATEWAY_URL", "ws://localhost:8200/ws"),
		DataDir:        envOr("RELAY_DATA_DIR", "./data"),
		AgentCommand:   os.Getenv("RELAY_AGENT_COMMAND"),
		AgentSessionID: envOr("RELAY_AGENT_SESSION", "local"),
		AgentUserID:    envOr("RELAY_AGENT_USER", "local"),
		StaleTimeout:   600 * time.Second,
	}

	if v := os.Getenv("RELAY_STALE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RELAY_STALE_TIMEOUT %q: %w", v, err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("RELAY_STALE_TIMEOUT must be positive, got %q", v)
		}
		cfg.StaleTimeout = d
	}

	return cfg, nil
}

// AgentArgs splits AgentCommand into the executable and its arguments.
func (c Config) AgentArgs() (string, []string) {
	fields := strings.Fields(c.AgentCommand)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
