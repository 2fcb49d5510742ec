// Package config handles deputy configuration from environment variables,
// as well as the TOML-backed fleet config tree (tree.go, toml.go, bind.go).
package config

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// AgentConfig holds the environment-supplied configuration for a
// standalone deputy process (cmd/procdeputy).
type AgentConfig struct {
	// Connection
	SheriffURL string // WebSocket URL of the Sheriff's transport (ws:// or wss://)

	// Identity
	DeputyID string // defaults to the stable hostname when unset

	// Behavior
	HeartbeatInterval time.Duration
	LogLevel          string

	// Derived
	Hostname string
}

// DefaultAgentConfig returns a config with default values.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		HeartbeatInterval: 1 * time.Second,
		LogLevel:          "info",
		Hostname:          getStableHostname(),
	}
}

// getStableHostname returns a stable hostname that doesn't change with
// network interface. On macOS os.Hostname() can return network-dependent
// names like "imac0w.lan" which change when switching wifi/ethernet, so
// LocalHostName is used instead.
func getStableHostname() string {
	if runtime.GOOS == "darwin" {
		if out, err := exec.Command("scutil", "--get", "LocalHostName").Output(); err == nil {
			if hostname := strings.TrimSpace(string(out)); hostname != "" {
				return hostname
			}
		}
	}

	hostname, _ := os.Hostname()
	if idx := strings.Index(hostname, "."); idx != -1 {
		hostname = hostname[:idx]
	}
	return hostname
}

// LoadAgentConfigFromEnv loads a standalone deputy's configuration from
// environment variables.
func LoadAgentConfigFromEnv() (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	cfg.SheriffURL = os.Getenv("PROCMAN_SHERIFF_URL")
	if cfg.SheriffURL == "" {
		return nil, errors.New("PROCMAN_SHERIFF_URL is required")
	}

	cfg.DeputyID = os.Getenv("PROCMAN_DEPUTY_ID")
	if cfg.DeputyID == "" {
		cfg.DeputyID = cfg.Hostname
	}

	if interval := os.Getenv("PROCMAN_HEARTBEAT_INTERVAL"); interval != "" {
		seconds, err := strconv.Atoi(interval)
		if err != nil {
			return nil, errors.New("PROCMAN_HEARTBEAT_INTERVAL must be a number (seconds)")
		}
		cfg.HeartbeatInterval = time.Duration(seconds) * time.Second
	}

	if level := os.Getenv("PROCMAN_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *AgentConfig) Validate() error {
	if c.SheriffURL == "" {
		return errors.New("sheriff URL is required")
	}
	if c.DeputyID == "" {
		return errors.New("deputy id is required")
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	return nil
}
