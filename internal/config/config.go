// Package config holds the daemon configuration: defaults, YAML file
// loading, and the types shared by the CLI flags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Mode selects how the gateway reaches its remote client.
type Mode string

const (
	// ModeRelay keeps all traffic on the cloud relay WebSocket.
	ModeRelay Mode = "relay"
	// ModeP2P negotiates a direct DataChannel via the signaling exchange.
	ModeP2P Mode = "p2p"
)

// Config stores all gateway and forwarder parameters.
type Config struct {
	Mode       Mode   `yaml:"mode"`
	RelayURL   string `yaml:"relay_url"`   // relay mode: WebSocket endpoint to dial
	SignalAddr string `yaml:"signal_addr"` // p2p mode: signaling listen address
	PIN        string `yaml:"pin"`         // p2p mode: signaling PIN (generated when empty)

	Workers    int  `yaml:"workers"`     // completion worker goroutines
	RecvBuffer int  `yaml:"recv_buffer"` // per-recv buffer size in bytes
	Debug      bool `yaml:"debug"`

	// Forwarder (gwfwd) parameters.
	LocalPort  int    `yaml:"local_port"`  // local TCP port of the virtual service
	TargetHost string `yaml:"target_host"` // service to reach through the gateway
	TargetPort int    `yaml:"target_port"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Mode:       ModeRelay,
		SignalAddr: ":0",
		Workers:    4,
		RecvBuffer: 16 * 1024,
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks mode-dependent requirements.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeRelay:
		if c.RelayURL == "" {
			return fmt.Errorf("relay mode requires relay_url")
		}
	case ModeP2P:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}
