package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var log = logrus.New()

const (
	DefaultPort             = 30000
	DefaultBroadcastAddress = "255.255.255.255"
)

type Position struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Altitude  float64 `json:"alt"`
}

// Config represents the configuration of a tdl node
type Config struct {
	// Default config file location
	configFile string

	Node struct {
		NodeID   uint32    `json:"id"`
		Greeting string    `json:"greeting,omitempty"` // Empty means "Hello from Node <id>"
		Position *Position `json:"position,omitempty"` // Fixed position, nil derives one from the node ID
	} `json:"node"`

	Network struct {
		Port             int      `json:"port"`
		BroadcastAddress string   `json:"broadcast"`
		ReceiveTimeout   Duration `json:"receive_timeout"`
		MetricsAddress   string   `json:"metrics,omitempty"` // Prometheus listen address, empty disables
	} `json:"network"`

	Timing struct {
		PositionInterval  Duration `json:"position"`
		HeartbeatInterval Duration `json:"heartbeat"`
		PruneInterval     Duration `json:"prune"`
		DisplayInterval   Duration `json:"display"`
		PollInterval      Duration `json:"poll"`
		PeerTimeout       Duration `json:"peer_timeout,omitempty"` // Zero means 3x the position interval
	} `json:"timing"`

	DataStore struct {
		PeerIndexPath string `json:"peers,omitempty"` // Empty disables peer snapshot persistence
	} `json:"datastore"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Node.NodeID = 1

	cfg.Network.Port = DefaultPort
	cfg.Network.BroadcastAddress = DefaultBroadcastAddress
	cfg.Network.ReceiveTimeout = Duration(time.Second)

	cfg.Timing.PositionInterval = Duration(5 * time.Second)
	cfg.Timing.HeartbeatInterval = Duration(time.Second)
	cfg.Timing.PruneInterval = Duration(time.Second)
	cfg.Timing.DisplayInterval = Duration(5 * time.Second)
	cfg.Timing.PollInterval = Duration(100 * time.Millisecond)

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) File() string {
	return c.configFile
}

// Greeting returns the text broadcast once at start.
func (c *Config) Greeting() string {
	if c.Node.Greeting != "" {
		return c.Node.Greeting
	}
	return fmt.Sprintf("Hello from Node %d", c.Node.NodeID)
}

// PeerTimeout returns the effective peer timeout.
func (c *Config) PeerTimeout() time.Duration {
	if c.Timing.PeerTimeout > 0 {
		return c.Timing.PeerTimeout.Duration()
	}
	return 3 * c.Timing.PositionInterval.Duration()
}

// Validate checks the values that would otherwise fail deep inside the node.
func (c *Config) Validate() error {
	var errs []error

	if c.Network.Port < 0 || c.Network.Port > 65535 {
		errs = append(errs, fmt.Errorf("network.port %d out of range", c.Network.Port))
	}
	if c.Network.BroadcastAddress == "" {
		errs = append(errs, errors.New("network.broadcast is empty"))
	}

	for name, d := range map[string]Duration{
		"network.receive_timeout": c.Network.ReceiveTimeout,
		"timing.position":         c.Timing.PositionInterval,
		"timing.heartbeat":        c.Timing.HeartbeatInterval,
		"timing.prune":            c.Timing.PruneInterval,
		"timing.display":          c.Timing.DisplayInterval,
		"timing.poll":             c.Timing.PollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Timing.PeerTimeout < 0 {
		errs = append(errs, fmt.Errorf("timing.peer_timeout must not be negative, got %s", c.Timing.PeerTimeout))
	}

	return multierr.Combine(errs...)
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}
