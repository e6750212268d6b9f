package cbus

import (
	"errors"
	"fmt"
	"time"
)

// Default bridge settings.
const (
	// DefaultBridgeID identifies the bridge in health and discovery topics.
	DefaultBridgeID = "cbus-bridge-01"

	// DefaultHealthInterval is how often health is published.
	DefaultHealthInterval = 30 * time.Second

	// DefaultNetwork is the C-Bus network number most installations use.
	DefaultNetwork = "254"
)

// Config is the runtime configuration of one C-Bus bridge.
type Config struct {
	BridgeID       string
	Version        string
	HealthInterval time.Duration

	Host          string
	CommandPort   int
	EventPort     int
	Network       string
	Project       string
	InterfaceUnit string

	SecurityEnabled bool

	ConnectTimeout time.Duration
	BannerTimeout  time.Duration
	CommandTimeout time.Duration
	DumpTimeout    time.Duration
	RetryInterval  time.Duration
	DiscoveryRetry time.Duration
	IdleInterval   time.Duration

	// PollEvery runs a poll sweep every N monitor lines. Zero disables.
	PollEvery     int
	PollAddresses []string

	ClockSyncInterval time.Duration
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.BridgeID == "" {
		c.BridgeID = DefaultBridgeID
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.CommandPort == 0 {
		c.CommandPort = defaultCommandPort
	}
	if c.EventPort == 0 {
		c.EventPort = defaultEventPort
	}
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.BannerTimeout == 0 {
		c.BannerTimeout = defaultBannerTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.DumpTimeout == 0 {
		c.DumpTimeout = defaultDumpTimeout
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.DiscoveryRetry == 0 {
		c.DiscoveryRetry = defaultDiscoveryRetry
	}
	if c.IdleInterval == 0 {
		c.IdleInterval = defaultIdleInterval
	}
	return c
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	var errs []error
	if c.CommandPort < 1 || c.CommandPort > 65535 {
		errs = append(errs, fmt.Errorf("command port %d out of range", c.CommandPort))
	}
	if c.EventPort < 1 || c.EventPort > 65535 {
		errs = append(errs, fmt.Errorf("event port %d out of range", c.EventPort))
	}
	if c.PollEvery < 0 {
		errs = append(errs, fmt.Errorf("poll_every must not be negative"))
	}
	for _, addr := range c.PollAddresses {
		a, err := ParseAddress(addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("poll address: %w", err))
			continue
		}
		if a.Application != AppLighting {
			errs = append(errs, fmt.Errorf("poll address %s is not a lighting group", addr))
		}
	}
	return errors.Join(errs...)
}

func (c Config) supervisorConfig(metrics Metrics) SupervisorConfig {
	return SupervisorConfig{
		Host:           c.Host,
		CommandPort:    c.CommandPort,
		EventPort:      c.EventPort,
		Network:        c.Network,
		ConnectTimeout: c.ConnectTimeout,
		BannerTimeout:  c.BannerTimeout,
		CommandTimeout: c.CommandTimeout,
		RetryInterval:  c.RetryInterval,
		Metrics:        metrics,
	}
}

func (c Config) topologyConfig() TopologyConfig {
	return TopologyConfig{
		Network:         c.Network,
		SecurityEnabled: c.SecurityEnabled,
		DumpTimeout:     c.DumpTimeout,
		RetryInterval:   c.DiscoveryRetry,
	}
}
