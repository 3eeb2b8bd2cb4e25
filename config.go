/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfixfwd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidDistribution       = errors.New("invalid distribution mode")
	ErrNoDestinations            = errors.New("no destinations configured")
	ErrPacketSizeOutOfRange      = errors.New("packet size out of range")
	ErrInvalidReconnectionPeriod = errors.New("reconnection period must be positive")
)

// DestinationConfig is one configured forwarding peer. Port defaults to
// Config.DefaultPort when empty.
type DestinationConfig struct {
	IP       string `yaml:"ip"`
	PortSpec string `yaml:"port,omitempty"`
}

// Config is the typed, validated configuration for the forwarding engine,
// loaded from YAML.
type Config struct {
	DefaultPort        string              `yaml:"defaultPort"`
	Distribution       string              `yaml:"distribution"`
	PacketSize         uint16              `yaml:"packetSize"`
	ReconnectionPeriod time.Duration       `yaml:"reconnectionPeriod"`
	Destinations       []DestinationConfig `yaml:"destinations"`
}

const (
	minPacketSize = 256
	maxPacketSize = 65535
)

// Load decodes and validates a Config from r. Unknown YAML fields are
// rejected, matching the strict decoding used elsewhere in this module for
// wire-adjacent data.
func Load(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.PacketSize < minPacketSize || c.PacketSize > maxPacketSize {
		return fmt.Errorf("%w: %d (want [%d, %d])", ErrPacketSizeOutOfRange, c.PacketSize, minPacketSize, maxPacketSize)
	}
	if c.ReconnectionPeriod <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidReconnectionPeriod, c.ReconnectionPeriod)
	}
	if len(c.Destinations) == 0 {
		return ErrNoDestinations
	}
	if _, err := c.DistributionMode(); err != nil {
		return err
	}
	return nil
}

// DistributionMode parses Distribution, case-insensitively.
func (c *Config) DistributionMode() (DistributionMode, error) {
	switch strings.ToLower(c.Distribution) {
	case "all":
		return All, nil
	case "roundrobin", "round_robin", "round-robin":
		return RoundRobin, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDistribution, c.Distribution)
	}
}

// Port returns d's port, defaulting to def when empty.
func (d DestinationConfig) Port(def string) string {
	if d.PortSpec == "" {
		return def
	}
	return d.PortSpec
}
