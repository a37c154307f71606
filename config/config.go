// Package config loads and validates the YAML configuration of one
// replica, grounded on the teacher's raft-server/config.go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level document for one replica.
type Config struct {
	Node   NodeConfig   `yaml:"node"`
	Quorum QuorumConfig `yaml:"quorum"`
	Timers TimersConfig `yaml:"timers"`
}

// NodeConfig identifies this replica within the quorum.
type NodeConfig struct {
	Rank    int    `yaml:"rank"`
	Address string `yaml:"address"`
	DataDir string `yaml:"data_dir"`
}

// QuorumConfig lists every member of the replication group, including self.
type QuorumConfig struct {
	Members []MemberConfig `yaml:"members"`
}

// MemberConfig is one quorum member's rank and transport address.
type MemberConfig struct {
	Rank    int    `yaml:"rank"`
	Address string `yaml:"address"`
}

// TimersConfig holds the tunables enumerated in spec.md §6.
type TimersConfig struct {
	ProposeInterval    time.Duration `yaml:"propose_interval"`
	LeaseInterval      time.Duration `yaml:"lease_interval"`
	LeaseRenewInterval time.Duration `yaml:"lease_renew_interval"`
	ClockDriftAllowed  time.Duration `yaml:"clock_drift_allowed"`
}

// Load reads and validates the YAML document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks internal consistency: self-membership, unique ranks,
// matching addresses, and sane timer ordering.
func (c *Config) Validate() error {
	if c.Node.Address == "" {
		return fmt.Errorf("node.address is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if len(c.Quorum.Members) == 0 {
		return fmt.Errorf("quorum.members must contain at least one member")
	}

	found := false
	seenRanks := make(map[int]bool, len(c.Quorum.Members))
	for _, m := range c.Quorum.Members {
		if seenRanks[m.Rank] {
			return fmt.Errorf("duplicate quorum rank: %d", m.Rank)
		}
		seenRanks[m.Rank] = true

		if m.Rank == c.Node.Rank {
			found = true
			if m.Address != c.Node.Address {
				return fmt.Errorf("node address mismatch: node.address=%s but quorum member address=%s",
					c.Node.Address, m.Address)
			}
		}
	}
	if !found {
		return fmt.Errorf("node.rank=%d not found in quorum.members", c.Node.Rank)
	}

	if c.Timers.ProposeInterval <= 0 {
		return fmt.Errorf("timers.propose_interval must be positive")
	}
	if c.Timers.LeaseInterval <= 0 {
		return fmt.Errorf("timers.lease_interval must be positive")
	}
	if c.Timers.LeaseRenewInterval <= 0 || c.Timers.LeaseRenewInterval >= c.Timers.LeaseInterval {
		return fmt.Errorf("timers.lease_renew_interval must be positive and less than lease_interval")
	}

	return nil
}

// QuorumSize returns the number of quorum members, including self.
func (c *Config) QuorumSize() int {
	return len(c.Quorum.Members)
}

// SelfRank returns this replica's rank within the quorum.
func (c *Config) SelfRank() int {
	return c.Node.Rank
}

// PeerRanks returns every quorum member's rank except self, in config order.
func (c *Config) PeerRanks() []int {
	ranks := make([]int, 0, len(c.Quorum.Members)-1)
	for _, m := range c.Quorum.Members {
		if m.Rank != c.Node.Rank {
			ranks = append(ranks, m.Rank)
		}
	}
	return ranks
}

// PeerAddresses maps every quorum member's rank to its transport address,
// including self.
func (c *Config) PeerAddresses() map[int]string {
	out := make(map[int]string, len(c.Quorum.Members))
	for _, m := range c.Quorum.Members {
		out[m.Rank] = m.Address
	}
	return out
}
