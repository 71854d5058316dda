package config

import (
	"fmt"
	"os"

	"github.com/gridcache/gridcache/pkg/types"
	"gopkg.in/yaml.v3"
)

// NodeConfig is the full per-process configuration: the cache options
// plus the process-level settings (identity, transport
// addresses, membership) that are not part of the cache's own data model
// but must be read from the same file, one YAML document into a typed
// struct.
type NodeConfig struct {
	NodeID        string        `yaml:"nodeId"`
	DispatchAddr  string        `yaml:"dispatchAddr"`
	RaftAddr      string        `yaml:"raftAddr"`
	DataDir       string        `yaml:"dataDir"`
	MetricsAddr   string        `yaml:"metricsAddr"`
	JoinAddr      string        `yaml:"joinAddr"`
	PersistEnable bool          `yaml:"persistEnable"`
	Cache         types.Config  `yaml:"cache"`
}

// Default returns a NodeConfig with the documented cache defaults and
// process defaults suitable for a single local node.
func Default() NodeConfig {
	return NodeConfig{
		DataDir:     "./data",
		MetricsAddr: ":9090",
		Cache:       types.DefaultConfig(),
	}
}

// Load reads a YAML file at path into a NodeConfig seeded with Default,
// so a file only needs to specify the fields it overrides.
func Load(path string) (NodeConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c NodeConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: nodeId is required")
	}
	if c.DispatchAddr == "" {
		return fmt.Errorf("config: dispatchAddr is required")
	}
	if c.Cache.Partitions <= 0 {
		return fmt.Errorf("config: cache.partitions must be positive")
	}
	if c.Cache.Backups < 0 {
		return fmt.Errorf("config: cache.backups must be non-negative")
	}
	return nil
}
