/*
Package config loads a cache node's process and cache configuration from a
single YAML file, the same way this repository's CLI has always read
resource manifests: gopkg.in/yaml.v3 into a typed struct seeded with
defaults, validated before use.

# Core Components

NodeConfig: process-level settings (node identity, transport addresses,
data directory) plus the embedded types.Config cache options
(partitions, backups, writeSync, preloadMode, ...).

Load: reads and validates a YAML file into a NodeConfig.
*/
package config
