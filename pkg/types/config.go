package types

import "time"

// PreloadMode controls how client operations interact with an in-progress
// rebalance
type PreloadMode uint8

const (
	PreloadSync PreloadMode = iota
	PreloadAsync
	PreloadNone
)

// AtomicityMode selects whether the cache exposes explicit multi-key
// transactions or only single-key atomic writes. Both shapes commit
// through the same pipeline; ATOMIC simply never opens a multi-key
// transaction, so its implicit commits collapse to one lock round on
// the key's primary.
type AtomicityMode uint8

const (
	Transactional AtomicityMode = iota
	Atomic
)

// DistributionMode controls whether non-owners are permitted to hold near
// entries
type DistributionMode uint8

const (
	PartitionedOnly DistributionMode = iota
	NearPartitioned
)

// EvictionConfig bounds the eviction policy
type EvictionConfig struct {
	MaxBlocks     int      `yaml:"maxBlocks"`
	MaxBytes      int64    `yaml:"maxBytes"`
	ExcludePaths  []string `yaml:"excludePaths"`
	BlockSize     int      `yaml:"blockSize"`
	MaxEvictTries int      `yaml:"maxEvictTries"`
}

// Config is the recognised configuration surface
type Config struct {
	Partitions       int              `yaml:"partitions"`
	Backups          int              `yaml:"backups"`
	WriteSync        WriteSyncMode    `yaml:"writeSync"`
	PreloadMode      PreloadMode      `yaml:"preloadMode"`
	PreloadBatchSize int              `yaml:"preloadBatchSize"`
	AtomicityMode    AtomicityMode    `yaml:"atomicityMode"`
	DistributionMode DistributionMode `yaml:"distributionMode"`
	Eviction         EvictionConfig   `yaml:"eviction"`
	TxTimeout        time.Duration    `yaml:"txTimeout"`
	LockTimeout      time.Duration    `yaml:"lockTimeout"`
	RecoveryTimeout  time.Duration    `yaml:"recoveryTimeout"`
	RebalanceThreads int              `yaml:"rebalanceThreads"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Partitions:       1024,
		Backups:          1,
		WriteSync:        PrimarySync,
		PreloadMode:      PreloadAsync,
		PreloadBatchSize: 2 << 20,
		AtomicityMode:    Transactional,
		DistributionMode: PartitionedOnly,
		Eviction: EvictionConfig{
			MaxBlocks:     0,
			MaxBytes:      0,
			BlockSize:     64 << 10,
			MaxEvictTries: 32,
		},
		TxTimeout:        15 * time.Second,
		LockTimeout:      5 * time.Second,
		RecoveryTimeout:  10 * time.Second,
		RebalanceThreads: 4,
	}
}
