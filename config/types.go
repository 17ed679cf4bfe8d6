package config

// IndexStoreConfig selects the key-value backend of the side indexes.
type IndexStoreConfig struct {
	Type         string `yaml:"type"`
	Directory    string `yaml:"directory"`
	RedisAddress string `yaml:"redis_address"`
}

// NodeConfig represents a node's configuration
type NodeConfig struct {
	LedgerDir  string `yaml:"ledger_dir"`
	LedgerFile string `yaml:"ledger_file"`

	APIAddr              string `yaml:"api_addr"`
	APIRequestsPerMinute int    `yaml:"api_requests_per_minute"`
	GRPCAddr             string `yaml:"grpc_addr"`

	// UpstreamAddr is the gRPC address of the ledger to follow. Empty means
	// this node writes its own ledger.
	UpstreamAddr    string `yaml:"upstream_addr"`
	SyncIntervalSec int    `yaml:"sync_interval_sec"`
	SyncTimeoutSec  int    `yaml:"sync_timeout_sec"`
	SyncMaxEntries  uint32 `yaml:"sync_max_entries"`

	IndexStore  IndexStoreConfig `yaml:"index_store"`
	PostgresDSN string           `yaml:"postgres_dsn"`
	Metrics     bool             `yaml:"metrics"`
}

// ConfigFile is the top-level structure of node.yml
type ConfigFile struct {
	Node NodeConfig `yaml:"node"`
}

// LedgerConfig is the [ledger] section of the tuning ini file.
type LedgerConfig struct {
	MaxEntriesPerBlock int    `ini:"max_entries_per_block"`
	MaxBlockBytes      int    `ini:"max_block_bytes"`
	HalvingInterval    uint64 `ini:"halving_interval"`
	InitialRewardE9s   uint64 `ini:"initial_reward_e9s"`
	Fsync              bool   `ini:"fsync"`
}
