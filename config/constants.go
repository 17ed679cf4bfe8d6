package config

const (
	DefaultLedgerFile      = "ledger.bin"
	DefaultAPIAddr         = "127.0.0.1:8080"
	DefaultGRPCAddr        = "127.0.0.1:9090"
	DefaultSyncIntervalSec = 10
	DefaultSyncTimeoutSec  = 5
	DefaultIndexStoreType  = "leveldb"
)
