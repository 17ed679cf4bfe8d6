package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/decentcloud/dcledger/logx"
)

// LoadNodeConfig reads node.yml and fills in defaults.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cfgFile ConfigFile
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfgFile); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg := &cfgFile.Node
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logx.Info("CONFIG", fmt.Sprintf("loaded %s: ledger=%s api=%s grpc=%s upstream=%q",
		path, cfg.LedgerPath(), cfg.APIAddr, cfg.GRPCAddr, cfg.UpstreamAddr))
	return cfg, nil
}

func (c *NodeConfig) ApplyDefaults() {
	if c.LedgerFile == "" {
		c.LedgerFile = DefaultLedgerFile
	}
	if c.APIAddr == "" {
		c.APIAddr = DefaultAPIAddr
	}
	if c.GRPCAddr == "" {
		c.GRPCAddr = DefaultGRPCAddr
	}
	if c.SyncIntervalSec <= 0 {
		c.SyncIntervalSec = DefaultSyncIntervalSec
	}
	if c.SyncTimeoutSec <= 0 {
		c.SyncTimeoutSec = DefaultSyncTimeoutSec
	}
	if c.IndexStore.Type == "" {
		c.IndexStore.Type = DefaultIndexStoreType
	}
	if c.IndexStore.Directory == "" && c.LedgerDir != "" {
		c.IndexStore.Directory = filepath.Join(c.LedgerDir, "index")
	}
}

func (c *NodeConfig) Validate() error {
	if c.LedgerDir == "" {
		return fmt.Errorf("ledger_dir cannot be empty")
	}
	if strings.ContainsRune(c.LedgerFile, os.PathSeparator) {
		return fmt.Errorf("ledger_file must be a file name, got %q", c.LedgerFile)
	}
	if c.APIRequestsPerMinute < 0 {
		return fmt.Errorf("api_requests_per_minute cannot be negative")
	}
	return nil
}

// LedgerPath is the block file inside LedgerDir.
func (c *NodeConfig) LedgerPath() string {
	return filepath.Join(c.LedgerDir, c.LedgerFile)
}

// LoadLedgerConfig reads the [ledger] section of an .ini file. Missing keys
// keep their zero value, which the ledger and schedule treat as "default".
func LoadLedgerConfig(path string) (*LedgerConfig, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	ledgerCfg := &LedgerConfig{}
	if err := cfg.Section("ledger").MapTo(ledgerCfg); err != nil {
		return nil, err
	}
	if ledgerCfg.MaxEntriesPerBlock < 0 || ledgerCfg.MaxBlockBytes < 0 {
		return nil, fmt.Errorf("%s: ledger limits cannot be negative", path)
	}
	return ledgerCfg, nil
}

// LoadEd25519PrivKey loads a hex encoded Ed25519 key from a file. Both the
// 32-byte seed and the 64-byte private key forms are accepted.
func LoadEd25519PrivKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: key is not hex: %w", path, err)
	}
	switch len(key) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(key), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(key), nil
	default:
		return nil, fmt.Errorf("%s: key has %d bytes, want %d or %d", path, len(key), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}
