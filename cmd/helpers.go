package cmd

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/decentcloud/dcledger/config"
	"github.com/decentcloud/dcledger/jsonx"
	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/projection"
	"github.com/decentcloud/dcledger/types"
)

// runtime is an opened ledger with its caches kept current.
type runtime struct {
	node      *config.NodeConfig
	ledger    *ledger.Ledger
	schedule  *projection.Schedule
	projector *projection.Projector
}

func (r *runtime) Close() error {
	return r.ledger.Close()
}

// loadNodeConfig returns the node configuration, or nil when the file does
// not exist and --ledger names the ledger directly.
func loadNodeConfig() (*config.NodeConfig, error) {
	cfg, err := config.LoadNodeConfig(configPath)
	if errors.Is(err, fs.ErrNotExist) && ledgerPath != "" {
		return nil, nil
	}
	return cfg, err
}

func loadLedgerConfig() (*config.LedgerConfig, error) {
	cfg, err := config.LoadLedgerConfig(ledgerConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		return &config.LedgerConfig{}, nil
	}
	return cfg, err
}

func openRuntime() (*runtime, error) {
	node, err := loadNodeConfig()
	if err != nil {
		return nil, fmt.Errorf("load node config: %w", err)
	}
	lc, err := loadLedgerConfig()
	if err != nil {
		return nil, fmt.Errorf("load ledger config: %w", err)
	}

	path := ledgerPath
	if path == "" {
		path = node.LedgerPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	sched := projection.NewSchedule(projection.ScheduleConfig{
		HalvingInterval:  lc.HalvingInterval,
		InitialRewardE9s: lc.InitialRewardE9s,
	})
	l, err := ledger.Open(path, ledger.Config{
		MaxEntriesPerBlock: lc.MaxEntriesPerBlock,
		MaxBlockBytes:      lc.MaxBlockBytes,
		Fsync:              lc.Fsync,
	}, sched)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	p := projection.New(l, sched)
	if err := p.RefreshCachesFromLedger(); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("replay ledger: %w", err)
	}
	p.Attach()
	return &runtime{node: node, ledger: l, schedule: sched, projector: p}, nil
}

func printJSON(v interface{}) error {
	raw, err := jsonx.MarshalIndent(v)
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func loadKey(path string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("--key is required")
	}
	priv, err := config.LoadEd25519PrivKey(path)
	if err != nil {
		return nil, nil, err
	}
	return priv, priv.Public().(ed25519.PublicKey), nil
}

// parsePrincipal accepts the base58 text form of a public key.
func parsePrincipal(s string) ([]byte, error) {
	return types.Principal(s).PubKey()
}
