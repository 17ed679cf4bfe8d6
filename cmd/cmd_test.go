package cmd

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/projection"
	"github.com/decentcloud/dcledger/types"
)

func init() {
	logx.SetOutput(io.Discard)
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(io.Discard)
	return rootCmd.Execute()
}

func TestWriteCommands(t *testing.T) {
	dir := t.TempDir()
	common := []string{
		"--config", filepath.Join(dir, "missing.yml"),
		"--ledger-config", filepath.Join(dir, "missing.ini"),
		"--env-file", filepath.Join(dir, "missing.env"),
		"--ledger", filepath.Join(dir, "data", "ledger.bin"),
	}
	with := func(args ...string) []string { return append(args, common...) }

	provKey := filepath.Join(dir, "prov.key")
	altKey := filepath.Join(dir, "alt.key")
	require.NoError(t, run(t, with("keygen", "--out", provKey)...))
	require.NoError(t, run(t, with("keygen", "--out", altKey)...))
	assert.Error(t, run(t, with("keygen", "--out", provKey)...), "an existing key is never overwritten")

	require.NoError(t, run(t, with("register", "provider", "--key", provKey)...))
	assert.Error(t, run(t, with("register", "validator", "--key", provKey)...))
	require.NoError(t, run(t, with("checkin", "--key", provKey)...))
	require.NoError(t, run(t, with("rewards", "distribute")...))
	require.NoError(t, run(t, with("rewards", "last")...))

	_, altPub, err := loadKey(altKey)
	require.NoError(t, err)
	alt := types.PrincipalFromPubKey(altPub).String()
	require.NoError(t, run(t, with("identity", "link", "--key", provKey, "--alt", alt)...))
	require.NoError(t, run(t, with("transfer", "--key", provKey, "--to", alt, "--amount", "1", "--memo", "first")...))
	assert.Error(t, run(t, with("transfer", "--key", altKey, "--to", alt, "--amount", "1")...), "no transfers to self")
	require.NoError(t, run(t, with("balance", alt)...))
	require.NoError(t, run(t, with("ledger", "verify")...))
	require.NoError(t, run(t, with("ledger", "list", "--label", types.LabelProviderRegister, "--decode")...))
	require.NoError(t, run(t, with("ledger", "state")...))

	// register, checkin, distribute, link, transfer
	l, err := ledger.Open(filepath.Join(dir, "data", "ledger.bin"), ledger.Config{}, nil)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, uint64(5), l.BlockCount())

	st, err := projection.Replay(l, projection.NewSchedule(projection.ScheduleConfig{}))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Distributions)
	_, provPub, err := loadKey(provKey)
	require.NoError(t, err)
	assert.Len(t, st.Alternates[types.PrincipalFromPubKey(provPub)], 1)
	assert.Equal(t, uint64(1), st.Balances[types.PrincipalFromPubKey(altPub)].Uint64())
	assert.Equal(t, uint64(2), st.Transfers, "the reward mint and the transfer")
}

func TestNodeNeedsConfig(t *testing.T) {
	dir := t.TempDir()
	err := run(t, "node",
		"--config", filepath.Join(dir, "missing.yml"),
		"--ledger-config", filepath.Join(dir, "missing.ini"),
		"--env-file", filepath.Join(dir, "missing.env"),
		"--ledger", filepath.Join(dir, "ledger.bin"))
	assert.ErrorContains(t, err, "configuration file")
}
