package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/decentcloud/dcledger/api"
	"github.com/decentcloud/dcledger/ledgersync"
	"github.com/decentcloud/dcledger/store"
)

var (
	listLabel    string
	listLimit    int
	listDecode   bool
	syncUpstream string
	syncTimeout  time.Duration
	syncMaxEntry uint32
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and maintain the ledger file",
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-verify every block digest and parent link from the first block",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		n, err := rt.ledger.Verify()
		if err != nil {
			return fmt.Errorf("verification failed after %d blocks: %w", n, err)
		}
		return printJSON(map[string]interface{}{
			"blocks": n,
			"bytes":  rt.ledger.Size(),
			"tip":    rt.ledger.LatestBlockHash().String(),
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List committed entries in commit order",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		var label *string
		if listLabel != "" {
			label = &listLabel
		}
		it := rt.ledger.Iterate(label)
		out := make([]api.EntryView, 0)
		for it.Next() {
			if listLimit > 0 && len(out) == listLimit {
				break
			}
			out = append(out, api.NewEntryView(it.Entry(), listDecode))
		}
		return printJSON(out)
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the state derived from replaying the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		return printJSON(api.NewStateView(rt.projector.State(), rt.projector.Stale()))
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch blocks from an upstream ledger until caught up",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		upstream := syncUpstream
		if upstream == "" && rt.node != nil {
			upstream = rt.node.UpstreamAddr
		}
		if upstream == "" {
			return fmt.Errorf("--upstream is required")
		}

		var cursor ledgersync.CursorStore = &ledgersync.MemoryCursor{}
		var state *store.SyncStateStore
		if rt.node != nil {
			entries, st, err := store.CreateStores(&store.StoreConfig{
				Type:         store.StoreType(rt.node.IndexStore.Type),
				Directory:    rt.node.IndexStore.Directory,
				RedisAddress: rt.node.IndexStore.RedisAddress,
			})
			if err != nil {
				return err
			}
			defer entries.Close()
			if err := entries.Attach(rt.ledger); err != nil {
				return err
			}
			if err := st.BindUpstream(upstream); err != nil {
				return err
			}
			cursor, state = st, st
		}

		client, err := ledgersync.NewClient(upstream, syncTimeout)
		if err != nil {
			return err
		}
		defer client.Close()

		syncer := ledgersync.NewSyncer(rt.ledger, client, cursor, ledgersync.SyncerConfig{MaxEntries: syncMaxEntry})
		res, err := syncer.SyncOnce(context.Background())
		if err != nil {
			return fmt.Errorf("sync stopped after %d blocks: %w", res.Applied, err)
		}
		if state != nil {
			if err := state.MarkRound(uint64(time.Now().UnixNano())); err != nil {
				return err
			}
		}
		return printJSON(map[string]interface{}{
			"applied":    res.Applied,
			"duplicates": res.Duplicates,
			"cursor":     res.Cursor,
			"blocks":     rt.ledger.BlockCount(),
			"tip":        rt.ledger.LatestBlockHash().String(),
		})
	},
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(verifyCmd, listCmd, stateCmd, syncCmd)

	listCmd.Flags().StringVar(&listLabel, "label", "", "Only list entries of this label")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Stop after this many entries (0 lists all)")
	listCmd.Flags().BoolVar(&listDecode, "decode", false, "Decode known label values")

	syncCmd.Flags().StringVar(&syncUpstream, "upstream", "", "gRPC address of the upstream ledger")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 5*time.Second, "Timeout of a single block request")
	syncCmd.Flags().Uint32Var(&syncMaxEntry, "max-entries", 0, "Largest block to accept in entries (0 means no limit)")
}
