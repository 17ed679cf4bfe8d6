package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/decentcloud/dcledger/api"
	"github.com/decentcloud/dcledger/events"
	"github.com/decentcloud/dcledger/exception"
	"github.com/decentcloud/dcledger/ledgersync"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/monitoring"
	"github.com/decentcloud/dcledger/pgindex"
	"github.com/decentcloud/dcledger/store"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a ledger node",
	Long: `Run a ledger node:
- serve the read API and the /events stream over HTTP
- serve the sync service over gRPC
- follow an upstream ledger when upstream_addr is set
- keep the key-value entry index and the optional postgres index current`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runNode(ctx)
	},
}

func init() {
	rootCmd.AddCommand(nodeCmd)
}

func runNode(ctx context.Context) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.node
	if cfg == nil {
		return fmt.Errorf("node needs a configuration file, %s not found", configPath)
	}
	if cfg.Metrics {
		monitoring.InitMetrics()
		monitoring.SetBlockHeight(rt.ledger.BlockCount())
	}

	entries, syncState, err := store.CreateStores(&store.StoreConfig{
		Type:         store.StoreType(cfg.IndexStore.Type),
		Directory:    cfg.IndexStore.Directory,
		RedisAddress: cfg.IndexStore.RedisAddress,
	})
	if err != nil {
		return fmt.Errorf("open index store: %w", err)
	}
	defer entries.Close()
	if err := entries.Attach(rt.ledger); err != nil {
		return fmt.Errorf("catch up entry index: %w", err)
	}

	gs := ledgersync.NewGRPCServer(ledgersync.NewServer(rt.ledger))
	if _, err := ledgersync.Serve(gs, cfg.GRPCAddr); err != nil {
		return err
	}
	defer gs.GracefulStop()

	if cfg.UpstreamAddr != "" {
		if err := syncState.BindUpstream(cfg.UpstreamAddr); err != nil {
			return err
		}
		client, err := ledgersync.NewClient(cfg.UpstreamAddr, time.Duration(cfg.SyncTimeoutSec)*time.Second)
		if err != nil {
			return err
		}
		defer client.Close()
		syncer := ledgersync.NewSyncer(rt.ledger, client, syncState, ledgersync.SyncerConfig{MaxEntries: cfg.SyncMaxEntries})
		exception.SafeGo("UpstreamSync", func() {
			syncer.Run(ctx, time.Duration(cfg.SyncIntervalSec)*time.Second)
		})
		logx.Info("CMD", "following upstream ", cfg.UpstreamAddr)
	}

	if cfg.PostgresDSN != "" {
		db, err := pgindex.Open(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		exporter := pgindex.New(db)
		if err := exporter.EnsureSchema(ctx); err != nil {
			return err
		}
		exception.SafeGo("PostgresExport", func() {
			exporter.Run(ctx, rt.ledger, time.Duration(cfg.SyncIntervalSec)*time.Second)
		})
	}

	apiSrv := api.NewAPIServer(rt.ledger, rt.projector, api.Options{
		ListenAddr:        cfg.APIAddr,
		RequestsPerMinute: cfg.APIRequestsPerMinute,
		ServeMetrics:      cfg.Metrics,
	})
	apiSrv.Events = events.NewEventBus()
	apiSrv.Events.Attach(rt.ledger)
	if err := apiSrv.Start(ctx); err != nil {
		return err
	}

	logx.Info("CMD", fmt.Sprintf("node running with %d blocks, tip %s", rt.ledger.BlockCount(), rt.ledger.LatestBlockHash()))
	<-ctx.Done()
	logx.Info("CMD", "shutting down")
	return nil
}
