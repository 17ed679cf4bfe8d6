package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/decentcloud/dcledger/logx"
)

type SyncFailureReason string

var (
	SyncTimeout       SyncFailureReason = "timeout"
	SyncTransport     SyncFailureReason = "transport"
	SyncChainMismatch SyncFailureReason = "chain_mismatch"
	SyncInvalidBlock  SyncFailureReason = "invalid_block"
	SyncFailedOther   SyncFailureReason = "other"
)

type ledgerPromMetrics struct {
	nodeUpUnixSeconds prometheus.Gauge
	blockHeight       prometheus.Gauge
	blockSizeBytes    prometheus.Histogram
	entriesInBlock    prometheus.Histogram
	commitFailures    prometheus.Counter
	replayDuration    prometheus.Histogram
	replayFailures    prometheus.Counter
	truncatedTail     prometheus.Counter
	syncApplied       prometheus.Counter
	syncDuplicates    prometheus.Counter
	syncFailures      *prometheus.CounterVec
	panicCount        prometheus.Counter
}

func newLedgerPromMetrics() *ledgerPromMetrics {
	return &ledgerPromMetrics{
		nodeUpUnixSeconds: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dcledger_node_up_timestamp_unix_seconds",
				Help: "Unix timestamp of the node start",
			},
		),
		blockHeight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dcledger_block_height",
				Help: "Number of blocks in the local ledger file",
			},
		),
		blockSizeBytes: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dcledger_block_size_bytes",
				Help:    "Encoded size of appended blocks",
				Buckets: prometheus.ExponentialBuckets(128, 4, 10),
			},
		),
		entriesInBlock: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dcledger_entries_in_block",
				Help:    "Number of entries per committed block",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		commitFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dcledger_commit_failures_total",
				Help: "Block commits abandoned because of an append failure",
			},
		),
		replayDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name: "dcledger_replay_duration_seconds",
				Help: "Duration of a full derived-state replay",
			},
		),
		replayFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dcledger_replay_failures_total",
				Help: "Replays aborted because an entry could not be decoded",
			},
		),
		truncatedTail: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dcledger_truncated_tail_bytes_total",
				Help: "Bytes of torn trailing blocks discarded on open",
			},
		),
		syncApplied: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dcledger_sync_applied_blocks_total",
				Help: "Blocks received from upstream and appended locally",
			},
		),
		syncDuplicates: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dcledger_sync_duplicate_blocks_total",
				Help: "Blocks received from upstream that were already present",
			},
		),
		syncFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcledger_sync_failures_total",
				Help: "Failed sync rounds by reason",
			},
			[]string{"reason"},
		),
		panicCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dcledger_panic_count",
				Help: "Recovered goroutine panics",
			},
		),
	}
}

var (
	nodeMetrics *ledgerPromMetrics
	initOnce    sync.Once
)

// InitMetrics registers the collectors once. Recording functions are no-ops
// until it has been called, which keeps library users and tests free of a
// global registry.
func InitMetrics() {
	initOnce.Do(func() {
		nodeMetrics = newLedgerPromMetrics()
		nodeMetrics.nodeUpUnixSeconds.SetToCurrentTime()
	})
}

func RegisterMetrics(mux *http.ServeMux) {
	logx.Info("MONITORING", "Registering prometheus metrics")
	mux.Handle("/metrics", promhttp.Handler())
}

func SetBlockHeight(height uint64) {
	if nodeMetrics == nil {
		return
	}
	nodeMetrics.blockHeight.Set(float64(height))
}

func RecordBlockSizeBytes(sizeBytes int) {
	if nodeMetrics == nil {
		return
	}
	nodeMetrics.blockSizeBytes.Observe(float64(sizeBytes))
}

func RecordEntriesInBlock(n int) {
	if nodeMetrics == nil {
		return
	}
	nodeMetrics.entriesInBlock.Observe(float64(n))
}

func IncreaseCommitFailures() {
	if nodeMetrics == nil {
		return
	}
	nodeMetrics.commitFailures.Inc()
}

func RecordReplay(duration time.Duration, err error) {
	if nodeMetrics == nil {
		return
	}
	if err != nil {
		nodeMetrics.replayFailures.Inc()
		return
	}
	nodeMetrics.replayDuration.Observe(duration.Seconds())
}

func RecordTruncatedTail(bytes int64) {
	if nodeMetrics == nil {
		return
	}
	nodeMetrics.truncatedTail.Add(float64(bytes))
}

func IncreaseSyncApplied() {
	if nodeMetrics == nil {
		return
	}
	nodeMetrics.syncApplied.Inc()
}

func IncreaseSyncDuplicates() {
	if nodeMetrics == nil {
		return
	}
	nodeMetrics.syncDuplicates.Inc()
}

func RecordSyncFailure(reason SyncFailureReason) {
	if nodeMetrics == nil {
		return
	}
	nodeMetrics.syncFailures.With(prometheus.Labels{
		"reason": string(reason),
	}).Inc()
}

func IncreasePanicCount() {
	if nodeMetrics == nil {
		return
	}
	nodeMetrics.panicCount.Inc()
}
