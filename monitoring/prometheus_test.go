package monitoring

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decentcloud/dcledger/logx"
)

func TestRecordersAreSafeBeforeInit(t *testing.T) {
	// nodeMetrics is nil until InitMetrics; none of these may panic
	SetBlockHeight(1)
	RecordBlockSizeBytes(10)
	RecordSyncFailure(SyncTimeout)
	IncreasePanicCount()
}

func TestMetricsEndpointExposesLedgerMetrics(t *testing.T) {
	logx.SetOutput(io.Discard)
	InitMetrics()
	InitMetrics()

	SetBlockHeight(42)
	RecordEntriesInBlock(3)
	RecordReplay(time.Millisecond, nil)
	RecordReplay(0, errors.New("decode"))
	RecordSyncFailure(SyncChainMismatch)

	mux := http.NewServeMux()
	RegisterMetrics(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "dcledger_block_height 42")
	assert.Contains(t, string(body), `dcledger_sync_failures_total{reason="chain_mismatch"} 1`)
	assert.Contains(t, string(body), "dcledger_replay_failures_total 1")
}
