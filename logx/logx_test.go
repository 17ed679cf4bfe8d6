package logx

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryAndLevelArePrinted(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	Info("LEDGER", "committed block ", 3)
	Warn("BLOCKSTORE", "truncated")

	out := buf.String()
	assert.Contains(t, out, "[INFO][LEDGER]")
	assert.Contains(t, out, "committed block 3")
	assert.Contains(t, out, "[WARN][BLOCKSTORE]")
}

func TestErrorfReturnsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	err := Errorf("bad block %d", 7)
	assert.EqualError(t, err, "bad block 7")
	assert.True(t, strings.Contains(buf.String(), "bad block 7"))
	assert.False(t, errors.Is(err, errors.New("bad block 7")))
}

func TestEnvIntFallback(t *testing.T) {
	t.Setenv("LOGFILE_MAX_SIZE_MB", "nope")
	assert.Equal(t, defaultMaxSizeMB, getMaxSize())

	t.Setenv("LOGFILE_MAX_SIZE_MB", "12")
	assert.Equal(t, 12, getMaxSize())
}
