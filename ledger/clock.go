package ledger

import "time"

// Clock stamps committed blocks.
type Clock interface {
	NowNs() uint64
}

type systemClock struct{}

func (systemClock) NowNs() uint64 { return uint64(time.Now().UnixNano()) }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}
