package exception

import (
	"os"
	"runtime/debug"

	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/monitoring"
)

// SafeGo runs fn on a new goroutine and logs instead of crashing on panic.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				monitoring.IncreasePanicCount()
				logx.Error("PANIC", "Panic in: ", name, " ", r, "\n", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// SafeGoWithPanic is SafeGo for goroutines the node cannot live without.
func SafeGoWithPanic(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				monitoring.IncreasePanicCount()
				logx.Error("PANIC", "Panic in: ", name, " ", r, "\n", string(debug.Stack()))
				os.Exit(1)
			}
		}()
		fn()
	}()
}
