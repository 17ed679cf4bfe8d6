package main

import (
	"os"
	"runtime/debug"

	"github.com/decentcloud/dcledger/cmd"
	"github.com/decentcloud/dcledger/logx"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			_ = logx.Errorf("DCLEDGER CRASHED: %v\n%s", r, debug.Stack())
			os.Exit(1)
		}
	}()

	cmd.Execute()
}
