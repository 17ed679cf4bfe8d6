//go:build !unix

package blockstore

import "os"

func lockFile(_ *os.File) (func() error, error) {
	return func() error { return nil }, nil
}
