package ledger

import (
	"errors"
	"fmt"

	"github.com/decentcloud/dcledger/block"
	"github.com/decentcloud/dcledger/blockstore"
	"github.com/decentcloud/dcledger/types"
)

// Every error returned by this package matches one of these with errors.Is.
var (
	ErrEntryNotFound           = errors.New("entry not found")
	ErrBlockEmpty              = errors.New("block is empty")
	ErrBlockCorrupted          = block.ErrCorrupted
	ErrUnsupportedBlockVersion = block.ErrUnsupportedVersion
	ErrTooManyEntriesInBlock   = block.ErrTooManyEntries
	ErrBlockTooLarge           = block.ErrTooLarge
	ErrSerialization           = types.ErrSerialization
	ErrOther                   = errors.New("ledger failure")

	ErrBlockInProgress   = errors.New("a block is already being built")
	ErrNoBlockInProgress = errors.New("no block is being built")
	ErrParentMismatch    = blockstore.ErrParentMismatch
)

var taxonomy = []error{
	ErrEntryNotFound,
	ErrBlockEmpty,
	ErrBlockCorrupted,
	ErrUnsupportedBlockVersion,
	ErrTooManyEntriesInBlock,
	ErrBlockTooLarge,
	ErrSerialization,
	ErrOther,
	ErrBlockInProgress,
	ErrNoBlockInProgress,
	ErrParentMismatch,
}

// classify leaves known errors alone and files everything else, I/O
// included, under ErrOther.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range taxonomy {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrOther, err)
}
