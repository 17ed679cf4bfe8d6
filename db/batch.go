package db

import (
	"fmt"

	"github.com/decentcloud/dcledger/logx"
)

// WithBatch runs fn against a fresh batch of provider and writes it when fn
// returns nil. On error nothing is written.
func WithBatch(provider DatabaseProvider, fn func(batch DatabaseBatch) error) error {
	batch := provider.Batch()
	defer func() {
		if err := batch.Close(); err != nil {
			logx.Error("DB", "failed to close batch: ", err)
		}
	}()

	if err := fn(batch); err != nil {
		batch.Reset()
		return fmt.Errorf("batch aborted: %w", err)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("batch commit failed: %w", err)
	}
	return nil
}
