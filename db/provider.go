package db

// DatabaseProvider abstracts the key-value backend behind the node's side
// indexes. Get returns (nil, nil) for a missing key.
type DatabaseProvider interface {
	Get(key []byte) ([]byte, error)

	// GetBatch retrieves multiple values; missing keys are left out of the result
	GetBatch(keys [][]byte) (map[string][]byte, error)

	Put(key, value []byte) error

	Delete(key []byte) error

	Has(key []byte) (bool, error)

	// IteratePrefix visits every pair whose key starts with prefix in key
	// order. The callback returns false to stop.
	IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error

	Close() error

	// Batch returns a new batch for atomic operations
	Batch() DatabaseBatch
}

// DatabaseBatch collects writes that are applied together by Write.
type DatabaseBatch interface {
	Put(key, value []byte)

	Delete(key []byte)

	// Write commits all operations in the batch
	Write() error

	// Reset clears the batch
	Reset()

	// Close releases batch resources
	Close() error
}
