package ledgersync

// NextBlockRequest asks an upstream ledger for the first block at or after
// StartPosition. Positions are byte offsets into the upstream block file.
type NextBlockRequest struct {
	StartPosition *int64  `json:"start_position,omitempty"`
	IncludeData   bool    `json:"include_data"`
	MaxEntries    *uint32 `json:"max_entries,omitempty"`
}

// NextBlockResponse carries at most one block, split into its encoded header,
// its encoded entry section and its digest.
type NextBlockResponse struct {
	HasBlock            bool   `json:"has_block"`
	BlockHeader         []byte `json:"block_header,omitempty"`
	BlockData           []byte `json:"block_data,omitempty"`
	BlockHash           []byte `json:"block_hash,omitempty"`
	BlockPosition       *int64 `json:"block_position,omitempty"`
	NextBlockPosition   *int64 `json:"next_block_position,omitempty"`
	EntriesCount        uint32 `json:"entries_count"`
	MoreBlocksAvailable bool   `json:"more_blocks_available"`
}

func int64Ptr(v int64) *int64 { return &v }
