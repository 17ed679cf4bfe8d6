package store

// Declare database key prefix for objects
const (
	PrefixEntry = "entry:"

	PrefixIndexMeta          = "index_meta:"
	IndexMetaKeyNextPosition = "next_position"
	IndexMetaKeyBlockCount   = "block_count"

	PrefixSyncMeta         = "sync_meta:"
	SyncMetaKeyCursor      = "cursor"
	SyncMetaKeyUpstream    = "upstream"
	SyncMetaKeyLastRoundNs = "last_round_ns"
)
